package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/0xarcano/UXWallet/internal/config"
	"github.com/0xarcano/UXWallet/internal/handlers"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	username := flag.String("username", "", "admin username (defaults to admin.username)")
	ttl := flag.Duration("ttl", 0, "token lifetime (defaults to admin.tokenTtlHours)")
	newTOTP := flag.Bool("totp", false, "print a fresh TOTP enrollment instead of a token")
	password := flag.String("hash-password", "", "print the bcrypt hash of this password instead of a token")
	flag.Parse()

	if *password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(*password), bcrypt.DefaultCost)
		if err != nil {
			fail("hash password: %v", err)
		}
		fmt.Println(string(hash))
		return
	}

	if *newTOTP {
		key, err := handlers.GenerateTOTPKey("admin@uxwallet")
		if err != nil {
			fail("generate TOTP secret: %v", err)
		}
		fmt.Printf("Secret: %s\n", key.Secret())
		fmt.Printf("URL:    %s\n", key.URL())
		fmt.Println("Store the secret in admin.totpSecret or ADMIN_TOTP_SECRET.")
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fail("load config: %v", err)
	}
	if *username == "" {
		*username = cfg.Admin.Username
	}
	if *ttl == 0 {
		*ttl = time.Duration(cfg.Admin.TokenTTLHours) * time.Hour
	}

	token, expiresAt, err := handlers.NewAdminTokens(cfg.Admin.JWTSecret, *ttl).Issue(*username)
	if err != nil {
		fail("issue token: %v", err)
	}

	fmt.Println("============================================================")
	fmt.Println("Admin JWT")
	fmt.Println("============================================================")
	fmt.Println(token)
	fmt.Println()
	fmt.Printf("  Username: %s\n", *username)
	fmt.Printf("  Expires:  %s\n", expiresAt.Format(time.RFC3339))
	fmt.Println()
	fmt.Printf("curl -H 'Authorization: Bearer %s' http://%s/api/admin/inventory\n", token, cfg.Server.Addr())
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "❌ "+format+"\n", args...)
	os.Exit(1)
}
