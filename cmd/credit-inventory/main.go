package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/0xarcano/UXWallet/internal/config"
	"github.com/0xarcano/UXWallet/internal/db"
	"github.com/0xarcano/UXWallet/internal/logging"
	"github.com/0xarcano/UXWallet/internal/models"
	"github.com/0xarcano/UXWallet/internal/repository"
	"github.com/0xarcano/UXWallet/internal/services"
	"github.com/0xarcano/UXWallet/internal/utils"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	chainID := flag.Int64("chain", 0, "chain id of the vault")
	asset := flag.String("asset", "", "asset symbol")
	vault := flag.String("vault", "", "vault contract address (optional)")
	amountFlag := flag.String("amount", "", "amount in base units")
	dryRun := flag.Bool("dry-run", false, "print the resulting balance without writing")
	flag.Parse()

	if *chainID <= 0 || *asset == "" || *amountFlag == "" {
		flag.Usage()
		os.Exit(2)
	}
	amount, err := models.ParseAmount(*amountFlag)
	if err != nil || amount.IsZero() {
		fail("amount must be a positive integer: %q", *amountFlag)
	}
	vaultAddress := ""
	if *vault != "" {
		if _, vaultAddress, err = utils.ParseAddress(*vault); err != nil {
			fail("%v", err)
		}
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fail("load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		fail("init logger: %v", err)
	}
	gdb, err := db.Open(cfg.Database, logger)
	if err != nil {
		fail("open database: %v", err)
	}

	ctx := context.Background()
	inventory := services.NewInventoryManager(repository.NewStore(gdb), cfg.Solver, logger)

	current, err := inventory.GetInventory(ctx, *chainID, *asset)
	if err != nil {
		fail("read inventory: %v", err)
	}
	if *dryRun {
		next, err := current.Add(amount)
		if err != nil {
			fail("%v", err)
		}
		fmt.Printf("🧪 Dry run: chain %d %s %s -> %s\n", *chainID, *asset, current, next)
		return
	}

	record, err := inventory.RecordDeposit(ctx, *chainID, *asset, vaultAddress, amount)
	if err != nil {
		fail("record deposit: %v", err)
	}
	fmt.Printf("✅ Credited chain %d %s: %s -> %s\n", *chainID, *asset, current, record.Balance)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "❌ "+format+"\n", args...)
	os.Exit(1)
}
