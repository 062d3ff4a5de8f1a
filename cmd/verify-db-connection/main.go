package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"reflect"

	_ "github.com/lib/pq"
	"gorm.io/gorm/schema"

	"github.com/0xarcano/UXWallet/internal/models"
)

func main() {
	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "postgres connection string")
	flag.Parse()
	if *dsn == "" {
		log.Fatal("❌ -dsn or DATABASE_URL is required")
	}

	fmt.Println("🔍 Verifying database connection and schema...")

	sqlDB, err := sql.Open("postgres", *dsn)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer sqlDB.Close()

	var dbName string
	if err := sqlDB.QueryRow("SELECT current_database()").Scan(&dbName); err != nil {
		log.Fatalf("Failed to get database name: %v", err)
	}
	fmt.Printf("📋 Connected to database: %s\n", dbName)

	naming := schema.NamingStrategy{}
	missing := 0
	for _, m := range models.All() {
		table := naming.TableName(reflect.TypeOf(m).Elem().Name())

		var exists bool
		err := sqlDB.QueryRow(`
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_schema = 'public' AND table_name = $1
			)`, table).Scan(&exists)
		if err != nil {
			log.Fatalf("Failed to query table %s: %v", table, err)
		}
		if !exists {
			fmt.Printf("❌ %s is missing\n", table)
			missing++
			continue
		}
		fmt.Printf("✅ %s\n", table)
	}

	if missing > 0 {
		fmt.Printf("\n%d table(s) missing; start the server once to run AutoMigrate.\n", missing)
		os.Exit(1)
	}
	fmt.Println("\n✅ Schema is complete")
}
