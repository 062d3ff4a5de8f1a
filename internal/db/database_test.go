package db_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/0xarcano/UXWallet/internal/config"
	"github.com/0xarcano/UXWallet/internal/db"
	"github.com/0xarcano/UXWallet/internal/db/dbtest"
	"github.com/0xarcano/UXWallet/internal/logging"
	"github.com/0xarcano/UXWallet/internal/models"
)

func TestOpenMigratesAllTables(t *testing.T) {
	gdb := dbtest.New(t)

	for _, m := range models.All() {
		require.True(t, gdb.Migrator().HasTable(m), "%T", m)
	}
	require.NoError(t, db.Ping(gdb))
}

func TestOpenRejectsBadConfig(t *testing.T) {
	_, err := db.Open(config.DatabaseConfig{Driver: "sqlite"}, logging.Discard())
	require.Error(t, err)

	_, err = db.Open(config.DatabaseConfig{Driver: "mysql", DSN: "x"}, logging.Discard())
	require.Error(t, err)
}

func TestTransactionSequenceIsUnique(t *testing.T) {
	gdb := dbtest.New(t)

	first := models.Transaction{SessionID: "s1", SequenceNumber: 1, Type: models.TransactionTypeStateUpdate}
	require.NoError(t, gdb.Create(&first).Error)

	dup := models.Transaction{SessionID: "s1", SequenceNumber: 1, Type: models.TransactionTypeStateUpdate}
	require.Error(t, gdb.Create(&dup).Error)
}
