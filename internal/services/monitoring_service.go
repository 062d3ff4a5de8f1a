package services

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/0xarcano/UXWallet/internal/metrics"
)

// MonitoringService periodically refreshes database and vault gauges.
type MonitoringService struct {
	db        *gorm.DB
	inventory *InventoryManager
	interval  time.Duration
	log       logrus.FieldLogger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewMonitoringService 创建监控服务
func NewMonitoringService(db *gorm.DB, inventory *InventoryManager, interval time.Duration, log logrus.FieldLogger) *MonitoringService {
	return &MonitoringService{
		db:        db,
		inventory: inventory,
		interval:  interval,
		log:       log.WithField("component", "monitoring"),
		stopCh:    make(chan struct{}),
	}
}

// Start 启动监控服务
func (m *MonitoringService) Start() {
	m.log.Info("🚀 Starting monitoring service...")

	m.wg.Add(1)
	go m.run()
}

// Stop 停止监控服务
func (m *MonitoringService) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	m.log.Info("✅ Monitoring service stopped")
}

func (m *MonitoringService) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Refresh(context.Background())
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Refresh(context.Background())
		}
	}
}

// Refresh updates every gauge once.
func (m *MonitoringService) Refresh(ctx context.Context) {
	m.updateDatabaseMetrics(ctx)
	m.updateInventoryMetrics(ctx)
}

func (m *MonitoringService) updateDatabaseMetrics(ctx context.Context) {
	sqlDB, err := m.db.DB()
	if err != nil {
		metrics.DBConnectionStatus.Set(0)
		return
	}

	stats := sqlDB.Stats()
	metrics.DBConnectionPoolSize.Set(float64(stats.MaxOpenConnections))
	metrics.DBConnectionActive.Set(float64(stats.InUse))
	metrics.DBConnectionIdle.Set(float64(stats.Idle))

	if err := sqlDB.PingContext(ctx); err != nil {
		metrics.DBConnectionStatus.Set(0)
		m.log.WithError(err).Warn("⚠️ Database ping failed")
		return
	}
	metrics.DBConnectionStatus.Set(1)
}

func (m *MonitoringService) updateInventoryMetrics(ctx context.Context) {
	records, err := m.inventory.ListInventory(ctx)
	if err != nil {
		m.log.WithError(err).Warn("⚠️ Failed to list vault inventory")
		return
	}
	for _, record := range records {
		metrics.VaultInventory.
			WithLabelValues(strconv.FormatInt(record.ChainID, 10), record.Asset).
			Set(record.Balance.Float64())
	}
}
