package app

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/0xarcano/UXWallet/internal/clearnode"
	"github.com/0xarcano/UXWallet/internal/clients"
	"github.com/0xarcano/UXWallet/internal/config"
	"github.com/0xarcano/UXWallet/internal/events"
	"github.com/0xarcano/UXWallet/internal/repository"
	"github.com/0xarcano/UXWallet/internal/services"
	"github.com/0xarcano/UXWallet/internal/signer"
)

const brokerBuffer = 64

// ServiceContainer owns every long-lived component of one process.
type ServiceContainer struct {
	Config *config.Config
	Log    logrus.FieldLogger

	// Database
	DB    *gorm.DB
	Store *repository.Store

	// Collaborators
	Keys      *signer.KeyStore
	ClearNode *clearnode.Client
	Bridge    *clients.LifRustClient
	Chains    *clients.ChainClients

	// Notifications
	Broker    *events.Broker
	NATS      *events.NATSPublisher
	Publisher events.Publisher

	// Core Services
	Inventory     *services.InventoryManager
	Ledger        *services.SettlementLedger
	ExitRouter    *services.ExitRouter
	Profitability *services.Profitability
	Solver        *services.SolverEngine
	Delegation    *services.DelegationEngine

	// Background
	WebSocketPushService     *services.WebSocketPushService
	WithdrawalTimeoutService *services.WithdrawalTimeoutService
	MonitoringService        *services.MonitoringService
}

// NewServiceContainer wires every component. Nothing connects to the
// network until Start.
func NewServiceContainer(ctx context.Context, cfg *config.Config, gdb *gorm.DB, log logrus.FieldLogger) (*ServiceContainer, error) {
	log.Info("🚀 Initializing Service Container...")

	c := &ServiceContainer{
		Config: cfg,
		Log:    log,
		DB:     gdb,
		Store:  repository.NewStore(gdb),
	}

	keys, err := signer.NewKeyStore(ctx, cfg.KMS)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize key store: %w", err)
	}
	c.Keys = keys
	c.initClients()

	if err := c.initNotifications(); err != nil {
		return nil, err
	}
	c.initCoreServices()
	c.initBackground()

	log.Info("✅ Service Container initialized successfully")
	return c, nil
}

func (c *ServiceContainer) initClients() {
	c.Bridge = clients.NewLifRustClient(c.Config.LifRust, c.Log.WithField("component", "lif-rust"))
	c.Chains = clients.NewChainClients(c.Config.Chains, c.Log.WithField("component", "chains"))

	if c.Config.ClearNode.WSSURL == "" {
		c.Log.Warn("⚠️ clearnode.wssUrl not configured, sessions will not be mirrored to ClearNode")
		return
	}
	service, err := c.Keys.Signer(signer.ScopeClearNode)
	if err != nil {
		c.Log.WithError(err).Warn("⚠️ No ClearNode signer, ClearNode disabled")
		return
	}
	c.ClearNode = clearnode.New(clearnode.OptionsFromConfig(c.Config.ClearNode, service), c.Log)
}

func (c *ServiceContainer) initNotifications() error {
	c.Broker = events.NewBroker(brokerBuffer, c.Log.WithField("component", "broker"))
	c.Publisher = c.Broker

	if c.Config.NATS.URL == "" {
		c.Log.Info("📭 NATS not configured, notifications stay in-process")
		return nil
	}
	nats, err := events.NewNATSPublisher(c.Config.NATS, c.Log.WithField("component", "nats"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.NATS = nats
	c.Publisher = events.MultiPublisher{c.Broker, nats}
	return nil
}

func (c *ServiceContainer) initCoreServices() {
	log := c.Log
	c.Inventory = services.NewInventoryManager(c.Store, c.Config.Solver, log.WithField("component", "inventory"))

	node := clearNodeClient(c.ClearNode)
	c.Ledger = services.NewSettlementLedger(c.Store, node, c.Keys, c.Inventory, c.Publisher, log.WithField("component", "ledger"))
	c.ExitRouter = services.NewExitRouter(c.Store, c.Inventory, c.Bridge, c.Publisher, log.WithField("component", "exit_router"))
	c.Profitability = services.NewProfitability(c.Bridge, c.Config.Solver, log.WithField("component", "profitability"))
	c.Solver = services.NewSolverEngine(c.Store, c.Inventory, c.Profitability, c.Bridge, log.WithField("component", "solver"))
	c.Delegation = services.NewDelegationEngine(c.Store, c.Config.Delegation, log.WithField("component", "delegation"))

	c.Ledger.SetSessionKeyValidator(c.Delegation)
	c.Ledger.RegisterPushHandlers()
}

func (c *ServiceContainer) initBackground() {
	workers := c.Config.Workers
	c.WebSocketPushService = services.NewWebSocketPushService(c.Broker, c.Log.WithField("component", "ws_push"))
	c.WithdrawalTimeoutService = services.NewWithdrawalTimeoutService(c.Store, c.ExitRouter, workers, c.Log)
	c.MonitoringService = services.NewMonitoringService(c.DB, c.Inventory, time.Duration(workers.MonitorIntervalSeconds)*time.Second, c.Log)
}

// Start connects ClearNode and launches the background loops. A ClearNode
// failure is logged; the client keeps reconnecting on its own.
func (c *ServiceContainer) Start(ctx context.Context) {
	if c.ClearNode != nil {
		if err := c.ClearNode.Connect(ctx); err != nil {
			c.Log.WithError(err).Warn("⚠️ ClearNode connect failed")
		} else if err := c.ClearNode.EnsureAuthenticated(ctx); err != nil {
			c.Log.WithError(err).Warn("⚠️ ClearNode authentication failed")
		}
	}
	c.WithdrawalTimeoutService.Start()
	c.MonitoringService.Start()
}

// Shutdown stops background work, drains in-flight withdrawals and closes
// connections.
func (c *ServiceContainer) Shutdown() {
	c.Log.Info("🛑 Shutting down services...")
	c.WithdrawalTimeoutService.Stop()
	c.MonitoringService.Stop()
	c.ExitRouter.Wait()
	c.WebSocketPushService.Close()
	if c.ClearNode != nil {
		c.ClearNode.Disconnect()
	}
	if c.NATS != nil {
		c.NATS.Close()
	}
	c.Chains.Close()
	c.Log.Info("✅ Services stopped")
}

// NATSStatus returns the NATS publisher as a health check, or nil when
// NATS is disabled.
func (c *ServiceContainer) NATSStatus() interface{ Connected() bool } {
	if c.NATS == nil {
		return nil
	}
	return c.NATS
}
