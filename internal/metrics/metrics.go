package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ============================================
	// Database
	// ============================================
	DBConnectionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uxwallet_db_connection_active",
		Help: "Number of active database connections",
	})

	DBConnectionIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uxwallet_db_connection_idle",
		Help: "Number of idle database connections",
	})

	DBConnectionPoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uxwallet_db_connection_pool_size",
		Help: "Maximum open database connections",
	})

	DBConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uxwallet_db_connection_status",
		Help: "Database connection status (1=healthy, 0=unhealthy)",
	})

	// ============================================
	// ClearNode protocol client
	// ============================================
	ClearNodeConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uxwallet_clearnode_connection_state",
		Help: "ClearNode connection state (0=disconnected,1=connecting,2=connected,3=authenticating,4=authenticated)",
	})

	ClearNodeReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uxwallet_clearnode_reconnects_total",
		Help: "Total number of ClearNode reconnect attempts",
	})

	ClearNodeRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "uxwallet_clearnode_request_duration_seconds",
			Help:    "ClearNode RPC round trip in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	ClearNodeRequestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uxwallet_clearnode_request_errors_total",
			Help: "Total number of failed ClearNode RPC requests",
		},
		[]string{"method", "code"},
	)

	ClearNodePushMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uxwallet_clearnode_push_messages_total",
			Help: "Server-push messages received from the ClearNode",
		},
		[]string{"method"},
	)

	// ============================================
	// Settlement and liquidity
	// ============================================
	StateUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uxwallet_state_updates_total",
			Help: "State updates by outcome",
		},
		[]string{"outcome"},
	)

	Withdrawals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uxwallet_withdrawals_total",
			Help: "Withdrawals reaching a terminal status",
		},
		[]string{"exit_type", "status"},
	)

	Intents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uxwallet_intents_total",
			Help: "Solver intent evaluations by final status",
		},
		[]string{"status"},
	)

	VaultInventory = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "uxwallet_vault_inventory",
			Help: "Vault inventory per chain and asset in base units",
		},
		[]string{"chain_id", "asset"},
	)

	WithdrawalTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uxwallet_withdrawal_timeouts_total",
			Help: "Withdrawals failed by the timeout sweep",
		},
		[]string{"status"},
	)

	InventoryDebitFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uxwallet_inventory_debit_failures_total",
			Help: "Rejected vault inventory debits",
		},
		[]string{"chain_id", "asset"},
	)

	// ============================================
	// Notifications
	// ============================================
	BalanceNotifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "uxwallet_balance_notifications_total",
			Help: "Balance update notifications published",
		},
		[]string{"sink"},
	)

	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uxwallet_websocket_clients",
		Help: "Connected balance websocket clients",
	})

	NATSConnectionStatus = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "uxwallet_nats_connection_status",
		Help: "NATS connection status (1=connected, 0=disconnected)",
	})

	// ============================================
	// HTTP
	// ============================================
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "uxwallet_http_rate_limited_total",
		Help: "Requests rejected by the rate limiter",
	})
)
