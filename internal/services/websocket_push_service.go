package services

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/0xarcano/UXWallet/internal/events"
	"github.com/0xarcano/UXWallet/internal/metrics"
	"github.com/0xarcano/UXWallet/internal/utils"
)

const (
	wsPingInterval = 30 * time.Second
	wsReadTimeout  = 60 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 512

	// CloseMissingAddress is sent when /ws is opened without ?address=.
	CloseMissingAddress = 4001
)

// WebSocket Upgrader
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Connection is one client socket bound to a user address.
type Connection struct {
	ID          string
	UserAddress string
	Conn        *websocket.Conn
	sub         *events.Subscription
}

type welcomeMessage struct {
	Type    string `json:"type"`
	Address string `json:"address"`
}

// WebSocketPushService forwards balance notifications from the broker to
// every socket registered for the user's address.
type WebSocketPushService struct {
	broker      *events.Broker
	connections map[string]*Connection
	mutex       sync.RWMutex
	wg          sync.WaitGroup
	log         logrus.FieldLogger
}

// NewWebSocketPushService creates a new WebSocketPushService
func NewWebSocketPushService(broker *events.Broker, log logrus.FieldLogger) *WebSocketPushService {
	return &WebSocketPushService{
		broker:      broker,
		connections: make(map[string]*Connection),
		log:         log,
	}
}

// HandleWebSocket upgrades the request and serves the connection until
// the client goes away.
func (s *WebSocketPushService) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("❌ WebSocket upgrade failed")
		return
	}

	address := utils.NormalizeAddress(r.URL.Query().Get("address"))
	if address == "" {
		msg := websocket.FormatCloseMessage(CloseMissingAddress, "Missing address query parameter")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
		conn.Close()
		return
	}

	connection := &Connection{
		ID:          uuid.NewString(),
		UserAddress: address,
		Conn:        conn,
		sub:         s.broker.Subscribe(address),
	}
	s.register(connection)

	welcome, _ := json.Marshal(welcomeMessage{Type: "connected", Address: address})
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, welcome); err != nil {
		s.unregister(connection)
		return
	}

	s.wg.Add(2)
	go s.handleConnectionWrite(connection)
	go s.handleConnectionRead(connection)
}

func (s *WebSocketPushService) register(conn *Connection) {
	s.mutex.Lock()
	s.connections[conn.ID] = conn
	s.mutex.Unlock()

	metrics.WebSocketClients.Inc()
	s.log.WithFields(logrus.Fields{"user": conn.UserAddress, "connId": conn.ID}).Info("📱 WebSocket connection registered")
}

// unregister is idempotent; the first call closes the socket and the
// broker subscription.
func (s *WebSocketPushService) unregister(conn *Connection) {
	s.mutex.Lock()
	_, ok := s.connections[conn.ID]
	delete(s.connections, conn.ID)
	s.mutex.Unlock()
	if !ok {
		return
	}

	conn.sub.Unsubscribe()
	conn.Conn.Close()
	metrics.WebSocketClients.Dec()
	s.log.WithFields(logrus.Fields{"user": conn.UserAddress, "connId": conn.ID}).Info("📱 WebSocket connection unregistered")
}

func (s *WebSocketPushService) handleConnectionWrite(conn *Connection) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		s.unregister(conn)
		s.wg.Done()
	}()

	for {
		select {
		case message, ok := <-conn.sub.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				conn.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(message)
			if err != nil {
				s.log.WithError(err).Error("❌ Failed to marshal push message")
				continue
			}
			if err := conn.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.log.WithError(err).WithField("connId", conn.ID).Debug("Write message failed")
				return
			}

		case <-ticker.C:
			conn.Conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *WebSocketPushService) handleConnectionRead(conn *Connection) {
	defer func() {
		s.unregister(conn)
		s.wg.Done()
	}()

	conn.Conn.SetReadLimit(wsReadLimit)
	conn.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.Conn.SetPongHandler(func(string) error {
		conn.Conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		if _, _, err := conn.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.log.WithError(err).WithField("connId", conn.ID).Warn("❌ WebSocket read error")
			}
			return
		}
	}
}

// GetActiveConnections returns the number of open sockets.
func (s *WebSocketPushService) GetActiveConnections() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.connections)
}

// Close drops every connection and waits for their goroutines.
func (s *WebSocketPushService) Close() {
	s.mutex.RLock()
	conns := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mutex.RUnlock()

	for _, c := range conns {
		s.unregister(c)
	}
	s.wg.Wait()
}
