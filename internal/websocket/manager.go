package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"roadwatch-sync-server/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var ErrTooManyConnections = errors.New("too many connections for operator")

type ClientMessage struct {
	Client  *Client
	Message []byte
}

type Options struct {
	MaxConnPerOperator int
	MaxMessageSize     int64
	WriteWait          time.Duration
	PongWait           time.Duration
	PingPeriod         time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxConnPerOperator: 5,
		MaxMessageSize:     4096,
		WriteWait:          10 * time.Second,
		PongWait:           60 * time.Second,
		PingPeriod:         54 * time.Second,
	}
}

// Manager fans sync events out to connected operator dashboards. It
// implements the engine's Notifier.
type Manager struct {
	clients            map[string]*Client
	operatorIndex      map[string]map[string]bool
	clientsMutex       sync.RWMutex
	register           chan *Client
	unregisterCh       chan *Client
	handleMessage      chan *ClientMessage
	done               chan struct{}
	maxConnPerOperator int
	maxMessageSize     int64
	writeWait          time.Duration
	pongWait           time.Duration
	pingPeriod         time.Duration
	upgrader           websocket.Upgrader
	logger             *zap.Logger
}

func NewManager(opts Options, logger *zap.Logger) *Manager {
	return &Manager{
		clients:            make(map[string]*Client),
		operatorIndex:      make(map[string]map[string]bool),
		register:           make(chan *Client),
		unregisterCh:       make(chan *Client),
		handleMessage:      make(chan *ClientMessage),
		done:               make(chan struct{}),
		maxConnPerOperator: opts.MaxConnPerOperator,
		maxMessageSize:     opts.MaxMessageSize,
		writeWait:          opts.WriteWait,
		pongWait:           opts.PongWait,
		pingPeriod:         opts.PingPeriod,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger.Named("ws"),
	}
}

// Run owns the client registry until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			m.closeAll()
			return

		case client := <-m.register:
			m.registerClient(client)

		case client := <-m.unregisterCh:
			m.unregisterClient(client)

		case clientMsg := <-m.handleMessage:
			m.processMessage(clientMsg)
		}
	}
}

// Serve upgrades an authenticated request and attaches it to operatorID.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, operatorID string) error {
	if m.Connections(operatorID) >= m.maxConnPerOperator {
		http.Error(w, ErrTooManyConnections.Error(), http.StatusTooManyRequests)
		return ErrTooManyConnections
	}

	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(uuid.New().String(), operatorID, conn, m)
	select {
	case m.register <- client:
	case <-m.done:
		conn.Close()
		return context.Canceled
	}

	go client.WritePump()
	go client.ReadPump()
	return nil
}

func (m *Manager) registerClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if m.operatorIndex[client.OperatorID] == nil {
		m.operatorIndex[client.OperatorID] = make(map[string]bool)
	}

	if len(m.operatorIndex[client.OperatorID]) >= m.maxConnPerOperator {
		m.logger.Warn("max connections reached", zap.String("operator", client.OperatorID))
		close(client.Send)
		return
	}

	m.clients[client.ID] = client
	m.operatorIndex[client.OperatorID][client.ID] = true

	m.logger.Info("client registered", zap.String("client_id", client.ID), zap.String("operator", client.OperatorID))
}

func (m *Manager) unregister(client *Client) {
	select {
	case m.unregisterCh <- client:
	case <-m.done:
	}
}

func (m *Manager) unregisterClient(client *Client) {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	if _, ok := m.clients[client.ID]; ok {
		delete(m.clients, client.ID)
		delete(m.operatorIndex[client.OperatorID], client.ID)

		if len(m.operatorIndex[client.OperatorID]) == 0 {
			delete(m.operatorIndex, client.OperatorID)
		}

		close(client.Send)
		m.logger.Info("client unregistered", zap.String("client_id", client.ID))
	}
}

func (m *Manager) closeAll() {
	m.clientsMutex.Lock()
	defer m.clientsMutex.Unlock()

	for id, client := range m.clients {
		close(client.Send)
		delete(m.clients, id)
	}
	m.operatorIndex = make(map[string]map[string]bool)
}

func (m *Manager) handle(msg *ClientMessage) {
	select {
	case m.handleMessage <- msg:
	case <-m.done:
	}
}

func (m *Manager) processMessage(clientMsg *ClientMessage) {
	var msg Message
	if err := json.Unmarshal(clientMsg.Message, &msg); err != nil {
		m.reply(clientMsg.Client, TypeError, &ErrorPayload{Error: "malformed message"})
		return
	}

	switch msg.Type {
	case TypePing:
		m.reply(clientMsg.Client, TypePong, nil)
	default:
		m.reply(clientMsg.Client, TypeError, &ErrorPayload{Error: "unsupported message type"})
	}
}

// reply runs on the Run goroutine, so the client cannot be closed underneath.
func (m *Manager) reply(client *Client, msgType MessageType, payload interface{}) {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()
	if _, ok := m.clients[client.ID]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
		m.logger.Warn("client send buffer full", zap.String("client_id", client.ID))
	}
}

// Notify broadcasts a sync event to every dashboard. It never blocks: slow
// clients are disconnected.
func (m *Manager) Notify(event domain.LogEvent, data interface{}) {
	msg, err := NewEventMessage(event, data)
	if err != nil {
		m.logger.Warn("failed to encode event", zap.String("event", string(event)), zap.Error(err))
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	var slow []*Client
	m.clientsMutex.RLock()
	for _, client := range m.clients {
		select {
		case client.Send <- payload:
		default:
			slow = append(slow, client)
		}
	}
	m.clientsMutex.RUnlock()

	for _, client := range slow {
		m.logger.Warn("client send buffer full, closing connection", zap.String("client_id", client.ID))
		go m.unregister(client)
	}
}

func (m *Manager) Connections(operatorID string) int {
	m.clientsMutex.RLock()
	defer m.clientsMutex.RUnlock()

	if clients, exists := m.operatorIndex[operatorID]; exists {
		return len(clients)
	}
	return 0
}
