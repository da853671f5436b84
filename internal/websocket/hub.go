package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/robtomcowparis/neondefense4-sub001/internal/domain"
	"github.com/robtomcowparis/neondefense4-sub001/internal/metrics"
)

// TopicScores is the only feed topic: the top of the score leaderboard
const TopicScores = "scores"

// Message types
const (
	MessageTypeSnapshot     = "snapshot"
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypeSubscribed   = "subscribed"
	MessageTypeUnsubscribed = "unsubscribed"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
)

const snapshotTimeout = 5 * time.Second

// Message represents a feed message sent to clients
type Message struct {
	Type      string    `json:"type"`
	Topic     string    `json:"topic,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot is the payload of a snapshot message
type Snapshot struct {
	Entries []domain.ScoreEntry `json:"entries"`
}

// SnapshotSource supplies the current top of the board
type SnapshotSource interface {
	Snapshot(ctx context.Context) ([]domain.ScoreEntry, error)
}

// Stats describes hub occupancy
type Stats struct {
	Connections int `json:"connections"`
	Subscribers int `json:"subscribers"`
}

// Hub tracks feed connections and fans snapshots out to subscribers
type Hub struct {
	allClients  map[*Client]bool
	subscribers map[*Client]bool

	// last broadcast payload, replayed to new subscribers
	latest []byte

	register    chan *Client
	unregister  chan *Client
	subscribe   chan *subscriptionRequest
	unsubscribe chan *Client
	broadcast   chan []byte

	source  SnapshotSource
	metrics *metrics.Metrics
	mu      sync.RWMutex
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client *Client
	// fallback snapshot used when nothing has been broadcast yet
	initial []byte
}

// NewHub creates a new Hub. source may be nil.
func NewHub(source SnapshotSource, m *metrics.Metrics, logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		allClients:  make(map[*Client]bool),
		subscribers: make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *Client, 64),
		broadcast:   make(chan []byte, 256),
		source:      source,
		metrics:     m,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("feed hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			h.logger.Info("feed hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.metrics.FeedClients.Inc()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				delete(h.subscribers, client)
				close(client.send)
				h.metrics.FeedClients.Dec()
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if h.allClients[req.client] {
				h.subscribers[req.client] = true
				snapshot := h.latest
				if snapshot == nil {
					snapshot = req.initial
				}
				if snapshot != nil {
					req.client.enqueue(snapshot)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id)

		case client := <-h.unsubscribe:
			h.mu.Lock()
			delete(h.subscribers, client)
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", client.id)

		case data := <-h.broadcast:
			h.mu.Lock()
			h.latest = data
			for client := range h.subscribers {
				client.enqueue(data)
			}
			h.mu.Unlock()
		}
	}
}

// Stop stops the hub and disconnects every client
func (h *Hub) Stop() {
	h.cancel()
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.allClients {
		delete(h.allClients, client)
		close(client.send)
		h.metrics.FeedClients.Dec()
	}
	clear(h.subscribers)
}

// BroadcastSnapshot sends entries to every subscriber
func (h *Hub) BroadcastSnapshot(entries []domain.ScoreEntry) {
	data, err := snapshotMessage(entries)
	if err != nil {
		h.logger.Error("failed to marshal snapshot", "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping snapshot")
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.ctx.Done():
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// Subscribe adds a client to the scores topic and queues a snapshot for it
func (h *Hub) Subscribe(client *Client) {
	req := &subscriptionRequest{client: client}

	h.mu.RLock()
	haveLatest := h.latest != nil
	h.mu.RUnlock()

	if !haveLatest && h.source != nil {
		ctx, cancel := context.WithTimeout(h.ctx, snapshotTimeout)
		entries, err := h.source.Snapshot(ctx)
		cancel()
		if err != nil {
			h.logger.Warn("failed to load initial snapshot", "error", err)
		} else if data, err := snapshotMessage(entries); err == nil {
			req.initial = data
		}
	}

	select {
	case h.subscribe <- req:
	case <-h.ctx.Done():
	}
}

// Unsubscribe removes a client from the scores topic
func (h *Hub) Unsubscribe(client *Client) {
	select {
	case h.unsubscribe <- client:
	case <-h.ctx.Done():
	}
}

// Stats returns the current connection and subscriber counts
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{
		Connections: len(h.allClients),
		Subscribers: len(h.subscribers),
	}
}

func snapshotMessage(entries []domain.ScoreEntry) ([]byte, error) {
	if entries == nil {
		entries = []domain.ScoreEntry{}
	}
	return json.Marshal(Message{
		Type:      MessageTypeSnapshot,
		Topic:     TopicScores,
		Data:      Snapshot{Entries: entries},
		Timestamp: time.Now(),
	})
}
