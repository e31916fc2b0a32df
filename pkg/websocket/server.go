// Package websocket streams committed engine events to WebSocket clients
package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/perp/pkg/lx"
)

// Channels a client can subscribe to. Account channels are
// "account:<address>".
const (
	ChannelMarket       = "market"
	ChannelFunding      = "funding"
	ChannelLiquidations = "liquidations"
	accountPrefix       = "account:"
)

// Server is a WebSocket hub fed by engine events
type Server struct {
	config Config
	state  func() lx.MarketState
	logger log.Logger

	// Client management, owned by the hub goroutine
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan Message
	direct     chan envelope

	// Subscription management
	subscriptions map[string]map[*Client]bool // channel -> clients
	subMu         sync.RWMutex

	// Stats
	messagesOut uint64
	dropped     uint64
	clientCount int32
	sequence    uint64

	onClients func(int)
}

// Client is a WebSocket client connection
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte
}

type envelope struct {
	client *Client
	msg    Message
}

// Message is a WebSocket frame
type Message struct {
	Type      string      `json:"type"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Sequence  uint64      `json:"sequence,omitempty"`
}

// Request is a client command
type Request struct {
	Type     string   `json:"type"`
	Channels []string `json:"channels"`
}

// Config holds WebSocket server configuration
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageSize  int64
	SendBuffer      int
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingPeriod      time.Duration
}

// DefaultConfig returns default WebSocket configuration
func DefaultConfig() Config {
	return Config{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		MaxMessageSize:  64 * 1024,
		SendBuffer:      256,
		WriteTimeout:    10 * time.Second,
		PongTimeout:     60 * time.Second,
		PingPeriod:      54 * time.Second, // Must be less than PongTimeout
	}
}

// NewServer creates a hub. state supplies the market snapshot sent on
// subscription to the market channel; it may be nil.
func NewServer(state func() lx.MarketState, logger log.Logger, config Config) *Server {
	if logger == nil {
		logger = log.Root().New("module", "websocket")
	}
	return &Server{
		config:        config,
		state:         state,
		logger:        logger,
		clients:       make(map[*Client]bool),
		register:      make(chan *Client, 100),
		unregister:    make(chan *Client, 100),
		broadcast:     make(chan Message, 1000),
		direct:        make(chan envelope, 1000),
		subscriptions: make(map[string]map[*Client]bool),
	}
}

var _ lx.EventSink = (*Server)(nil)

// OnClientsChanged registers a callback with the connected client count.
// It must be set before Run.
func (s *Server) OnClientsChanged(fn func(int)) {
	s.onClients = fn
}

// Handler serves /ws and /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start runs the hub and serves on addr until ctx is done.
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.Run(ctx)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("WebSocket server starting", "addr", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("WebSocket server error: %w", err)
	}
	return nil
}

// Run is the hub loop. It is the only goroutine that writes to or closes a
// client's send channel.
func (s *Server) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			for client := range s.clients {
				s.drop(client)
			}
			return

		case client := <-s.register:
			s.clients[client] = true
			s.clientsChanged()
			s.deliver(client, Message{
				Type:      "welcome",
				Data:      map[string]interface{}{"id": client.id},
				Timestamp: time.Now().Unix(),
			})
			s.logger.Debug("Client connected", "id", client.id, "total", len(s.clients))

		case client := <-s.unregister:
			if s.clients[client] {
				s.drop(client)
				s.logger.Debug("Client disconnected", "id", client.id, "total", len(s.clients))
			}

		case message := <-s.broadcast:
			s.broadcastMessage(message)

		case env := <-s.direct:
			if s.clients[env.client] {
				s.deliver(env.client, env.msg)
			}

		case <-ticker.C:
			s.logger.Debug("WebSocket stats",
				"clients", len(s.clients),
				"messages", atomic.LoadUint64(&s.messagesOut),
				"dropped", atomic.LoadUint64(&s.dropped))
		}
	}
}

func (s *Server) drop(client *Client) {
	delete(s.clients, client)
	close(client.send)
	s.unsubscribeAll(client)
	s.clientsChanged()
}

func (s *Server) clientsChanged() {
	atomic.StoreInt32(&s.clientCount, int32(len(s.clients)))
	if s.onClients != nil {
		s.onClients(len(s.clients))
	}
}

// Publish implements lx.EventSink. It never blocks the engine; events are
// dropped if the hub is backed up.
func (s *Server) Publish(ev lx.Event) {
	seq := atomic.AddUint64(&s.sequence, 1)
	for _, channel := range channelsFor(ev) {
		msg := Message{
			Type:      string(ev.Type),
			Channel:   channel,
			Data:      ev,
			Timestamp: ev.Timestamp.Unix(),
			Sequence:  seq,
		}
		select {
		case s.broadcast <- msg:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

func channelsFor(ev lx.Event) []string {
	var channels []string
	switch ev.Type {
	case lx.EventFundingUpdated:
		channels = append(channels, ChannelFunding, ChannelMarket)
	case lx.EventPositionLiquidated:
		channels = append(channels, ChannelLiquidations, ChannelMarket)
	case lx.EventPositionOpened, lx.EventPositionClosed, lx.EventOraclePriceUpdated:
		channels = append(channels, ChannelMarket)
	}
	if ev.Account != (common.Address{}) {
		channels = append(channels, accountPrefix+ev.Account.Hex())
	}
	if ev.Keeper != (common.Address{}) && ev.Keeper != ev.Account {
		channels = append(channels, accountPrefix+ev.Keeper.Hex())
	}
	return channels
}

// normalizeChannel canonicalizes account channels and rejects unknown ones.
func normalizeChannel(channel string) (string, bool) {
	switch channel {
	case ChannelMarket, ChannelFunding, ChannelLiquidations:
		return channel, true
	}
	if addr, ok := strings.CutPrefix(channel, accountPrefix); ok && common.IsHexAddress(addr) {
		return accountPrefix + common.HexToAddress(addr).Hex(), true
	}
	return "", false
}

// handleWebSocket handles WebSocket upgrade and client connection
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.config.ReadBufferSize,
		WriteBufferSize: s.config.WriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		id:     generateClientID(),
		conn:   conn,
		server: s,
		send:   make(chan []byte, s.config.SendBuffer),
	}
	s.register <- client

	go client.writePump()
	go client.readPump()
}

// handleHealth provides health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Stats())
}

// readPump handles incoming messages from client
func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	cfg := c.server.config
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	})

	for {
		var req Request
		if err := c.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn("WebSocket read error", "id", c.id, "error", err)
			}
			return
		}
		c.handleRequest(req)
	}
}

// writePump handles outgoing messages to client
func (c *Client) writePump() {
	cfg := c.server.config
	ticker := time.NewTicker(cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			atomic.AddUint64(&c.server.messagesOut, 1)

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handleRequest(req Request) {
	switch req.Type {
	case "subscribe":
		c.handleSubscribe(req.Channels)
	case "unsubscribe":
		c.handleUnsubscribe(req.Channels)
	case "ping":
		c.reply(Message{Type: "pong", Timestamp: time.Now().Unix()})
	default:
		c.replyError(fmt.Sprintf("Unknown message type: %s", req.Type))
	}
}

func (c *Client) handleSubscribe(channels []string) {
	var subscribed []string
	for _, ch := range channels {
		channel, ok := normalizeChannel(ch)
		if !ok {
			c.replyError(fmt.Sprintf("Unknown channel: %s", ch))
			continue
		}
		c.server.subscribe(channel, c)
		subscribed = append(subscribed, channel)
	}

	c.reply(Message{
		Type:      "subscribed",
		Data:      map[string]interface{}{"channels": subscribed},
		Timestamp: time.Now().Unix(),
	})

	for _, channel := range subscribed {
		if channel == ChannelMarket && c.server.state != nil {
			c.reply(Message{
				Type:      "snapshot",
				Channel:   ChannelMarket,
				Data:      lx.NewMarketView(c.server.state()),
				Timestamp: time.Now().Unix(),
			})
		}
	}
}

func (c *Client) handleUnsubscribe(channels []string) {
	var removed []string
	for _, ch := range channels {
		if channel, ok := normalizeChannel(ch); ok {
			c.server.unsubscribe(channel, c)
			removed = append(removed, channel)
		}
	}
	c.reply(Message{
		Type:      "unsubscribed",
		Data:      map[string]interface{}{"channels": removed},
		Timestamp: time.Now().Unix(),
	})
}

// reply queues msg for this client through the hub.
func (c *Client) reply(msg Message) {
	c.server.direct <- envelope{client: c, msg: msg}
}

func (c *Client) replyError(message string) {
	c.reply(Message{
		Type:      "error",
		Data:      map[string]interface{}{"message": message},
		Timestamp: time.Now().Unix(),
	})
}

// subscribe adds a client to a channel
func (s *Server) subscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.subscriptions[channel] == nil {
		s.subscriptions[channel] = make(map[*Client]bool)
	}
	s.subscriptions[channel][client] = true
}

// unsubscribe removes a client from a channel
func (s *Server) unsubscribe(channel string, client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if clients, ok := s.subscriptions[channel]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// unsubscribeAll removes a client from all channels
func (s *Server) unsubscribeAll(client *Client) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for channel, clients := range s.subscriptions {
		delete(clients, client)
		if len(clients) == 0 {
			delete(s.subscriptions, channel)
		}
	}
}

// broadcastMessage sends a message to all subscribed clients
func (s *Server) broadcastMessage(msg Message) {
	s.subMu.RLock()
	targets := make([]*Client, 0, len(s.subscriptions[msg.Channel]))
	for client := range s.subscriptions[msg.Channel] {
		targets = append(targets, client)
	}
	s.subMu.RUnlock()

	for _, client := range targets {
		if s.clients[client] {
			s.deliver(client, msg)
		}
	}
}

// deliver hands msg to client, disconnecting clients that cannot keep up.
func (s *Server) deliver(client *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("Failed to marshal message", "type", msg.Type, "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		s.logger.Warn("Client too slow, disconnecting", "id", client.id)
		s.drop(client)
	}
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	s.subMu.RLock()
	numChannels := len(s.subscriptions)
	s.subMu.RUnlock()

	return map[string]interface{}{
		"status":        "healthy",
		"clients":       atomic.LoadInt32(&s.clientCount),
		"messages_sent": atomic.LoadUint64(&s.messagesOut),
		"dropped":       atomic.LoadUint64(&s.dropped),
		"channels":      numChannels,
	}
}

var clientSeq uint64

func generateClientID() string {
	return fmt.Sprintf("client-%d-%d", time.Now().Unix(), atomic.AddUint64(&clientSeq, 1))
}
