// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/peek/lib/clock"
	"github.com/bureau-foundation/peek/lib/metrics"
	"github.com/bureau-foundation/peek/protocol"
)

var _ Relay = (*WebSocketRelay)(nil)

const (
	writeDeadline     = 5 * time.Second
	pingInterval      = 30 * time.Second
	pongDeadline      = 60 * time.Second
	messageBufferSize = 64
	maxMessageSize    = 1 << 20
)

// WebSocketConfig configures a WebSocketRelay.
type WebSocketConfig struct {
	// InjectTimeout bounds how long Inject waits for the surface to
	// connect.
	InjectTimeout time.Duration

	// AllowedOrigins lists accepted Origin header values. Requests
	// without an Origin header (non-browser clients) are always
	// accepted.
	AllowedOrigins []string

	// StrictOrigins rejects origins not in AllowedOrigins even when the
	// list is empty.
	StrictOrigins bool
}

// WebSocketRelay serves surfaces at /surface?tab=N and the host shim at
// /host. A newer connection for the same tab replaces the older one.
type WebSocketRelay struct {
	config   WebSocketConfig
	clock    clock.Clock
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handler  Handler
	surfaces map[int]*clientConn
	host     *clientConn
	waiters  map[int][]chan struct{}
	closed   bool
}

// NewWebSocketRelay returns a relay with no connections. Install a
// handler with SetHandler before serving.
func NewWebSocketRelay(config WebSocketConfig, clk clock.Clock, logger *slog.Logger) *WebSocketRelay {
	r := &WebSocketRelay{
		config:   config,
		clock:    clk,
		logger:   logger,
		surfaces: make(map[int]*clientConn),
		waiters:  make(map[int][]chan struct{}),
	}
	r.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     r.checkOrigin,
	}
	return r
}

// SetHandler installs the handler for inbound envelopes.
func (r *WebSocketRelay) SetHandler(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = handler
}

// Register mounts the relay endpoints on mux.
func (r *WebSocketRelay) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /surface", r.serveSurface)
	mux.HandleFunc("GET /host", r.serveHost)
}

func (r *WebSocketRelay) checkOrigin(request *http.Request) bool {
	origin := request.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(r.config.AllowedOrigins) == 0 {
		return !r.config.StrictOrigins
	}
	return slices.Contains(r.config.AllowedOrigins, origin)
}

func (r *WebSocketRelay) serveSurface(writer http.ResponseWriter, request *http.Request) {
	tab, err := strconv.Atoi(request.URL.Query().Get("tab"))
	if err != nil || tab <= 0 {
		http.Error(writer, "tab query parameter must be a positive integer", http.StatusBadRequest)
		return
	}
	r.serve(writer, request, Origin{Tab: tab})
}

func (r *WebSocketRelay) serveHost(writer http.ResponseWriter, request *http.Request) {
	r.serve(writer, request, Origin{Host: true})
}

func (r *WebSocketRelay) serve(writer http.ResponseWriter, request *http.Request, origin Origin) {
	connection, err := r.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		r.logger.Warn("relay upgrade failed", "tab", origin.Tab, "host", origin.Host, "error", err)
		return
	}

	client := newClientConn(connection, r.clock)
	if !r.register(origin, client) {
		client.stop()
		return
	}
	role := roleOf(origin)
	metrics.RelayConnections.WithLabelValues(role).Inc()
	r.logger.Info("relay endpoint connected", "tab", origin.Tab, "role", role)

	// The request context ends when the handler returns, so inbound
	// dispatch gets its own.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.readLoop(ctx, origin, client)

	r.unregister(origin, client)
	client.stop()
	metrics.RelayConnections.WithLabelValues(role).Dec()
	r.logger.Info("relay endpoint disconnected", "tab", origin.Tab, "role", role)
}

func (r *WebSocketRelay) register(origin Origin, client *clientConn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	var previous *clientConn
	if origin.Host {
		previous, r.host = r.host, client
	} else {
		previous = r.surfaces[origin.Tab]
		r.surfaces[origin.Tab] = client
		for _, waiter := range r.waiters[origin.Tab] {
			close(waiter)
		}
		delete(r.waiters, origin.Tab)
	}
	if previous != nil {
		go previous.stop()
	}
	return true
}

func (r *WebSocketRelay) unregister(origin Origin, client *clientConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if origin.Host {
		if r.host == client {
			r.host = nil
		}
		return
	}
	if current, ok := r.surfaces[origin.Tab]; ok && current == client {
		delete(r.surfaces, origin.Tab)
	}
}

func (r *WebSocketRelay) readLoop(ctx context.Context, origin Origin, client *clientConn) {
	client.connection.SetReadLimit(maxMessageSize)
	for {
		_, data, err := client.connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debug("relay read ended", "tab", origin.Tab, "error", err)
			}
			return
		}
		var envelope protocol.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Type == "" {
			r.logger.Warn("dropping malformed relay message", "tab", origin.Tab, "error", err)
			continue
		}

		r.mu.Lock()
		handler := r.handler
		r.mu.Unlock()
		if handler != nil {
			handler(ctx, origin, envelope)
		}
	}
}

func (r *WebSocketRelay) Send(_ context.Context, tab int, envelope protocol.Envelope) error {
	r.mu.Lock()
	client, ok := r.surfaces[tab]
	r.mu.Unlock()
	if !ok {
		return ErrNoListener
	}
	return client.enqueue(envelope)
}

func (r *WebSocketRelay) SendHost(_ context.Context, envelope protocol.Envelope) error {
	r.mu.Lock()
	client := r.host
	r.mu.Unlock()
	if client == nil {
		return ErrNoListener
	}
	return client.enqueue(envelope)
}

// Inject sends InjectSurface to the host and waits for the tab's
// surface to connect.
func (r *WebSocketRelay) Inject(ctx context.Context, tab int) error {
	r.mu.Lock()
	if _, ok := r.surfaces[tab]; ok {
		r.mu.Unlock()
		return nil
	}
	connected := make(chan struct{})
	r.waiters[tab] = append(r.waiters[tab], connected)
	r.mu.Unlock()

	if err := r.SendHost(ctx, protocol.MustEncode(protocol.TypeInjectSurface, protocol.InjectSurface{TabID: tab})); err != nil {
		r.dropWaiter(tab, connected)
		return fmt.Errorf("asking host to inject tab %d: %w", tab, err)
	}

	select {
	case <-connected:
		return nil
	case <-r.clock.After(r.config.InjectTimeout):
		r.dropWaiter(tab, connected)
		return fmt.Errorf("surface for tab %d did not connect within %s: %w", tab, r.config.InjectTimeout, ErrNoListener)
	case <-ctx.Done():
		r.dropWaiter(tab, connected)
		return ctx.Err()
	}
}

func (r *WebSocketRelay) dropWaiter(tab int, waiter chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.waiters[tab]
	for i, candidate := range waiters {
		if candidate == waiter {
			r.waiters[tab] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(r.waiters[tab]) == 0 {
		delete(r.waiters, tab)
	}
}

// Close disconnects every endpoint.
func (r *WebSocketRelay) Close() error {
	r.mu.Lock()
	r.closed = true
	clients := make([]*clientConn, 0, len(r.surfaces)+1)
	for _, client := range r.surfaces {
		clients = append(clients, client)
	}
	if r.host != nil {
		clients = append(clients, r.host)
	}
	r.mu.Unlock()

	for _, client := range clients {
		client.stopGraceful("relay shutting down")
	}
	return nil
}

func roleOf(origin Origin) string {
	if origin.Host {
		return "host"
	}
	return "surface"
}

// clientConn owns the write side of one connection. All writes go
// through run so the connection never sees concurrent writers.
type clientConn struct {
	connection  *websocket.Conn
	clock       clock.Clock
	sendChannel chan []byte
	doneChannel chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

func newClientConn(connection *websocket.Conn, clk clock.Clock) *clientConn {
	c := &clientConn{
		connection:  connection,
		clock:       clk,
		sendChannel: make(chan []byte, messageBufferSize),
		doneChannel: make(chan struct{}),
	}
	c.updateReadDeadline()
	connection.SetPongHandler(func(string) error {
		c.updateReadDeadline()
		return nil
	})
	c.wg.Add(1)
	go c.run()
	return c
}

func (c *clientConn) enqueue(envelope protocol.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", envelope.Type, err)
	}
	select {
	case <-c.doneChannel:
		return ErrNoListener
	default:
	}
	select {
	case c.sendChannel <- data:
		return nil
	case <-c.doneChannel:
		return ErrNoListener
	default:
		return fmt.Errorf("send buffer full for %s", envelope.Type)
	}
}

func (c *clientConn) run() {
	ticker := c.clock.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.wg.Done()

	for {
		select {
		case message := <-c.sendChannel:
			c.updateWriteDeadline()
			if err := c.connection.WriteMessage(websocket.TextMessage, message); err != nil {
				c.connection.Close()
				return
			}
		case <-ticker.C:
			c.updateWriteDeadline()
			if err := c.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.connection.Close()
				return
			}
		case <-c.doneChannel:
			return
		}
	}
}

func (c *clientConn) stop() {
	c.stopOnce.Do(func() {
		close(c.doneChannel)
		c.connection.Close()
	})
	c.wg.Wait()
}

// stopGraceful sends a close frame after the writer has exited.
func (c *clientConn) stopGraceful(reason string) {
	c.stopOnce.Do(func() {
		close(c.doneChannel)
		c.wg.Wait()
		closeMessage := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		c.updateWriteDeadline()
		c.connection.WriteMessage(websocket.CloseMessage, closeMessage)
		c.connection.Close()
	})
	c.wg.Wait()
}

func (c *clientConn) updateWriteDeadline() {
	c.connection.SetWriteDeadline(c.clock.Now().Add(writeDeadline))
}

func (c *clientConn) updateReadDeadline() {
	c.connection.SetReadDeadline(c.clock.Now().Add(pongDeadline))
}
