// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/bureau-foundation/peek/protocol"
)

var _ Endpoint = (*WebSocketEndpoint)(nil)

// WebSocketEndpoint is a client connection to a WebSocketRelay.
type WebSocketEndpoint struct {
	connection *websocket.Conn
	logger     *slog.Logger
	inbox      chan protocol.Envelope

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to url, which names /surface?tab=N or /host on a
// WebSocketRelay. header may carry an Origin.
func Dial(ctx context.Context, url string, header http.Header, logger *slog.Logger) (*WebSocketEndpoint, error) {
	connection, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dialing relay %s: %w", url, err)
	}
	endpoint := &WebSocketEndpoint{
		connection: connection,
		logger:     logger,
		inbox:      make(chan protocol.Envelope, messageBufferSize),
		done:       make(chan struct{}),
	}
	go endpoint.readLoop()
	return endpoint, nil
}

func (e *WebSocketEndpoint) readLoop() {
	defer close(e.inbox)
	for {
		_, data, err := e.connection.ReadMessage()
		if err != nil {
			return
		}
		var envelope protocol.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			e.logger.Warn("dropping malformed relay message", "error", err)
			continue
		}
		select {
		case e.inbox <- envelope:
		case <-e.done:
			return
		}
	}
}

func (e *WebSocketEndpoint) Send(_ context.Context, envelope protocol.Envelope) error {
	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", envelope.Type, err)
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	select {
	case <-e.done:
		return ErrClosed
	default:
	}
	return e.connection.WriteMessage(websocket.TextMessage, data)
}

// Inbox is closed when the connection ends.
func (e *WebSocketEndpoint) Inbox() <-chan protocol.Envelope { return e.inbox }

func (e *WebSocketEndpoint) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
		e.writeMu.Lock()
		e.connection.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		e.writeMu.Unlock()
		e.connection.Close()
	})
	return nil
}
