// Moonraker websocket clients
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package moonraker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// JSON-RPC 2.0 error codes.
const (
	rpcParseError  = -32700
	rpcServerError = -32000
)

const (
	wsReadLimit    = 512 * 1024
	wsPongWait     = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsWriteWait    = 10 * time.Second
	wsQueueLen     = 64
)

// wsConn is one websocket client. Reads, writes and request handling run
// on their own goroutines; requests are handled in arrival order.
type wsConn struct {
	id     int64
	conn   *websocket.Conn
	server *Server

	out    chan any
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func (s *Server) newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{
		id:     s.nextWSID.Add(1),
		conn:   conn,
		server: s,
		out:    make(chan any, wsQueueLen),
		in:     make(chan []byte, wsQueueLen),
		closed: make(chan struct{}),
	}
}

// Send queues msg for the client and drops it when the client lags.
func (c *wsConn) Send(msg any) {
	select {
	case c.out <- msg:
	case <-c.closed:
	default:
		c.server.logger.Warn().Int64("client", c.id).Msg("send queue full, message dropped")
	}
}

func (c *wsConn) notify(method string) {
	c.Send(map[string]any{"jsonrpc": "2.0", "method": method})
}

// Close is safe to call more than once.
func (c *wsConn) Close() {
	c.once.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// serve blocks until the connection drops.
func (c *wsConn) serve() {
	go c.writeLoop()
	go c.handleLoop()
	c.readLoop()
}

func (c *wsConn) extendRead() error {
	return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
}

func (c *wsConn) readLoop() {
	defer func() {
		c.server.dropClient(c)
		c.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	_ = c.extendRead()
	c.conn.SetPongHandler(func(string) error { return c.extendRead() })

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.server.logger.Warn().Err(err).Int64("client", c.id).Msg("websocket read failed")
			}
			return
		}
		select {
		case c.in <- data:
		case <-c.closed:
			return
		}
	}
}

func (c *wsConn) writeLoop() {
	ping := time.NewTicker(wsPingInterval)
	defer func() {
		ping.Stop()
		c.Close()
	}()

	for {
		var err error
		select {
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err = c.conn.WriteJSON(msg); err != nil {
				c.server.logger.Warn().Err(err).Int64("client", c.id).Msg("websocket write failed")
			}
		case <-ping.C:
			err = c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
		case <-c.closed:
			return
		}
		if err != nil {
			return
		}
	}
}

// handleLoop runs requests off the read loop so a long G-code script does
// not stall pongs.
func (c *wsConn) handleLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-c.closed
		cancel()
	}()

	for {
		select {
		case data := <-c.in:
			c.Send(c.server.call(ctx, data, c))
		case <-c.closed:
			return
		}
	}
}

// call decodes one JSON-RPC request and returns the response to send.
func (s *Server) call(ctx context.Context, data []byte, client *wsConn) jsonRPCResponse {
	var req jsonRPCRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return rpcError(nil, rpcParseError, "Parse error")
	}
	result, err := s.dispatchMethod(ctx, req.Method, req.Params, client)
	if err != nil {
		return rpcError(req.ID, rpcServerError, err.Error())
	}
	return jsonRPCResponse{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func rpcError(id any, code int, message string) jsonRPCResponse {
	return jsonRPCResponse{
		JSONRPC: "2.0",
		Error:   &jsonRPCError{Code: code, Message: message},
		ID:      id,
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := s.newWSConn(conn)
	s.wsClientMu.Lock()
	s.wsClients[client.id] = client
	s.wsClientMu.Unlock()
	s.logger.Info().Int64("client", client.id).Str("remote", r.RemoteAddr).Msg("websocket client connected")

	client.notify("notify_klippy_connected")
	if state, _ := s.backend.KlippyState(); state == StateReady {
		client.notify("notify_klippy_ready")
	}
	client.serve()
}

func (s *Server) dropClient(client *wsConn) {
	s.wsClientMu.Lock()
	delete(s.wsClients, client.id)
	s.wsClientMu.Unlock()

	s.subMu.Lock()
	delete(s.subscriptions, client.id)
	delete(s.lastSent, client.id)
	s.subMu.Unlock()

	s.logger.Info().Int64("client", client.id).Msg("websocket client disconnected")
}
