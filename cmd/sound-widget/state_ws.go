package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ============================================================================
// State WebSocket
// ============================================================================
//
// Streams bridge state to one watcher (widget-watch, a status bar script).
// A new connection replaces the previous one.
//
// Messages are JSON text frames with an envelope: {type, ts, data}. The first
// message is "state_init" carrying an AudioSnapshot; after that every
// published StateChange is sent with its snapshot.
//
// The watcher is attached on the event loop, and Publish runs on the event
// loop, so state_init is always the first frame and no change is lost or
// reordered in between.
// ============================================================================

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second

	streamSendBuf = 32
)

// envelope is the wire format envelope for WS messages.
type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

func marshalEnvelope(typ string, data any) ([]byte, error) {
	now := time.Now().UTC()
	return json.Marshal(envelope{Type: typ, Ts: &now, Data: data})
}

// StateStream publishes state changes to the current watcher.
type StateStream struct {
	logger   *slog.Logger
	loop     poster
	snapshot func() AudioSnapshot

	mu     sync.Mutex
	client *streamClient
}

// NewStateStream creates a stream. snapshot is called on the event loop.
func NewStateStream(logger *slog.Logger, loop poster, snapshot func() AudioSnapshot) *StateStream {
	return &StateStream{
		logger:   logger.With("component", "state_ws"),
		loop:     loop,
		snapshot: snapshot,
	}
}

// Publish sends change to the watcher, if any. It never blocks; a watcher
// that cannot keep up is disconnected.
func (s *StateStream) Publish(change StateChange, snap AudioSnapshot) {
	s.mu.Lock()
	c := s.client
	s.mu.Unlock()
	if c == nil {
		return
	}

	msg, err := marshalEnvelope(string(change), snap)
	if err != nil {
		s.logger.Error("marshal state event", "error", err)
		return
	}
	if !c.enqueue(msg) {
		s.detach(c, "slow_client")
	}
}

// attach makes c the watcher and queues its state_init. Runs on the loop.
func (s *StateStream) attach(c *streamClient) {
	init, err := marshalEnvelope("state_init", s.snapshot())
	if err != nil {
		s.logger.Error("marshal state_init", "error", err)
		c.close()
		return
	}

	s.mu.Lock()
	old := s.client
	s.client = c
	s.mu.Unlock()

	if old != nil {
		old.close()
		s.logger.Info("ws watcher replaced", "remote_addr", old.remoteAddr)
	}
	s.logger.Info("ws watcher connected", "remote_addr", c.remoteAddr)

	if !c.enqueue(init) {
		s.detach(c, "slow_client")
	}
}

func (s *StateStream) detach(c *streamClient, reason string) {
	s.mu.Lock()
	if s.client == c {
		s.client = nil
	}
	s.mu.Unlock()

	if c.close() {
		s.logger.Info("ws watcher disconnected", "remote_addr", c.remoteAddr, "reason", reason)
	}
}

// Close disconnects the watcher.
func (s *StateStream) Close() {
	s.mu.Lock()
	c := s.client
	s.client = nil
	s.mu.Unlock()
	if c != nil {
		c.close()
	}
}

// Register registers the WS handler on mux.
func (s *StateStream) Register(mux *http.ServeMux, path string) {
	mux.HandleFunc(path, s.handleStateWS)
}

var upgrader = websocket.Upgrader{
	// The listener is loopback by default; browsers on other origins are
	// allowed to watch.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *StateStream) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	c := &streamClient{
		conn:       conn,
		send:       make(chan []byte, streamSendBuf),
		remoteAddr: r.RemoteAddr,
		logger:     s.logger,
	}

	// The pumps outlive the handler; net/http cancels r.Context() when we
	// return.
	go c.writePump()
	go c.readPump(func() { s.detach(c, "read_closed") })

	if !s.loop.Post(func() { s.attach(c) }) {
		c.close()
	}
}

// ----------------------------------------------------------------------------
// Watcher connection
// ----------------------------------------------------------------------------

type streamClient struct {
	conn       *websocket.Conn
	send       chan []byte
	remoteAddr string
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
}

// enqueue queues msg without blocking. It returns false when the queue is
// full or the client is closed.
func (c *streamClient) enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// close stops the client. writePump sends the close frame and closes the
// connection. It reports whether this call closed the client.
func (c *streamClient) close() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	close(c.send)
	return true
}

// closeStatus extracts a websocket close code / text when possible.
func closeStatus(err error) (code int, text string, ok bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return 0, "", false
}

func (c *streamClient) logExit(pump string, err error) {
	if errors.Is(err, websocket.ErrCloseSent) {
		return
	}
	if code, text, ok := closeStatus(err); ok {
		c.logger.Debug("ws "+pump+" exiting (close)", "remote_addr", c.remoteAddr, "code", code, "reason", text)
		return
	}
	c.logger.Debug("ws "+pump+" exiting", "remote_addr", c.remoteAddr, "error", err)
}

// writePump writes queued messages and keepalive pings. It exits when send
// is closed or a write fails, and closes the connection on the way out.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				if err := c.conn.WriteMessage(websocket.CloseMessage, closeMsg); err != nil {
					c.logExit("writePump", err)
				}
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.logExit("writePump", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logExit("writePump", err)
				return
			}
		}
	}
}

// readPump discards incoming frames to process control frames and notice
// disconnects.
func (c *streamClient) readPump(onClose func()) {
	defer onClose()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("readPump", err)
			return
		}
	}
}

// runStateServer serves the state websocket until ctx is canceled.
func runStateServer(ctx context.Context, addr, path string, stream *StateStream, logger *slog.Logger) error {
	mux := http.NewServeMux()
	stream.Register(mux, path)

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on Shutdown.
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("state websocket server: %w", err)
			return
		}
		errCh <- nil
	}()
	logger.Info("state websocket listening", "addr", addr, "path", path)

	select {
	case <-ctx.Done():
		stream.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("state websocket shutdown: %w", err)
		}
		<-errCh
		return nil

	case err := <-errCh:
		return err
	}
}
