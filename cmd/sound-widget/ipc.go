package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

// ============================================================================
// IPC Server - Unix Domain Socket Interface
// ============================================================================
// widget-ctl (and scripts) drive the daemon through a per-user Unix socket.
//
// Protocol: Line-delimited JSON
//   - Client sends: {"type": "volume_up" | "volume_down" | "refresh" | "state"}
//   - Server responds: {"status": "ok", "state": {...}} or
//     {"status": "error", "error": "msg"}
//
// Requests are executed on the event loop, like every other input.
// ============================================================================

const ipcReplyTimeout = 2 * time.Second

// IPCRequest is one line sent by a client.
type IPCRequest struct {
	Type string `json:"type"`
}

// IPCResponse is the reply to one request.
type IPCResponse struct {
	Status string         `json:"status"`          // "ok" or "error"
	Error  string         `json:"error,omitempty"` // error message if status == "error"
	State  *AudioSnapshot `json:"state,omitempty"` // set for "state"
}

// ipcTarget is what IPC requests act on.
type ipcTarget interface {
	IncreaseVolume() error
	DecreaseVolume() error
	Refresh() error
	Snapshot() AudioSnapshot
}

// parseIPCRequest decodes and validates one request line.
func parseIPCRequest(line []byte) (IPCRequest, error) {
	var req IPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		return IPCRequest{}, fmt.Errorf("unmarshal request: %w", err)
	}
	switch req.Type {
	case "volume_up", "volume_down", "refresh", "state":
		return req, nil
	case "":
		return IPCRequest{}, errors.New("missing request type")
	default:
		return IPCRequest{}, fmt.Errorf("unknown request type: %q", req.Type)
	}
}

// handleIPCRequest executes req. Must run on the event loop.
func handleIPCRequest(target ipcTarget, req IPCRequest) IPCResponse {
	var err error
	switch req.Type {
	case "volume_up":
		err = target.IncreaseVolume()
	case "volume_down":
		err = target.DecreaseVolume()
	case "refresh":
		err = target.Refresh()
	case "state":
		snap := target.Snapshot()
		return IPCResponse{Status: "ok", State: &snap}
	default:
		err = fmt.Errorf("unknown request type: %q", req.Type)
	}
	if err != nil {
		return IPCResponse{Status: "error", Error: err.Error()}
	}
	return IPCResponse{Status: "ok"}
}

// runIPCServer serves the control socket until ctx is canceled.
func runIPCServer(ctx context.Context, socketPath string, loop poster, target ipcTarget, logger *slog.Logger) error {
	// Remove a socket left behind by a previous run
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer listener.Close()
	defer os.Remove(socketPath)

	if err := os.Chmod(socketPath, 0600); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}

	logger.Info("IPC listening", "socket", socketPath)

	// Close the listener on shutdown. This unblocks Accept().
	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				logger.Debug("IPC listener closed")
				return nil
			}
			logger.Error("IPC accept error", "error", err)
			continue
		}

		go handleIPCConnection(ctx, conn, loop, target, logger)
	}
}

// handleIPCConnection serves one client connection.
func handleIPCConnection(ctx context.Context, conn net.Conn, loop poster, target ipcTarget, logger *slog.Logger) {
	defer conn.Close()

	logger.Debug("IPC connection", "remote_addr", conn.RemoteAddr())

	scanner := bufio.NewScanner(conn)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		logger.Debug("IPC received", "line", string(line))

		resp := serveIPCLine(ctx, line, loop, target)
		if err := encoder.Encode(resp); err != nil {
			logger.Error("IPC failed to send response", "error", err)
			return
		}
	}

	logger.Debug("IPC connection closed")
}

// serveIPCLine parses one line and runs it on the loop, waiting for the
// result.
func serveIPCLine(ctx context.Context, line []byte, loop poster, target ipcTarget) IPCResponse {
	req, err := parseIPCRequest(line)
	if err != nil {
		return IPCResponse{Status: "error", Error: err.Error()}
	}

	reply := make(chan IPCResponse, 1)
	if !loop.Post(func() { reply <- handleIPCRequest(target, req) }) {
		return IPCResponse{Status: "error", Error: "daemon is shutting down"}
	}

	timer := time.NewTimer(ipcReplyTimeout)
	defer timer.Stop()

	select {
	case resp := <-reply:
		return resp
	case <-ctx.Done():
		return IPCResponse{Status: "error", Error: "daemon is shutting down"}
	case <-timer.C:
		return IPCResponse{Status: "error", Error: "timed out waiting for event loop"}
	}
}
