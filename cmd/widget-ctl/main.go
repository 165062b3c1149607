package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sys/unix"
)

// ============================================================================
// widget-ctl - Command-line IPC Client
// ============================================================================
// Sends one request to the sound-widget daemon over its Unix socket and
// prints the reply.
//
// Usage:
//   widget-ctl up
//   widget-ctl down
//   widget-ctl refresh
//   widget-ctl state
// ============================================================================

// IPCRequest mirrors the daemon's request line.
type IPCRequest struct {
	Type string `json:"type"`
}

// IPCResponse mirrors the daemon's reply line. State is kept raw and
// printed as-is.
type IPCResponse struct {
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	State  json.RawMessage `json:"state,omitempty"`
}

const dialTimeout = 3 * time.Second

var commands = map[string]string{
	"up":          "volume_up",
	"volume-up":   "volume_up",
	"down":        "volume_down",
	"volume-down": "volume_down",
	"refresh":     "refresh",
	"state":       "state",
}

// requestFor maps a command line command to its request type.
func requestFor(command string) (IPCRequest, error) {
	typ, ok := commands[command]
	if !ok {
		return IPCRequest{}, fmt.Errorf("unknown command: %s", command)
	}
	return IPCRequest{Type: typ}, nil
}

func defaultSocketPath() string {
	dir := os.Getenv("XDG_RUNTIME_DIR")
	if dir == "" {
		dir = filepath.Join("/run/user", strconv.Itoa(unix.Getuid()))
	}
	return filepath.Join(dir, "sound-widget.sock")
}

func main() {
	var socketPath string

	fs := pflag.NewFlagSet("widget-ctl", pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&socketPath, "socket", "s", defaultSocketPath(), "Unix domain socket path")
	help := fs.BoolP("help", "h", false, "Show this help message")

	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printUsage(fs)
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	args := fs.Args()
	if *help || (len(args) == 1 && args[0] == "help") {
		printUsage(fs)
		return
	}
	if len(args) != 1 {
		printUsage(fs)
		os.Exit(2)
	}

	req, err := requestFor(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage(fs)
		os.Exit(2)
	}

	resp, err := send(socketPath, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if len(resp.State) > 0 {
		fmt.Println(string(resp.State))
		return
	}
	fmt.Println("ok")
}

// send writes one request and reads one reply.
func send(socketPath string, req IPCRequest) (IPCResponse, error) {
	conn, err := net.DialTimeout("unix", socketPath, dialTimeout)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	return exchange(conn, req)
}

func exchange(rw io.ReadWriter, req IPCRequest) (IPCResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return IPCResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	// Line-delimited JSON
	if _, err := fmt.Fprintf(rw, "%s\n", data); err != nil {
		return IPCResponse{}, fmt.Errorf("send request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(bufio.NewReader(rw)).Decode(&resp); err != nil {
		return IPCResponse{}, fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return resp, fmt.Errorf("daemon error: %s", resp.Error)
	}
	return resp, nil
}

func printUsage(fs *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `widget-ctl - Control the sound-widget daemon via IPC

Usage:
  widget-ctl [options] <command>

Commands:
  up, volume-up        Step the fallback sink volume up
  down, volume-down    Step the fallback sink volume down
  refresh              Re-read the fallback sink volume
  state                Print the daemon state as JSON
  help                 Show this help message

Options:
`)
	fs.SetOutput(os.Stderr)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  widget-ctl up
  widget-ctl --socket /tmp/sound-widget.sock state
`)
}
