package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
)

// envelope mirrors the daemon's state stream message.
type envelope struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// snapshot is the subset of the daemon state printed per event.
type snapshot struct {
	Fallback    string   `json:"fallback"`
	Volume      []uint32 `json:"volume"`
	VolumeKnown bool     `json:"volume_known"`
	Effective   uint32   `json:"effective"`
}

// formatEvent renders one message as a single line. Messages that are not
// envelopes are printed raw.
func formatEvent(message []byte) string {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil || env.Type == "" {
		return fmt.Sprintf("[TEXT] %s", message)
	}

	var snap snapshot
	if err := json.Unmarshal(env.Data, &snap); err != nil {
		return fmt.Sprintf("[%s] %s", env.Type, env.Data)
	}

	vol := "unknown"
	if snap.VolumeKnown {
		vol = fmt.Sprintf("%d (%.0f%%) channels=%v", snap.Effective, float64(snap.Effective)*100/65536, snap.Volume)
	}
	fallback := snap.Fallback
	if fallback == "" {
		fallback = "none"
	}
	return fmt.Sprintf("[%s] fallback=%s volume=%s", env.Type, fallback, vol)
}

func main() {
	var (
		wsURL string
		raw   bool
	)
	fs := pflag.NewFlagSet("widget-watch", pflag.ContinueOnError)
	fs.StringVarP(&wsURL, "url", "u", "ws://127.0.0.1:3002/state", "sound-widget state websocket URL")
	fs.BoolVar(&raw, "raw", false, "Print messages as received")
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}

	u, err := url.Parse(wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	// Handle shutdown
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Mutex to protect concurrent writes to websocket
	var writeMu sync.Mutex

	// The daemon pings us; answering pongs is handled by gorilla. Keep our
	// own read deadline generous.
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		watch(conn, os.Stdout, raw)
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// watch prints every text message until the connection fails.
func watch(conn *websocket.Conn, out io.Writer, raw bool) {
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if raw {
			fmt.Fprintf(out, "%s\n", message)
			continue
		}
		fmt.Fprintln(out, formatEvent(message))
	}
}
