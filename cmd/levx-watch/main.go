// levx-watch tails the levxd websocket event stream from a terminal.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"
)

type frame struct {
	Type      string          `json:"type"`
	Channel   string          `json:"channel,omitempty"`
	Event     string          `json:"event,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Sequence  uint64          `json:"sequence,omitempty"`
}

func main() {
	var (
		wsURL    = flag.String("url", "ws://localhost:8081/ws", "levxd websocket URL")
		channels = flag.String("channels", "orders,positions,fees,liquidity,pools", "comma-separated channels to subscribe")
		logLevel = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	level, _ := log.ToLevel(*logLevel)
	logger := log.NewTestLogger(level)

	conn, _, err := websocket.DefaultDialer.Dial(*wsURL, nil)
	if err != nil {
		logger.Error("dial failed", "url", *wsURL, "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	logger.Info("connected", "url", *wsURL)

	sub := map[string]interface{}{
		"type":     "subscribe",
		"channels": strings.Split(*channels, ","),
	}
	if err := conn.WriteJSON(sub); err != nil {
		logger.Error("subscribe failed", "error", err)
		os.Exit(1)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				logger.Error("read failed", "error", err)
				return
			}
			switch f.Type {
			case "welcome", "subscribed", "pong":
				logger.Debug("control frame", "type", f.Type)
			case "error":
				logger.Warn("server error", "data", string(f.Data))
			default:
				at := time.Unix(f.Timestamp, 0).Format(time.RFC3339)
				fmt.Printf("%s  #%d  %-12s %s  %s\n", at, f.Sequence, f.Channel, f.Event, string(f.Data))
			}
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-ping.C:
			if err := conn.WriteJSON(map[string]string{"type": "ping"}); err != nil {
				logger.Error("ping failed", "error", err)
				return
			}
		case <-interrupt:
			logger.Info("closing")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return
		}
	}
}
