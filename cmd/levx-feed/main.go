// levx-feed subscribes to the levxd NATS event feed and prints settled
// engine events, optionally filtered by event name.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
)

type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
	At    int64           `json:"at"`
}

func main() {
	var (
		natsURL  = flag.String("nats", nats.DefaultURL, "NATS server URL")
		filter   = flag.String("event", "", "only print this event name (empty for all)")
		stats    = flag.Duration("stats", 10*time.Second, "stats print interval (0 disables)")
		logLevel = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	level, _ := log.ToLevel(*logLevel)
	logger := log.NewTestLogger(level)

	nc, err := nats.Connect(*natsURL,
		nats.Name("levx-feed"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		logger.Error("NATS connect failed", "url", *natsURL, "error", err)
		os.Exit(1)
	}
	defer nc.Drain()
	logger.Info("connected", "url", nc.ConnectedUrl())

	subject := "levx.events.>"
	if *filter != "" {
		subject = "levx.events." + *filter
	}

	var received uint64
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		atomic.AddUint64(&received, 1)
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			logger.Warn("bad envelope", "subject", msg.Subject, "error", err)
			return
		}
		at := time.Unix(env.At, 0).Format(time.RFC3339)
		fmt.Printf("%s  %-28s %s\n", at, env.Event, string(env.Data))
	})
	if err != nil {
		logger.Error("subscribe failed", "subject", subject, "error", err)
		os.Exit(1)
	}
	defer sub.Unsubscribe()
	logger.Info("subscribed", "subject", subject)

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	if *stats > 0 {
		ticker := time.NewTicker(*stats)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				logger.Info("feed stats", "events", atomic.LoadUint64(&received))
			case <-interrupt:
				logger.Info("closing")
				return
			}
		}
	}
	<-interrupt
	logger.Info("closing")
}
