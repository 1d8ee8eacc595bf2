package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gorilla/websocket"

	"marscolony.ai/internal/logger"
	"marscolony.ai/internal/protocol"
)

func main() {
	var (
		url  = flag.String("url", "ws://localhost:8080/ws", "observer ws url")
		mode = flag.String("log", "dev", "log mode: dev or prod")
	)
	flag.Parse()

	log, err := logger.New(*mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, *url, nil)
	if err != nil {
		log.Fatal("dial", "url", *url, "error", err)
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("connection closed", "error", err)
			}
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			log.Debug("undecodable message", "error", err)
			continue
		}
		if base.Type == protocol.TypeWelcome {
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err == nil {
				log.Info("connected", "session", w.SessionID, "protocol", w.ProtocolVersion)
			}
			continue
		}
		var fields map[string]any
		_ = json.Unmarshal(msg, &fields)
		delete(fields, "type")
		log.Info(base.Type, "event", fields)
	}
}
