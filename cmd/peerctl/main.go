// peerctl attaches to a bridge server as a remote peer, offers the
// reference interface actions, and runs one query from the command line.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/flitsinc/toolbridge/internal/peer"
)

func main() {
	var (
		serverURL = flag.String("server", "ws://127.0.0.1:8080/ws", "bridge server websocket URL")
		sessionID = flag.String("session", "", "session id (server assigns one when empty)")
		timeout   = flag.Duration("timeout", 60*time.Second, "how long to wait for the answer")
	)
	flag.Parse()

	query := strings.Join(flag.Args(), " ")
	if query == "" {
		fmt.Fprintln(os.Stderr, "usage: peerctl [flags] <query text>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	url := *serverURL
	if *sessionID != "" {
		url = strings.TrimSuffix(url, "/") + "/" + *sessionID
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	sigCtx, sigCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer sigCancel()

	client := peer.NewClient(url)
	state := &peer.UIState{}
	if err := peer.RegisterUIActions(client, state); err != nil {
		log.Fatalf("register actions: %v", err)
	}

	done := make(chan struct{})
	var doneOnce sync.Once
	finish := func() { doneOnce.Do(func() { close(done) }) }
	client.OnEvent = func(msgType string, data json.RawMessage) {
		switch msgType {
		case "progress":
			var p struct {
				Stage string `json:"stage"`
			}
			_ = json.Unmarshal(data, &p)
			fmt.Printf("... %s\n", p.Stage)
		case "invocation_started":
			var inv struct {
				Name string `json:"name"`
				Site string `json:"site"`
			}
			_ = json.Unmarshal(data, &inv)
			fmt.Printf("-> %s (%s)\n", inv.Name, inv.Site)
		case "invocation_result":
			var res struct {
				Name   string `json:"name"`
				Result string `json:"result"`
				Error  string `json:"error"`
			}
			_ = json.Unmarshal(data, &res)
			if res.Error != "" {
				fmt.Printf("<- %s failed: %s\n", res.Name, res.Error)
			} else {
				fmt.Printf("<- %s: %s\n", res.Name, res.Result)
			}
		case "complete":
			var c struct {
				Answer        string `json:"answer"`
				BoundExceeded bool   `json:"bound_exceeded"`
			}
			_ = json.Unmarshal(data, &c)
			fmt.Println(c.Answer)
			if c.BoundExceeded {
				fmt.Fprintln(os.Stderr, "(answer truncated: step budget exhausted)")
			}
			finish()
		case "error":
			var e struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(data, &e)
			fmt.Fprintf(os.Stderr, "server error: %s\n", e.Message)
			finish()
		}
	}

	if err := client.Connect(sigCtx); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer client.Close()

	go func() {
		if err := client.Run(sigCtx); err != nil && sigCtx.Err() == nil {
			log.Printf("connection closed: %v", err)
		}
	}()

	if err := client.Query(sigCtx, query); err != nil {
		log.Fatalf("send query: %v", err)
	}

	select {
	case <-done:
	case <-sigCtx.Done():
		log.Fatalf("no answer: %v", sigCtx.Err())
	}
}
