package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flitsinc/toolbridge/internal/actions"
	"github.com/flitsinc/toolbridge/internal/ai"
	"github.com/flitsinc/toolbridge/internal/api"
	"github.com/flitsinc/toolbridge/internal/config"
	"github.com/flitsinc/toolbridge/internal/dispatch"
	"github.com/flitsinc/toolbridge/internal/engine"
	"github.com/flitsinc/toolbridge/internal/eventbus"
	"github.com/flitsinc/toolbridge/internal/pending"
	"github.com/flitsinc/toolbridge/internal/registry"
	"github.com/flitsinc/toolbridge/internal/state"
	"github.com/flitsinc/toolbridge/internal/web"
)

func main() {
	cfg := config.Load()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	db, err := state.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := state.NewStore(db)
	bus := eventbus.NewBus(db)

	reg := registry.New()
	if err := actions.RegisterAll(reg, nil); err != nil {
		log.Fatalf("register local actions: %v", err)
	}

	var provider ai.Provider
	if cfg.LLMModel != "" && cfg.LLMAPIKey != "" {
		client, err := ai.NewClient(ai.Config{
			Model:   cfg.LLMModel,
			APIKey:  cfg.LLMAPIKey,
			BaseURL: cfg.LLMBaseURL,
		})
		if err != nil {
			log.Printf("model provider disabled: %v", err)
		} else {
			provider = client
		}
	} else {
		log.Printf("model provider disabled: no model or api key configured")
	}

	tracker := pending.NewTracker()
	apiServer := api.NewServer()
	router := &dispatch.Router{
		Registry:      reg,
		Pending:       tracker,
		Peers:         apiServer,
		RemoteTimeout: cfg.RemoteTimeout,
	}

	manager := engine.NewManager()
	manager.Registry = reg
	manager.Router = router
	manager.Pending = tracker
	manager.Bus = bus
	manager.Store = store
	manager.Provider = provider
	manager.Peers = apiServer
	manager.MaxRoundTrips = cfg.MaxRoundTrips

	listener, err := engine.ListenerFromEnv()
	if err != nil {
		log.Fatalf("listener: %v", err)
	}
	if listener == nil {
		listener, err = net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			log.Fatalf("listen: %v", err)
		}
	}

	var httpServer *http.Server
	serverCtx, serverCancel := context.WithCancel(context.Background())

	restarter := &engine.Restarter{
		Listener: listener,
		Args:     os.Args,
		Env:      os.Environ(),
	}
	restartFn := func() error {
		if err := restarter.Restart(); err != nil {
			return err
		}
		go func() {
			time.Sleep(750 * time.Millisecond)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = httpServer.Shutdown(ctx)
			os.Exit(0)
		}()
		return nil
	}

	apiServer.Engine = manager
	apiServer.Registry = reg
	apiServer.Bus = bus
	apiServer.Store = store
	apiServer.Restart = restartFn
	apiServer.RestartToken = cfg.RestartToken
	apiServer.StartedAt = time.Now().UTC()
	apiServer.Info = api.DiagnosticsInfo{
		HTTPAddr: cfg.HTTPAddr,
		DataDir:  cfg.DataDir,
		DBPath:   cfg.DBPath,
		WebDir:   cfg.WebDir,
		LLMModel: cfg.LLMModel,
	}
	webServer := &web.Server{Dir: cfg.WebDir}

	apiHandler := apiServer.Handler()
	mux := http.NewServeMux()
	mux.Handle("/api/", apiHandler)
	mux.Handle("/ws", apiHandler)
	mux.Handle("/ws/", apiHandler)
	mux.Handle("/", webServer.Handler())

	httpServer = &http.Server{
		Handler:           loggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return serverCtx
		},
	}

	go func() {
		log.Printf("bridged listening on %s", listener.Addr())
		if err := httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	serverCancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	_ = httpServer.Close()
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(start))
	})
}
