// Package embedded runs a registrar and a pool of agent workers in one
// process, wired over the real websocket feed. Collaborators are supplied by
// the caller, which makes it suitable for local development and end-to-end
// tests.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mistakeknot/huddle/client"
	"github.com/mistakeknot/huddle/internal/agent"
	httpapi "github.com/mistakeknot/huddle/internal/http"
	"github.com/mistakeknot/huddle/internal/lifecycle"
	"github.com/mistakeknot/huddle/internal/listener"
	"github.com/mistakeknot/huddle/internal/llm"
	"github.com/mistakeknot/huddle/internal/media"
	"github.com/mistakeknot/huddle/internal/persona"
	"github.com/mistakeknot/huddle/internal/registrar"
	"github.com/mistakeknot/huddle/internal/storage"
	"github.com/mistakeknot/huddle/internal/storage/sqlite"
	"github.com/mistakeknot/huddle/internal/tts"
	"github.com/mistakeknot/huddle/internal/ws"
)

// Config configures the embedded server. Rooms, Connector and Generator are
// required.
type Config struct {
	// DBPath is the SQLite database file. Empty means an in-memory database.
	DBPath string
	// Host defaults to 127.0.0.1; Port 0 picks a free port.
	Host string
	Port int
	// Workers is the number of agent workers (default 1).
	Workers int

	Rooms       media.Rooms
	Webhooks    media.WebhookReceiver
	Connector   media.Connector
	Generator   llm.Generator
	Transcriber agent.Transcriber
	Synthesizer tts.Synthesizer

	Agent     *agent.Config
	Registrar *registrar.Config
	Logger    *slog.Logger
}

type Server struct {
	cfg     Config
	store   *sqlite.Store
	hub     *ws.Hub
	reaper  *registrar.Reaper
	http    *http.Server
	ln      net.Listener
	workers []*agent.Worker
	logger  *slog.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(cfg Config) (*Server, error) {
	if cfg.Rooms == nil || cfg.Connector == nil || cfg.Generator == nil {
		return nil, errors.New("embedded: rooms, connector and generator are required")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var (
		store *sqlite.Store
		err   error
	)
	if cfg.DBPath == "" {
		store, err = sqlite.NewInMemory()
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		store, err = sqlite.New(cfg.DBPath)
	}
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	coaches, err := persona.LoadDirectory("")
	if err != nil {
		ln.Close()
		store.Close()
		return nil, err
	}
	regCfg := registrar.DefaultConfig()
	if cfg.Registrar != nil {
		regCfg = *cfg.Registrar
	}
	hub := ws.NewHub(logger)
	reg := registrar.New(store, cfg.Rooms, hub, coaches, regCfg, logger)

	routes := httpapi.Routes{Service: httpapi.NewService(reg, logger), Feed: hub.Handler()}
	if cfg.Webhooks != nil {
		routes.Webhooks = listener.New(store, lifecycle.NewCleaner(store, logger), cfg.Webhooks, 0, logger)
	}

	s := &Server{
		cfg:    cfg,
		store:  store,
		hub:    hub,
		reaper: registrar.NewReaper(store, hub, cfg.Rooms, regCfg, logger),
		http:   &http.Server{Handler: httpapi.NewRouter(routes), ReadHeaderTimeout: 10 * time.Second},
		ln:     ln,
		logger: logger,
	}

	agentCfg := agent.DefaultConfig()
	if cfg.Agent != nil {
		agentCfg = *cfg.Agent
	}
	deps := agent.Deps{
		Store:       store,
		Connector:   cfg.Connector,
		Generator:   cfg.Generator,
		Transcriber: cfg.Transcriber,
		Synthesizer: cfg.Synthesizer,
		Logger:      logger,
	}
	for i := range cfg.Workers {
		id := fmt.Sprintf("embedded-%d", i+1)
		s.workers = append(s.workers, agent.NewWorker(id, client.NewSubscriber(s.URL(), id, client.WithSubscriberLogger(logger)), deps, agentCfg))
	}
	return s, nil
}

// Start serves the registrar, starts the reaper and the workers, and returns
// once every worker is subscribed to the feed.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	go func() {
		if err := s.http.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("embedded server failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.reaper.Start(ctx)
	for _, w := range s.workers {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := w.Run(ctx); err != nil {
				s.logger.Error("embedded worker stopped", "worker_id", w.ID(), "error", err)
			}
		}()
	}

	deadline := time.Now().Add(5 * time.Second)
	for len(s.hub.Workers()) < len(s.workers) {
		if time.Now().After(deadline) {
			return fmt.Errorf("embedded: %d of %d workers subscribed", len(s.hub.Workers()), len(s.workers))
		}
		time.Sleep(10 * time.Millisecond)
	}
	return nil
}

// Stop ends every running session, then shuts the server down.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false
	s.cancel()
	s.wg.Wait()
	s.reaper.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.http.Shutdown(ctx)
	s.store.Close()
	return err
}

// URL returns the base URL for the server.
func (s *Server) URL() string {
	return "http://" + s.ln.Addr().String()
}

func (s *Server) Store() storage.Store {
	return s.store
}

// Workers returns the embedded workers, for inspecting running sessions.
func (s *Server) Workers() []*agent.Worker {
	return s.workers
}
