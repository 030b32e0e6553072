package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chatgate/pkg/channel"
	"chatgate/pkg/config"
	"chatgate/pkg/engine"
	"chatgate/pkg/provider"
	"chatgate/pkg/session"
)

const (
	defaultHealthHost = "0.0.0.0"
	defaultHealthPort = 18790

	providerCheckInterval = 30 * time.Second
	shutdownTimeout       = 10 * time.Second
)

// HTTPAdapter is an adapter that receives its transport over the status
// server, mounted at Path.
type HTTPAdapter interface {
	channel.Adapter
	http.Handler
	Path() string
}

type Service struct {
	cfg      *config.Config
	log      *slog.Logger
	provider provider.Client
	engine   *engine.Engine
	router   *channel.Router
	channels []channel.Adapter
	tracing  *tracing

	mu               sync.RWMutex
	startedAt        time.Time
	providerLastOKAt time.Time
	providerLastErr  string
	channelStates    map[string]channelState
}

type channelState struct {
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

type statusResponse struct {
	Status           string                  `json:"status"`
	UptimeSeconds    int64                   `json:"uptime_seconds"`
	ProviderLastOKAt string                  `json:"provider_last_ok_at,omitempty"`
	ProviderLastErr  string                  `json:"provider_last_error,omitempty"`
	Channels         map[string]channelState `json:"channels"`
}

// Options overrides collaborators NewService would otherwise build from
// configuration.
type Options struct {
	Provider provider.Client
	Store    session.Store
	SelfIDs  []string
}

func NewService(ctx context.Context, cfg *config.Config, adapters []channel.Adapter, log *slog.Logger) (*Service, error) {
	return NewServiceWithOptions(ctx, cfg, adapters, log, Options{})
}

func NewServiceWithOptions(ctx context.Context, cfg *config.Config, adapters []channel.Adapter, log *slog.Logger, opts Options) (*Service, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if len(adapters) == 0 {
		return nil, errors.New("at least one channel adapter is required")
	}
	if log == nil {
		log = slog.Default()
	}

	client := opts.Provider
	if client == nil {
		var err error
		if client, err = provider.New(cfg); err != nil {
			return nil, fmt.Errorf("initialize provider: %w", err)
		}
	}

	tr, err := newTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initialize tracing: %w", err)
	}

	router := channel.NewRouter()
	channelStates := make(map[string]channelState, len(adapters))
	for _, adapter := range adapters {
		name := adapter.Name()
		if _, dup := channelStates[name]; dup {
			return nil, fmt.Errorf("duplicate channel adapter %q", name)
		}
		router.Register(name, channel.NewThrottle(adapter, sendRate(cfg, name), 1))
		channelStates[name] = channelState{}
	}

	eng, err := engine.New(engine.Options{
		Config:    cfg,
		Sender:    router,
		Generator: client,
		Store:     opts.Store,
		SelfIDs:   opts.SelfIDs,
		Logger:    log,
		Tracer:    tr.tracer(),
	})
	if err != nil {
		_ = tr.shutdown(context.Background())
		return nil, fmt.Errorf("initialize dispatch engine: %w", err)
	}

	return &Service{
		cfg:           cfg,
		log:           log.With("component", "gateway.service"),
		provider:      client,
		engine:        eng,
		router:        router,
		channels:      adapters,
		tracing:       tr,
		channelStates: channelStates,
	}, nil
}

func sendRate(cfg *config.Config, name string) float64 {
	switch name {
	case "telegram":
		return cfg.Channels.Telegram.SendPerSecond
	case "onebot":
		return cfg.Channels.OneBot.SendPerSecond
	default:
		return 0
	}
}

// Engine exposes the dispatch engine for callers that add listeners.
func (s *Service) Engine() *engine.Engine { return s.engine }

// Run starts the engine, the status server and every adapter, and blocks
// until ctx is done or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	if err := s.checkProviderHealth(ctx); err != nil {
		return err
	}

	if err := s.engine.Start(ctx); err != nil {
		return err
	}
	defer s.shutdown()

	g, gctx := errgroup.WithContext(ctx)

	server := s.newHealthServer()
	g.Go(func() error {
		s.log.Info("Gateway status server started", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("start status server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(providerCheckInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := s.checkProviderHealth(gctx); err != nil {
					s.log.Warn("Provider health check failed", "error", err)
				}
			}
		}
	})

	sink := channel.SinkFunc(s.engine.Submit)
	for _, adapter := range s.channels {
		s.setChannelState(adapter.Name(), channelState{Running: true})

		g.Go(func() error {
			err := adapter.Run(gctx, sink)
			s.setChannelState(adapter.Name(), channelState{Running: false, Error: errorString(err)})
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run %s channel: %w", adapter.Name(), err)
			}
			return nil
		})
	}

	s.log.Info("Gateway started", "channels", strings.Join(s.router.Names(), ","))
	return g.Wait()
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.engine.Shutdown(ctx); err != nil {
		s.log.Warn("Dispatch engine shutdown incomplete", "error", err)
	}
	if err := s.tracing.shutdown(ctx); err != nil {
		s.log.Warn("Trace exporter shutdown failed", "error", err)
	}
	s.log.Info("Gateway stopped")
}

func (s *Service) newHealthServer() *http.Server {
	host := strings.TrimSpace(s.cfg.Gateway.Host)
	if host == "" {
		host = defaultHealthHost
	}

	port := s.cfg.Gateway.Port
	if port <= 0 {
		port = defaultHealthPort
	}

	return &http.Server{
		Addr:              host + ":" + strconv.Itoa(port),
		Handler:           s.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Service) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/readyz", s.handleReady)
	mux.HandleFunc("/stats", s.handleStats)

	for _, adapter := range s.channels {
		if h, ok := adapter.(HTTPAdapter); ok {
			mux.Handle(h.Path(), h)
			s.log.Debug("Mounted channel endpoint", "channel", h.Name(), "path", h.Path())
		}
	}
	return mux
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondStatus(w, http.StatusOK, "ok")
}

func (s *Service) handleReady(w http.ResponseWriter, _ *http.Request) {
	statusCode := http.StatusOK
	status := "ready"
	if !s.isReady() {
		statusCode = http.StatusServiceUnavailable
		status = "not_ready"
	}

	s.respondStatus(w, statusCode, status)
}

func (s *Service) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Service) respondStatus(w http.ResponseWriter, statusCode int, status string) {
	s.writeJSON(w, statusCode, s.currentStatus(status))
}

func (s *Service) writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.Error("Failed to write status response", "error", err)
	}
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	channels := make(map[string]channelState, len(s.channelStates))
	for name, state := range s.channelStates {
		channels[name] = state
	}

	providerLastOK := ""
	if !s.providerLastOKAt.IsZero() {
		providerLastOK = s.providerLastOKAt.Format(time.RFC3339)
	}

	return statusResponse{
		Status:           status,
		UptimeSeconds:    uptime,
		ProviderLastOKAt: providerLastOK,
		ProviderLastErr:  s.providerLastErr,
		Channels:         channels,
	}
}

func (s *Service) isReady() bool {
	if s.engine != nil && !s.engine.Running() {
		return false
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	anyRunning := false
	for _, state := range s.channelStates {
		if state.Running {
			anyRunning = true
			break
		}
	}

	if !anyRunning {
		return false
	}

	return !s.providerLastOKAt.IsZero() && s.providerLastErr == ""
}

func (s *Service) checkProviderHealth(ctx context.Context) error {
	if err := s.provider.Health(ctx); err != nil {
		s.mu.Lock()
		s.providerLastErr = err.Error()
		s.mu.Unlock()
		return fmt.Errorf("provider health check failed: %w", err)
	}

	s.mu.Lock()
	s.providerLastErr = ""
	s.providerLastOKAt = time.Now().UTC()
	s.mu.Unlock()

	return nil
}

func (s *Service) setChannelState(name string, state channelState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channelStates[name] = state
}

func errorString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
