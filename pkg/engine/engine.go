// Package engine is the dispatch engine: it admits inbound events, schedules
// them per conversation and runs the message pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"chatgate/pkg/bus"
	"chatgate/pkg/channel"
	"chatgate/pkg/command"
	"chatgate/pkg/config"
	"chatgate/pkg/failure"
	"chatgate/pkg/isolator"
	"chatgate/pkg/moderation"
	"chatgate/pkg/pipeline"
	"chatgate/pkg/plugin"
	"chatgate/pkg/provider"
	providertypes "chatgate/pkg/provider/types"
	"chatgate/pkg/ratelimit"
	"chatgate/pkg/session"
	"chatgate/pkg/stages"
)

var (
	ErrNotRunning     = errors.New("dispatch engine is not running")
	ErrAlreadyStarted = errors.New("dispatch engine already started")
)

// Options wires the engine's collaborators. Config and Sender are required.
type Options struct {
	Config *config.Config
	// Sender delivers replies, usually a channel.Router.
	Sender channel.Sender
	// Generator answers AI requests. Nil disables the AI stage.
	Generator providertypes.Generator
	// Store overrides the session store selected by configuration. The
	// engine does not close a store it did not open.
	Store   session.Store
	SelfIDs []string
	Logger  *slog.Logger
	Tracer  trace.Tracer
}

// Engine is the composition root of the gateway core.
type Engine struct {
	cfg  *config.Config
	log  *slog.Logger
	send channel.Sender

	events    *bus.EventBus
	limiter   *ratelimit.Limiter
	iso       *isolator.Isolator
	pipe      *pipeline.Pipeline
	chain     *plugin.Chain
	registry  *plugin.Registry
	router    *command.Router
	moderator *moderation.Moderator
	resolver  *session.KeyResolver
	store     session.Store
	ownsStore bool
	gen       providertypes.Generator

	started   atomic.Bool
	closed    atomic.Bool
	startedAt time.Time
	cancel    context.CancelFunc

	// intakeMu orders inflight.Add against Shutdown setting closed.
	intakeMu sync.Mutex
	inflight sync.WaitGroup

	received  atomic.Uint64
	rejected  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
	cancelled atomic.Uint64
	notices   atomic.Uint64
}

func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Sender == nil {
		return nil, errors.New("sender is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	e := &Engine{
		cfg:      cfg,
		log:      log.With("component", "engine"),
		send:     opts.Sender,
		gen:      opts.Generator,
		registry: plugin.Builtins(),
	}

	perf := cfg.Performance
	e.events = bus.NewEventBus(perf.EventQueueSize, log)
	e.limiter = ratelimit.New(ratelimit.Config{
		MessageRateLimit: perf.MessageRateLimit,
		BurstLimit:       perf.BurstLimit,
		CooldownPeriod:   perf.CooldownDuration(),
	}, ratelimit.WithLogger(log))
	e.iso = isolator.New(isolator.Config{
		MaxConcurrent: perf.MaxConcurrentMessages,
		TaskTimeout:   perf.TaskTimeoutDuration(),
		MaxWorkers:    perf.MaxWorkerThreads,
		IdleThreshold: perf.IdleDuration(),
	}, isolator.WithLogger(log))

	if cfg.Moderation.Enabled {
		rules, err := moderationRules(cfg.Moderation)
		if err != nil {
			return nil, err
		}
		if e.moderator, err = moderation.New(rules, log); err != nil {
			return nil, err
		}
	}

	persona, err := session.ResolvePersona(cfg.Agents.Defaults.Provider, cfg.Bot.Persona, cfg.Bot.PersonaFile)
	if err != nil {
		return nil, err
	}
	e.resolver = session.NewKeyResolver(persona)

	e.store = opts.Store
	if e.store == nil {
		if e.store, err = session.NewStore(cfg.Session); err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		e.ownsStore = true
	}

	e.chain = plugin.NewChain(plugin.Host{Send: e.send.Send, Events: e.events, Log: log})
	e.router = command.NewRouter(cfg.Bot.CommandPrefix, command.NewPermissions(cfg.Bot.Owners, cfg.Bot.Admins))
	command.RegisterBuiltins(e.router, command.Deps{
		Limits:        e.limiter,
		Plugins:       e.chain,
		Registry:      e.registry,
		PluginOptions: func(name string) map[string]any { return cfg.Plugins.Options[name] },
		Stats:         e.StatsText,
		ResetMemory:   e.ResetMemory,
	})

	pipeOpts := []pipeline.Option{pipeline.WithLogger(log)}
	if opts.Tracer != nil {
		pipeOpts = append(pipeOpts, pipeline.WithTracer(opts.Tracer))
	}
	e.pipe = pipeline.New(pipeOpts...)

	var warn stages.Sender
	if cfg.Moderation.WarnUser {
		warn = e.send
	}
	for _, stage := range []pipeline.Stage{
		stages.NewPreprocess(opts.SelfIDs...),
		stages.NewModeration(e.moderator, warn, log),
		stages.NewCommand(e.router, e.chain, log),
		stages.NewAIRequest(e.gen, e.resolver, e.store, stages.AIConfig{
			TriggerPrefix:  cfg.Bot.TriggerPrefix,
			RespondPrivate: cfg.Bot.RespondPrivate,
			HistoryLimit:   cfg.Agents.Defaults.HistoryLimit,
			FallbackReply:  cfg.Agents.Defaults.FallbackReply,
		}, log),
		stages.NewResponse(e.send, log),
	} {
		if err := e.pipe.AddStage(stage); err != nil {
			return nil, err
		}
	}

	observeLifecycle(e.events, log)
	return e, nil
}

func moderationRules(cfg config.ModerationConfig) (moderation.Rules, error) {
	rules := moderation.Rules{
		Blacklist: cfg.Blacklist,
		Whitelist: cfg.Whitelist,
		Patterns:  cfg.Patterns,
	}
	if cfg.DefaultPatterns {
		rules = moderation.Merge(rules, moderation.DefaultRules())
	}
	if path := strings.TrimSpace(cfg.RulesFile); path != "" {
		fileRules, err := moderation.LoadRules(path)
		if err != nil {
			return moderation.Rules{}, err
		}
		rules = moderation.Merge(rules, fileRules)
	}
	return rules, nil
}

// Start loads configured plugins, freezes the pipeline and launches the
// event bus and periodic sweepers. They stop with ctx or Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.events.Start(runCtx)

	for _, name := range e.cfg.Plugins.Enabled {
		h, err := e.registry.Build(name, e.cfg.Plugins.Options[name])
		if err == nil {
			err = e.chain.Register(ctx, h)
		}
		if err != nil {
			cancel()
			return fmt.Errorf("load plugin %s: %w", name, err)
		}
	}
	e.pipe.Freeze()

	sweep := e.cfg.Performance.SweepDuration()
	go e.limiter.Run(runCtx, sweep)
	go e.iso.Run(runCtx, sweep)

	if e.moderator != nil && e.cfg.Moderation.Watch && strings.TrimSpace(e.cfg.Moderation.RulesFile) != "" {
		base := e.cfg.Moderation
		base.RulesFile = ""
		baseRules, _ := moderationRules(base)
		go func() {
			if err := e.moderator.Watch(runCtx, e.cfg.Moderation.RulesFile, baseRules); err != nil {
				e.log.Warn("Moderation rules watcher stopped", "error", err)
			}
		}()
	}

	e.startedAt = time.Now().UTC()
	e.log.Info("Dispatch engine started",
		"stages", strings.Join(e.pipe.Names(), ","),
		"plugins", len(e.chain.Handles()),
		"max_concurrent", e.iso.Config().MaxConcurrent,
		"rate_limit", e.limiter.Config().MessageRateLimit,
	)
	return nil
}

// Dispatch admits ev and runs it through the pipeline, returning once it has
// finished. Rejections carry failure.AdmissionRejected; deadline overruns
// carry failure.ScheduleTimeout.
func (e *Engine) Dispatch(ctx context.Context, ev bus.InboundEvent) error {
	ticket, err := e.accept(ctx, ev)
	if err != nil || ticket == nil {
		return err
	}
	return e.execute(ctx, ev, ticket)
}

// Submit admits ev and processes it in the background. The conversation
// queue position is taken before Submit returns, so events submitted in
// order for one conversation are processed in that order.
func (e *Engine) Submit(ctx context.Context, ev bus.InboundEvent) error {
	ticket, err := e.accept(ctx, ev)
	if err != nil || ticket == nil {
		return err
	}

	runCtx := context.WithoutCancel(ctx)
	if !e.goTracked(func() { _ = e.execute(runCtx, ev, ticket) }) {
		ticket.Release()
		return ErrNotRunning
	}
	return nil
}

// goTracked runs fn in a goroutine that Shutdown waits for. It reports false
// once Shutdown has begun.
func (e *Engine) goTracked(fn func()) bool {
	e.intakeMu.Lock()
	if e.closed.Load() {
		e.intakeMu.Unlock()
		return false
	}
	e.inflight.Add(1)
	e.intakeMu.Unlock()

	go func() {
		defer e.inflight.Done()
		fn()
	}()
	return true
}

// accept validates and rate limits ev. A nil ticket with a nil error means
// the event was consumed without running the pipeline.
func (e *Engine) accept(ctx context.Context, ev bus.InboundEvent) (*isolator.Ticket, error) {
	if !e.started.Load() || e.closed.Load() {
		return nil, ErrNotRunning
	}
	e.received.Add(1)

	if ev.Key.IsZero() {
		return nil, e.reject(ctx, ev, "missing conversation key")
	}

	if ev.Kind != "" && ev.Kind != bus.KindMessage {
		e.notices.Add(1)
		e.events.Publish(ctx, bus.NewEvent(bus.TopicNotice, ev))
		return nil, nil
	}

	e.events.Publish(ctx, bus.NewEvent(bus.TopicEventReceived, bus.LifecycleFor(ev)))

	if allowed, reason := e.limiter.Admit(ev.Key.String(), ev.SenderID); !allowed {
		err := e.reject(ctx, ev, reason)
		if strings.HasPrefix(reason, ratelimit.ReasonBurst) && e.cfg.Performance.NotifyOnReject {
			// Adapters call accept from their receive loop, which may be
			// needed to complete the send.
			text := fmt.Sprintf("You are sending messages too fast. Please wait %s.", e.limiter.Config().CooldownPeriod)
			noticeCtx := context.WithoutCancel(ctx)
			e.goTracked(func() { e.notify(noticeCtx, ev, text) })
		}
		return nil, err
	}

	return e.iso.Reserve(ev.Key.String()), nil
}

func (e *Engine) reject(ctx context.Context, ev bus.InboundEvent, reason string) error {
	e.rejected.Add(1)
	lc := bus.LifecycleFor(ev)
	lc.Category = failure.AdmissionRejected
	lc.Error = reason
	e.events.Publish(ctx, bus.NewEvent(bus.TopicEventRejected, lc))
	return failure.New(failure.AdmissionRejected, reason)
}

func (e *Engine) execute(ctx context.Context, ev bus.InboundEvent, ticket *isolator.Ticket) error {
	start := time.Now()
	err := e.iso.ScheduleTicket(ctx, ticket, func(taskCtx context.Context) error {
		result := e.pipe.Execute(taskCtx, pipeline.NewContext(ev))
		if result.Err != nil {
			return result.Err
		}
		return taskCtx.Err()
	})

	lc := bus.LifecycleFor(ev)
	lc.Elapsed = time.Since(start)
	topic := bus.TopicEventCompleted

	switch {
	case err == nil:
		e.completed.Add(1)
	case failure.Is(err, failure.ScheduleTimeout):
		e.timedOut.Add(1)
		topic = bus.TopicEventTimeout
		e.notify(ctx, ev, "Sorry, that took too long. Please try again.")
	case failure.Is(err, failure.Cancelled), errors.Is(err, isolator.ErrShutdown):
		e.cancelled.Add(1)
		topic = bus.TopicEventFailed
	default:
		e.failed.Add(1)
		topic = bus.TopicEventFailed
	}
	if err != nil {
		lc.Category = failure.CategoryFromError(err)
		lc.Error = err.Error()
	}

	e.events.Publish(ctx, bus.NewEvent(topic, lc))
	return err
}

// notify sends a best-effort notice when notify_on_reject is enabled.
func (e *Engine) notify(ctx context.Context, ev bus.InboundEvent, text string) {
	if !e.cfg.Performance.NotifyOnReject {
		return
	}
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.send.Send(sendCtx, bus.ReplyTo(ev, text)); err != nil {
		e.log.Warn("Failed to send notice", "conversation", ev.Key.String(), "error", err)
	}
}

// Shutdown stops intake, cancels queued and running work, waits for it to
// unwind or ctx to end, then unloads plugins and closes the bus.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.intakeMu.Lock()
	if e.closed.Load() {
		e.intakeMu.Unlock()
		return nil
	}
	e.closed.Store(true)
	e.intakeMu.Unlock()

	err := e.iso.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}

	for _, info := range e.chain.Handles() {
		if uerr := e.chain.Unregister(ctx, info.Name); uerr != nil {
			e.log.Warn("Failed to unload plugin", "plugin", info.Name, "error", uerr)
		}
	}

	if e.cancel != nil {
		e.cancel()
	}
	e.events.Close()

	if e.ownsStore {
		err = errors.Join(err, e.store.Close())
	}

	e.log.Info("Dispatch engine stopped", "completed", e.completed.Load(), "failed", e.failed.Load())
	return err
}

// ResetMemory forgets the stored history of one conversation.
func (e *Engine) ResetMemory(ctx context.Context, key bus.ConversationKey) error {
	id := key.String()
	if err := e.store.Clear(ctx, id); err != nil {
		return err
	}
	if f, ok := e.gen.(provider.Forgetter); ok {
		f.Forget(id)
	}
	return nil
}

func (e *Engine) SetUserLimit(userID string, limit int) error {
	return e.limiter.SetUserLimit(userID, limit)
}

func (e *Engine) ClearUserLimit(userID string) bool {
	return e.limiter.ClearUserLimit(userID)
}

func (e *Engine) RegisterPlugin(ctx context.Context, h plugin.Handle) error {
	return e.chain.Register(ctx, h)
}

func (e *Engine) UnregisterPlugin(ctx context.Context, name string) error {
	return e.chain.Unregister(ctx, name)
}

// Events exposes the bus for extra listeners.
func (e *Engine) Events() *bus.EventBus { return e.events }

// Moderator returns nil when moderation is disabled.
func (e *Engine) Moderator() *moderation.Moderator { return e.moderator }

// Resolver exposes per-conversation persona overrides.
func (e *Engine) Resolver() *session.KeyResolver { return e.resolver }

// Running reports whether the engine accepts events.
func (e *Engine) Running() bool {
	return e.started.Load() && !e.closed.Load()
}
