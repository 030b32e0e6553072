package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"chatgate/pkg/failure"
)

const tracerName = "chatgate/pipeline"

var (
	ErrFrozen        = errors.New("pipeline stage list is frozen")
	ErrDuplicateName = errors.New("stage name already registered")
	ErrUnknownStage  = errors.New("stage not found")
)

// Stage is one ordered step of the pipeline.
type Stage interface {
	Name() string
	Process(ctx context.Context, pc *Context) error
}

// Skipper lets a stage opt out of a run without leaving the stage list.
type Skipper interface {
	CanSkip(pc *Context) bool
}

// Hook runs before each stage is entered.
type Hook func(ctx context.Context, stage string, pc *Context)

type Result struct {
	Success  bool
	Err      error
	Elapsed  time.Duration
	Ran      []string
	Metadata map[string]any
}

type StageStats struct {
	Name       string        `json:"name"`
	Executions uint64        `json:"executions"`
	Skipped    uint64        `json:"skipped"`
	Errors     uint64        `json:"errors"`
	Total      time.Duration `json:"total"`
	Max        time.Duration `json:"max"`
	Average    time.Duration `json:"average"`
}

type Stats struct {
	Executions uint64       `json:"executions"`
	Failures   uint64       `json:"failures"`
	Stages     []StageStats `json:"stages"`
}

type stageCounters struct {
	executions uint64
	skipped    uint64
	errors     uint64
	total      time.Duration
	max        time.Duration
}

// Pipeline executes a fixed, ordered list of stages against a Context.
type Pipeline struct {
	log    *slog.Logger
	tracer trace.Tracer
	before Hook

	mu     sync.RWMutex
	stages []Stage
	frozen bool

	statsMu    sync.Mutex
	executions uint64
	failures   uint64
	counters   map[string]*stageCounters
}

type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.log = logger
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(p *Pipeline) {
		if tracer != nil {
			p.tracer = tracer
		}
	}
}

// WithBeforeStage installs a hook invoked right before each stage runs.
func WithBeforeStage(hook Hook) Option {
	return func(p *Pipeline) { p.before = hook }
}

func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		log:      slog.Default(),
		tracer:   otel.Tracer(tracerName),
		counters: make(map[string]*stageCounters),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "pipeline")
	return p
}

// AddStage appends stage, or inserts it at position when one is given.
func (p *Pipeline) AddStage(stage Stage, position ...int) error {
	if stage == nil {
		return fmt.Errorf("nil stage")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.frozen {
		return ErrFrozen
	}
	for _, existing := range p.stages {
		if existing.Name() == stage.Name() {
			return fmt.Errorf("%w: %s", ErrDuplicateName, stage.Name())
		}
	}

	at := len(p.stages)
	if len(position) > 0 && position[0] >= 0 && position[0] < len(p.stages) {
		at = position[0]
	}
	p.stages = append(p.stages, nil)
	copy(p.stages[at+1:], p.stages[at:])
	p.stages[at] = stage

	return nil
}

func (p *Pipeline) RemoveStage(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.frozen {
		return ErrFrozen
	}
	for i, stage := range p.stages {
		if stage.Name() == name {
			p.stages = append(p.stages[:i], p.stages[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownStage, name)
}

func (p *Pipeline) Stage(name string) (Stage, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, stage := range p.stages {
		if stage.Name() == name {
			return stage, true
		}
	}
	return nil, false
}

func (p *Pipeline) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, len(p.stages))
	for i, stage := range p.stages {
		names[i] = stage.Name()
	}
	return names
}

// Freeze fixes the stage list for the rest of the process lifetime.
func (p *Pipeline) Freeze() {
	p.mu.Lock()
	p.frozen = true
	p.mu.Unlock()
}

// Execute runs every stage in order until one stops the context or fails.
// A stage error or panic is recorded on pc as a stage failure.
func (p *Pipeline) Execute(ctx context.Context, pc *Context) Result {
	if ctx == nil {
		ctx = context.Background()
	}

	p.mu.RLock()
	stages := append([]Stage(nil), p.stages...)
	p.mu.RUnlock()

	ctx, span := p.tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("event.id", pc.Event.ID),
		attribute.String("conversation.key", pc.Event.Key.String()),
		attribute.String("event.channel", pc.Event.Channel),
	))
	defer span.End()

	start := time.Now()
	ran := make([]string, 0, len(stages))

	for _, stage := range stages {
		if pc.Stopped() {
			break
		}
		if err := ctx.Err(); err != nil {
			// Cancellation is a normal exit, not a stage failure.
			span.AddEvent("cancelled", trace.WithAttributes(attribute.String("stage", stage.Name())))
			pc.Stop()
			break
		}

		name := stage.Name()
		if skipper, ok := stage.(Skipper); ok && skipper.CanSkip(pc) {
			p.countSkip(name)
			continue
		}

		if p.before != nil {
			p.before(ctx, name, pc)
		}

		elapsed, err := p.runStage(ctx, stage, pc)
		ran = append(ran, name)
		p.countRun(name, elapsed, err)

		if err != nil {
			// Categorized errors (send failures, plugin failures) keep their category.
			stageErr := err
			var categorized *failure.Error
			if !errors.As(err, &categorized) {
				stageErr = failure.Wrap(failure.StageFailure, name, err)
			}
			pc.SetError(stageErr)
			p.log.Error("Stage failed", "stage", name, "event_id", pc.Event.ID, "key", pc.Event.Key, "error", err)
			break
		}
	}

	elapsed := time.Since(start)
	err := pc.Err()

	p.statsMu.Lock()
	p.executions++
	if err != nil {
		p.failures++
	}
	p.statsMu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return Result{
		Success:  err == nil,
		Err:      err,
		Elapsed:  elapsed,
		Ran:      ran,
		Metadata: pc.Metadata(),
	}
}

func (p *Pipeline) runStage(ctx context.Context, stage Stage, pc *Context) (elapsed time.Duration, err error) {
	ctx, span := p.tracer.Start(ctx, "stage."+stage.Name())
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = failure.Recovered(failure.StageFailure, stage.Name(), r)
		}
		elapsed = time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	err = stage.Process(ctx, pc)
	return time.Since(start), err
}

func (p *Pipeline) countRun(name string, elapsed time.Duration, err error) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	c := p.counter(name)
	c.executions++
	c.total += elapsed
	if elapsed > c.max {
		c.max = elapsed
	}
	if err != nil {
		c.errors++
	}
}

func (p *Pipeline) countSkip(name string) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	p.counter(name).skipped++
}

// counter requires statsMu.
func (p *Pipeline) counter(name string) *stageCounters {
	c, ok := p.counters[name]
	if !ok {
		c = &stageCounters{}
		p.counters[name] = c
	}
	return c
}

func (p *Pipeline) Stats() Stats {
	order := p.Names()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()

	stats := Stats{Executions: p.executions, Failures: p.failures}
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		seen[name] = true
		stats.Stages = append(stats.Stages, p.stageStats(name))
	}

	// Stages removed before freezing keep their history.
	var extra []string
	for name := range p.counters {
		if !seen[name] {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		stats.Stages = append(stats.Stages, p.stageStats(name))
	}

	return stats
}

// stageStats requires statsMu.
func (p *Pipeline) stageStats(name string) StageStats {
	c := p.counter(name)
	out := StageStats{
		Name:       name,
		Executions: c.executions,
		Skipped:    c.skipped,
		Errors:     c.errors,
		Total:      c.total,
		Max:        c.max,
	}
	if c.executions > 0 {
		out.Average = c.total / time.Duration(c.executions)
	}
	return out
}
