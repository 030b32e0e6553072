package isolator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"chatgate/pkg/failure"
)

const (
	DefaultMaxConcurrent = 50
	DefaultTaskTimeout   = 30 * time.Second
	DefaultMaxWorkers    = 10
	DefaultIdleThreshold = 60 * time.Second

	// abandonGrace bounds how long a cancelled task may keep its key lock
	// before it is abandoned.
	abandonGrace = 100 * time.Millisecond
)

var ErrShutdown = errors.New("isolator is shut down")

type State string

const (
	StateQueued    State = "queued"
	StateAdmitted  State = "admitted"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateCancelled State = "cancelled"
)

// Task is one unit of per-conversation work.
type Task func(ctx context.Context) error

type Config struct {
	MaxConcurrent int
	TaskTimeout   time.Duration
	MaxWorkers    int
	IdleThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = DefaultMaxWorkers
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	return c
}

// TaskInfo is a snapshot of one in-flight task.
type TaskInfo struct {
	ID        string    `json:"id"`
	Key       string    `json:"key"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
	Deadline  time.Time `json:"deadline"`
}

type inflight struct {
	info   TaskInfo
	cancel context.CancelFunc
}

// keyLock serializes one conversation. Acquirers chain on the previous
// holder's channel, which gives strict FIFO order.
type keyLock struct {
	tail     chan struct{}
	refs     int
	lastUsed time.Time
}

// Ticket is a reserved position in a key's queue.
type Ticket struct {
	key  string
	prev chan struct{}
	mine chan struct{}
	iso  *Isolator
	once sync.Once
}

type Stats struct {
	Running    int64  `json:"running"`
	Peak       int64  `json:"peak"`
	Waiting    int64  `json:"waiting"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	TimedOut   uint64 `json:"timed_out"`
	Cancelled  uint64 `json:"cancelled"`
	Abandoned  uint64 `json:"abandoned"`
	Keys       int    `json:"keys"`
	WorkerBusy int64  `json:"worker_busy"`
	Capacity   int    `json:"capacity"`
}

// Isolator bounds global parallelism, serializes work per key and applies a
// deadline to every task.
type Isolator struct {
	cfg     Config
	slots   *semaphore.Weighted
	workers *semaphore.Weighted
	now     func() time.Time
	log     *slog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc
	closed     atomic.Bool

	// lifeMu orders wg.Add against Shutdown setting closed.
	lifeMu sync.Mutex
	wg     sync.WaitGroup

	mu    sync.Mutex
	locks map[string]*keyLock
	tasks map[string]*inflight

	running    atomic.Int64
	peak       atomic.Int64
	waiting    atomic.Int64
	workerBusy atomic.Int64
	completed  atomic.Uint64
	failed     atomic.Uint64
	timedOut   atomic.Uint64
	cancelled  atomic.Uint64
	abandoned  atomic.Uint64
}

type Option func(*Isolator)

func WithClock(now func() time.Time) Option {
	return func(iso *Isolator) {
		if now != nil {
			iso.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(iso *Isolator) {
		if logger != nil {
			iso.log = logger
		}
	}
}

func New(cfg Config, opts ...Option) *Isolator {
	cfg = cfg.withDefaults()
	baseCtx, cancel := context.WithCancel(context.Background())

	iso := &Isolator{
		cfg:        cfg,
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		workers:    semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		now:        time.Now,
		log:        slog.Default(),
		baseCtx:    baseCtx,
		cancelBase: cancel,
		locks:      make(map[string]*keyLock),
		tasks:      make(map[string]*inflight),
	}
	for _, opt := range opts {
		opt(iso)
	}
	iso.log = iso.log.With("component", "isolator")
	return iso
}

func (iso *Isolator) Config() Config { return iso.cfg }

// Reserve takes the next position in key's queue without blocking. Callers
// that must preserve arrival order across goroutines reserve synchronously
// and pass the ticket to ScheduleTicket.
func (iso *Isolator) Reserve(key string) *Ticket {
	mine := make(chan struct{})

	iso.mu.Lock()
	kl, ok := iso.locks[key]
	if !ok {
		kl = &keyLock{}
		iso.locks[key] = kl
	}
	prev := kl.tail
	kl.tail = mine
	kl.refs++
	kl.lastUsed = iso.now()
	iso.mu.Unlock()

	return &Ticket{key: key, prev: prev, mine: mine, iso: iso}
}

// wait blocks until every earlier ticket for the key has been released.
func (t *Ticket) wait(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release hands the key to the next ticket. When the holder never reached
// its turn, the handoff waits for the predecessor so order is kept.
func (t *Ticket) Release() {
	t.once.Do(func() {
		iso := t.iso
		iso.mu.Lock()
		if kl, ok := iso.locks[t.key]; ok {
			kl.refs--
			kl.lastUsed = iso.now()
		}
		iso.mu.Unlock()

		if t.prev == nil {
			close(t.mine)
			return
		}
		select {
		case <-t.prev:
			close(t.mine)
		default:
			go func() {
				<-t.prev
				close(t.mine)
			}()
		}
	})
}

// Schedule runs task for key once every earlier task for key has finished
// and a global slot is free, bounded by the task timeout.
func (iso *Isolator) Schedule(ctx context.Context, key string, task Task) error {
	if iso.closed.Load() {
		return ErrShutdown
	}
	return iso.ScheduleTicket(ctx, iso.Reserve(key), task)
}

// ScheduleTicket is Schedule with a queue position reserved earlier.
func (iso *Isolator) ScheduleTicket(ctx context.Context, ticket *Ticket, task Task) error {
	defer ticket.Release()

	if ctx == nil {
		ctx = context.Background()
	}
	if !iso.enter() {
		return ErrShutdown
	}
	defer iso.wg.Done()

	queuedAt := iso.now()
	deadline := queuedAt.Add(iso.cfg.TaskTimeout)
	taskCtx, cancel := context.WithTimeout(ctx, iso.cfg.TaskTimeout)
	defer cancel()
	stop := context.AfterFunc(iso.baseCtx, cancel)
	defer stop()

	iso.waiting.Add(1)
	err := ticket.wait(taskCtx)
	if err == nil {
		err = iso.slots.Acquire(taskCtx, 1)
	}
	iso.waiting.Add(-1)
	if err != nil {
		return iso.finish(ctx, ticket.key, "", queuedAt, err)
	}
	defer iso.slots.Release(1)

	id := uuid.NewString()
	iso.track(id, ticket.key, deadline, cancel)
	defer iso.untrack(id)

	n := iso.running.Add(1)
	defer iso.running.Add(-1)
	for {
		peak := iso.peak.Load()
		if n <= peak || iso.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	iso.setState(id, StateRunning)
	err = iso.execute(taskCtx, id, task)
	return iso.finish(ctx, ticket.key, id, queuedAt, err)
}

// enter registers a task with wg unless Shutdown has begun.
func (iso *Isolator) enter() bool {
	iso.lifeMu.Lock()
	defer iso.lifeMu.Unlock()
	if iso.closed.Load() {
		return false
	}
	iso.wg.Add(1)
	return true
}

func (iso *Isolator) execute(ctx context.Context, id string, task Task) error {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- failure.Recovered(failure.Internal, "task panic", r)
			}
		}()
		done <- task(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	select {
	case <-done:
	case <-time.After(abandonGrace):
		iso.abandoned.Add(1)
		iso.log.Warn("Task ignored cancellation, abandoning", "task_id", id)
	}
	return ctx.Err()
}

func (iso *Isolator) finish(parent context.Context, key, id string, queuedAt time.Time, err error) error {
	elapsed := iso.now().Sub(queuedAt)

	switch {
	case err == nil:
		iso.completed.Add(1)
		iso.setState(id, StateCompleted)
		return nil
	case errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil:
		iso.timedOut.Add(1)
		iso.setState(id, StateTimedOut)
		iso.log.Warn("Task timed out, dropping event", "key", key, "task_id", id, "timeout", iso.cfg.TaskTimeout, "elapsed", elapsed)
		return failure.Wrap(failure.ScheduleTimeout, fmt.Sprintf("key %s after %s", key, iso.cfg.TaskTimeout), err)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		iso.cancelled.Add(1)
		iso.setState(id, StateCancelled)
		iso.log.Debug("Task cancelled", "key", key, "task_id", id)
		return failure.Wrap(failure.Cancelled, "key "+key, err)
	default:
		iso.failed.Add(1)
		iso.setState(id, StateFailed)
		return err
	}
}

func (iso *Isolator) track(id, key string, deadline time.Time, cancel context.CancelFunc) {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	iso.tasks[id] = &inflight{
		info: TaskInfo{
			ID:        id,
			Key:       key,
			State:     StateAdmitted,
			StartedAt: iso.now(),
			Deadline:  deadline,
		},
		cancel: cancel,
	}
}

func (iso *Isolator) untrack(id string) {
	iso.mu.Lock()
	defer iso.mu.Unlock()
	delete(iso.tasks, id)
}

func (iso *Isolator) setState(id string, state State) {
	if id == "" {
		return
	}
	iso.mu.Lock()
	defer iso.mu.Unlock()
	if task, ok := iso.tasks[id]; ok {
		task.info.State = state
	}
}

// Run schedules fn and returns its value.
func Run[T any](ctx context.Context, iso *Isolator, key string, fn func(context.Context) (T, error)) (T, error) {
	out := make(chan T, 1)
	err := iso.Schedule(ctx, key, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out <- v
		return nil
	})

	var zero T
	if err != nil {
		return zero, err
	}
	select {
	case v := <-out:
		return v, nil
	default:
		return zero, nil
	}
}

// Offload runs blocking work on the bounded worker pool. The worker stays
// occupied until fn returns even if ctx ends first.
func (iso *Isolator) Offload(ctx context.Context, fn func(context.Context) error) error {
	if err := iso.workers.Acquire(ctx, 1); err != nil {
		return err
	}

	iso.workerBusy.Add(1)
	done := make(chan error, 1)
	go func() {
		defer func() {
			iso.workerBusy.Add(-1)
			iso.workers.Release(1)
		}()
		defer func() {
			if r := recover(); r != nil {
				done <- failure.Recovered(failure.Internal, "offloaded work panic", r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns admitted and running tasks ordered by start time.
func (iso *Isolator) InFlight() []TaskInfo {
	iso.mu.Lock()
	out := make([]TaskInfo, 0, len(iso.tasks))
	for _, task := range iso.tasks {
		out = append(out, task.info)
	}
	iso.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// CancelAll cancels every in-flight task and returns how many were signalled.
func (iso *Isolator) CancelAll() int {
	iso.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(iso.tasks))
	for _, task := range iso.tasks {
		cancels = append(cancels, task.cancel)
	}
	iso.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	return len(cancels)
}

// Sweep reclaims idle key locks and in-flight entries stuck well past their
// deadline.
func (iso *Isolator) Sweep() (keys int, stale int) {
	now := iso.now()

	iso.mu.Lock()
	defer iso.mu.Unlock()

	for key, kl := range iso.locks {
		if kl.refs == 0 && now.Sub(kl.lastUsed) > iso.cfg.IdleThreshold {
			delete(iso.locks, key)
			keys++
		}
	}

	for id, task := range iso.tasks {
		if now.After(task.info.Deadline.Add(iso.cfg.TaskTimeout)) {
			task.cancel()
			delete(iso.tasks, id)
			stale++
		}
	}

	return keys, stale
}

// Run sweeps every interval until ctx is done.
func (iso *Isolator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			keys, stale := iso.Sweep()
			if keys > 0 || stale > 0 {
				iso.log.Debug("Isolator swept", "keys", keys, "stale_tasks", stale)
			}
		}
	}
}

// Shutdown rejects new work, cancels everything queued or running and waits
// for tasks to unwind or ctx to end.
func (iso *Isolator) Shutdown(ctx context.Context) error {
	iso.lifeMu.Lock()
	iso.closed.Store(true)
	iso.lifeMu.Unlock()
	iso.cancelBase()

	done := make(chan struct{})
	go func() {
		iso.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (iso *Isolator) Stats() Stats {
	iso.mu.Lock()
	keys := len(iso.locks)
	iso.mu.Unlock()

	return Stats{
		Running:    iso.running.Load(),
		Peak:       iso.peak.Load(),
		Waiting:    iso.waiting.Load(),
		Completed:  iso.completed.Load(),
		Failed:     iso.failed.Load(),
		TimedOut:   iso.timedOut.Load(),
		Cancelled:  iso.cancelled.Load(),
		Abandoned:  iso.abandoned.Load(),
		Keys:       keys,
		WorkerBusy: iso.workerBusy.Load(),
		Capacity:   iso.cfg.MaxConcurrent,
	}
}
