package engine

import (
	"fmt"
	"strings"
	"time"

	"chatgate/pkg/bus"
	"chatgate/pkg/isolator"
	"chatgate/pkg/moderation"
	"chatgate/pkg/pipeline"
	"chatgate/pkg/plugin"
	"chatgate/pkg/ratelimit"
)

// Stats aggregates engine counters and every component's own stats.
type Stats struct {
	UptimeSeconds int64               `json:"uptime_seconds"`
	Received      uint64              `json:"received"`
	Rejected      uint64              `json:"rejected"`
	Completed     uint64              `json:"completed"`
	Failed        uint64              `json:"failed"`
	TimedOut      uint64              `json:"timed_out"`
	Cancelled     uint64              `json:"cancelled"`
	Notices       uint64              `json:"notices"`
	RateLimiter   ratelimit.Stats     `json:"rate_limiter"`
	Isolator      isolator.Stats      `json:"isolator"`
	Bus           bus.Stats           `json:"bus"`
	Pipeline      pipeline.Stats      `json:"pipeline"`
	Plugins       plugin.Stats        `json:"plugins"`
	Moderation    *moderation.Stats   `json:"moderation,omitempty"`
	InFlight      []isolator.TaskInfo `json:"in_flight,omitempty"`
}

func (e *Engine) Stats() Stats {
	s := Stats{
		Received:    e.received.Load(),
		Rejected:    e.rejected.Load(),
		Completed:   e.completed.Load(),
		Failed:      e.failed.Load(),
		TimedOut:    e.timedOut.Load(),
		Cancelled:   e.cancelled.Load(),
		Notices:     e.notices.Load(),
		RateLimiter: e.limiter.Stats(),
		Isolator:    e.iso.Stats(),
		Bus:         e.events.Stats(),
		Pipeline:    e.pipe.Stats(),
		Plugins:     e.chain.Stats(),
		InFlight:    e.iso.InFlight(),
	}
	if !e.startedAt.IsZero() {
		s.UptimeSeconds = int64(time.Since(e.startedAt).Seconds())
	}
	if e.moderator != nil {
		ms := e.moderator.Stats()
		s.Moderation = &ms
	}
	return s
}

// StatsText renders Stats for chat replies.
func (e *Engine) StatsText() string {
	s := e.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "Uptime: %s\n", time.Duration(s.UptimeSeconds)*time.Second)
	fmt.Fprintf(&b, "Events: %d received, %d rejected, %d completed, %d failed, %d timed out\n",
		s.Received, s.Rejected, s.Completed, s.Failed, s.TimedOut)
	fmt.Fprintf(&b, "Rate limiter: %.1f%% blocked, %d cooldowns, %d active windows\n",
		s.RateLimiter.BlockRate*100, s.RateLimiter.CooldownActivations, s.RateLimiter.ActiveWindows)
	fmt.Fprintf(&b, "Concurrency: %d/%d running (peak %d), %d waiting, %d conversations\n",
		s.Isolator.Running, s.Isolator.Capacity, s.Isolator.Peak, s.Isolator.Waiting, s.Isolator.Keys)
	fmt.Fprintf(&b, "Event bus: %d published, %d dropped, %d queued\n",
		s.Bus.Published, s.Bus.Dropped, s.Bus.Queued)
	fmt.Fprintf(&b, "Plugins: %d loaded, %d handled, %d failures",
		len(s.Plugins.Plugins), s.Plugins.Handled, s.Plugins.Failures)
	for _, stage := range s.Pipeline.Stages {
		if stage.Executions == 0 {
			continue
		}
		fmt.Fprintf(&b, "\nStage %s: %d runs, avg %s, max %s",
			stage.Name, stage.Executions, stage.Average.Round(time.Millisecond), stage.Max.Round(time.Millisecond))
	}
	return b.String()
}
