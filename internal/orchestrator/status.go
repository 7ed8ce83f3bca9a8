package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stellarlinkco/ambient/internal/cron"
	"github.com/stellarlinkco/ambient/internal/escalation"
	"github.com/stellarlinkco/ambient/internal/gateway"
	"github.com/stellarlinkco/ambient/internal/logger"
	"github.com/stellarlinkco/ambient/internal/scheduler"
)

type BufferStatus struct {
	FeedLen      int    `json:"feedLen"`
	FeedCap      int    `json:"feedCap"`
	FeedVersion  uint64 `json:"feedVersion"`
	SenseLen     int    `json:"senseLen"`
	SenseCap     int    `json:"senseCap"`
	SenseVersion uint64 `json:"senseVersion"`
	Images       int    `json:"images"`
}

type IngestStatus struct {
	Handled uint64 `json:"handled"`
	Invalid uint64 `json:"invalid"`
}

// Status is the document served at /v1/status and printed by
// "ambient status".
type Status struct {
	Version    string                 `json:"version"`
	StartedAt  time.Time              `json:"startedAt"`
	Uptime     string                 `json:"uptime"`
	Scheduler  scheduler.StatusReport `json:"scheduler"`
	Buffers    BufferStatus           `json:"buffers"`
	Escalation escalation.Status      `json:"escalation"`
	Gateway    *gateway.Status        `json:"gateway,omitempty"`
	Channels   []string               `json:"channels"`
	Skills     []string               `json:"skills,omitempty"`
	Jobs       []cron.JobState        `json:"jobs,omitempty"`
	Ingest     *IngestStatus          `json:"ingest,omitempty"`
	BusDropped uint64                 `json:"busDropped"`
}

func (o *Orchestrator) Status() Status {
	now := o.clock.Now()
	st := Status{
		Version:   gateway.Version,
		StartedAt: o.startedAt,
		Uptime:    now.Sub(o.startedAt).Truncate(time.Second).String(),
		Scheduler: o.scheduler.Status(),
		Skills:    o.skills.Names(),
		Buffers: BufferStatus{
			FeedLen:      o.feed.Len(),
			FeedCap:      o.feed.Cap(),
			FeedVersion:  o.feed.Version(),
			SenseLen:     o.sense.Len(),
			SenseCap:     o.sense.Cap(),
			SenseVersion: o.sense.Version(),
			Images:       o.sense.ImageCount(),
		},
		Escalation: o.router.Status(),
		Channels:   o.channels.EnabledChannels(),
		Jobs:       o.cron.Jobs(),
		BusDropped: o.bus.Dropped(),
	}
	if o.gateway != nil {
		gs := o.gateway.Status()
		st.Gateway = &gs
	}
	if o.ingest != nil {
		handled, invalid := o.ingest.Stats()
		st.Ingest = &IngestStatus{Handled: handled, Invalid: invalid}
	}
	return st
}

// Command runs a chat command such as "/digest" from a channel and returns
// the reply text.
func (o *Orchestrator) Command(ctx context.Context, name string) (string, error) {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(name), "/")) {
	case "digest":
		e, ok := o.scheduler.Latest()
		if !ok {
			return "No analysis yet.", nil
		}
		return fmt.Sprintf("**%s**\n%s\n(%s, %s ago)", e.HUD, e.Digest, e.Model,
			o.clock.Now().Sub(e.At).Truncate(time.Second)), nil

	case "status":
		st := o.Status()
		var sb strings.Builder
		fmt.Fprintf(&sb, "state: %s, uptime %s\n", st.Scheduler.State, st.Uptime)
		fmt.Fprintf(&sb, "ticks: %d ok, %d failed, %d degraded\n",
			st.Scheduler.Stats.Successes, st.Scheduler.Stats.Failures, st.Scheduler.Stats.Degraded)
		fmt.Fprintf(&sb, "buffers: feed %d/%d, sense %d/%d, images %d\n",
			st.Buffers.FeedLen, st.Buffers.FeedCap, st.Buffers.SenseLen, st.Buffers.SenseCap, st.Buffers.Images)
		fmt.Fprintf(&sb, "escalation: %s, %d sent, %d failed", st.Escalation.Mode, st.Escalation.Delivered, st.Escalation.Failures)
		if st.Gateway != nil {
			fmt.Fprintf(&sb, "\ngateway: connected=%v breaker-open=%v", st.Gateway.Connected, st.Gateway.Breaker.Open)
		}
		return sb.String(), nil

	case "tick":
		status, err := o.scheduler.Tick(ctx, scheduler.ReasonManual)
		if err != nil {
			return "", err
		}
		if status != scheduler.StatusRan {
			return string(status), nil
		}
		e, _ := o.scheduler.Latest()
		return "HUD: " + logger.Truncate(e.HUD, 200), nil

	case "start", "help":
		return "Commands: /digest, /status, /tick. Other messages are added to the context feed.", nil
	}
	return "", fmt.Errorf("unknown command %q", name)
}
