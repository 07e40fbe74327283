// Package recovery resynchronizes task state after the client may have missed
// transport events: the view was hidden for a while or the connection dropped.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dohr-michael/tasklink/internal/events"
	"github.com/dohr-michael/tasklink/internal/gateway/ws"
	"github.com/dohr-michael/tasklink/internal/identity"
	"github.com/dohr-michael/tasklink/internal/messages"
	"github.com/dohr-michael/tasklink/internal/metrics"
	"github.com/dohr-michael/tasklink/internal/stream"
)

// Trigger names the condition that started a recovery.
type Trigger string

const (
	TriggerVisible   Trigger = "visible"
	TriggerReconnect Trigger = "reconnect"
	TriggerResync    Trigger = "resync"
	TriggerManual    Trigger = "manual"
)

// Joiner re-subscribes to a task's events.
type Joiner interface {
	JoinTask(ctx context.Context, taskID messages.TaskID) (ws.JoinTaskResult, error)
}

// DetailFetcher returns the authoritative records of a task.
type DetailFetcher interface {
	TaskDetail(ctx context.Context, taskID messages.TaskID) ([]messages.Record, error)
}

// Config holds the coordinator thresholds.
type Config struct {
	// HiddenThreshold is the minimum hidden duration that triggers recovery
	// when the view becomes visible again.
	HiddenThreshold time.Duration
	// StaleThreshold forces recovery of tasks with nothing streaming when the
	// gap is at least this long.
	StaleThreshold time.Duration
	// Parallelism bounds concurrent task recoveries.
	Parallelism int
}

// Coordinator drives recovery for every loaded task.
type Coordinator struct {
	table   *stream.Table
	maps    *identity.Maps
	joiner  Joiner
	details DetailFetcher
	merger  stream.Merger
	bus     *events.Bus
	cfg     Config

	mu             sync.Mutex
	hiddenAt       time.Time
	disconnectedAt time.Time
	recovering     map[messages.TaskID]bool
}

// New creates a Coordinator. bus may be nil.
func New(table *stream.Table, maps *identity.Maps, joiner Joiner, details DetailFetcher, merger stream.Merger, bus *events.Bus, cfg Config) *Coordinator {
	if cfg.HiddenThreshold <= 0 {
		cfg.HiddenThreshold = 3 * time.Second
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 30 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Coordinator{
		table:      table,
		maps:       maps,
		joiner:     joiner,
		details:    details,
		merger:     merger,
		bus:        bus,
		cfg:        cfg,
		recovering: make(map[messages.TaskID]bool),
	}
}

// Hidden records that the view went to the background at the given instant.
func (c *Coordinator) Hidden(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hiddenAt.IsZero() {
		c.hiddenAt = at
	}
}

// Visible records that the view came back and recovers every task when it
// was hidden for at least the hidden threshold.
func (c *Coordinator) Visible(ctx context.Context, at time.Time) error {
	c.mu.Lock()
	since := c.hiddenAt
	c.hiddenAt = time.Time{}
	c.mu.Unlock()

	if since.IsZero() {
		return nil
	}
	gap := at.Sub(since)
	if gap < c.cfg.HiddenThreshold {
		slog.Debug("visible after short gap, skipping recovery", "gap", gap)
		return nil
	}
	return c.RecoverAll(ctx, TriggerVisible, gap)
}

// Disconnected records that the transport dropped at the given instant.
func (c *Coordinator) Disconnected(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnectedAt.IsZero() {
		c.disconnectedAt = at
	}
}

// Reconnected recovers every task after a disconnection. It is a no-op when
// no disconnection was recorded.
func (c *Coordinator) Reconnected(ctx context.Context, at time.Time) error {
	c.mu.Lock()
	since := c.disconnectedAt
	c.disconnectedAt = time.Time{}
	c.mu.Unlock()

	if since.IsZero() {
		return nil
	}
	return c.RecoverAll(ctx, TriggerReconnect, at.Sub(since))
}

// RecoverAll runs RecoverTask for every loaded task with a backend id. A
// failing task does not stop the others; the first error is returned.
func (c *Coordinator) RecoverAll(ctx context.Context, trigger Trigger, gap time.Duration) error {
	var g errgroup.Group
	g.SetLimit(c.cfg.Parallelism)

	for _, taskID := range c.table.TaskIDs() {
		if taskID.IsTemporary() {
			continue
		}
		g.Go(func() error {
			_, err := c.RecoverTask(ctx, taskID, trigger, gap)
			return err
		})
	}
	return g.Wait()
}

// RecoverTask resynchronizes one task. It reports whether a recovery ran:
// false when the task is already recovering, unknown or not warranted.
// Subscriptions belong to a connection, so a reconnect always re-joins even
// when the refetch is not warranted. On failure the task's state is left as
// it was.
func (c *Coordinator) RecoverTask(ctx context.Context, taskID messages.TaskID, trigger Trigger, gap time.Duration) (bool, error) {
	st, ok := c.table.Get(taskID)
	if !ok {
		return false, nil
	}
	refetch := c.warranted(st, trigger, gap)
	if !refetch && trigger != TriggerReconnect {
		metrics.Recoveries.WithLabelValues(string(trigger), "not_warranted").Inc()
		return false, nil
	}
	if !c.begin(taskID) {
		slog.Debug("recovery already running", "task_id", taskID, "trigger", trigger)
		metrics.Recoveries.WithLabelValues(string(trigger), "skipped").Inc()
		return false, nil
	}
	defer c.end(taskID)

	ctx = events.ContextWithTaskID(ctx, taskID)
	if !refetch {
		if err := c.rejoin(ctx, st); err != nil {
			slog.Warn("rejoin failed", "task_id", taskID, "error", err)
			metrics.Recoveries.WithLabelValues(string(trigger), "failed").Inc()
			return true, err
		}
		metrics.Recoveries.WithLabelValues(string(trigger), "rejoined").Inc()
		return true, nil
	}

	c.publish(taskID, events.RecoveryStatusPayload{Phase: events.RecoveryStarted, Trigger: string(trigger)})

	if err := c.recover(ctx, st); err != nil {
		slog.Warn("recovery failed", "task_id", taskID, "trigger", trigger, "error", err)
		metrics.Recoveries.WithLabelValues(string(trigger), "failed").Inc()
		c.publish(taskID, events.RecoveryStatusPayload{Phase: events.RecoveryFailed, Trigger: string(trigger), Error: err.Error()})
		return true, err
	}

	metrics.Recoveries.WithLabelValues(string(trigger), "succeeded").Inc()
	c.publish(taskID, events.RecoveryStatusPayload{Phase: events.RecoverySucceeded, Trigger: string(trigger)})
	return true, nil
}

// warranted reports whether the task may have missed events: something is
// still streaming or the gap is long enough for a terminal event to be lost.
// Scheduled and manual recoveries always run.
func (c *Coordinator) warranted(st *stream.State, trigger Trigger, gap time.Duration) bool {
	if trigger == TriggerManual || trigger == TriggerResync {
		return true
	}
	return st.HasStreaming() || gap >= c.cfg.StaleThreshold
}

// IsRecovering reports whether a recovery is running for taskID.
func (c *Coordinator) IsRecovering(taskID messages.TaskID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recovering[taskID]
}

// rejoin re-subscribes to the task and seeds its in-flight execution.
func (c *Coordinator) rejoin(ctx context.Context, st *stream.State) error {
	taskID, _ := events.TaskIDFromContext(ctx)

	join, err := c.joiner.JoinTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("join task %d: %w", taskID, err)
	}
	if join.Streaming && join.ExecID != "" {
		c.maps.BindExec(join.ExecID, taskID)
		st.SeedStreaming(join.ExecID, join.CachedContent)
		slog.Debug("seeded streaming message", "task_id", taskID, "exec_id", join.ExecID, "cached_len", len(join.CachedContent))
	}
	return nil
}

// recover rejoins then overlays the task detail. A failed join does not
// stop the refetch: the detail may be reachable while the socket redials.
func (c *Coordinator) recover(ctx context.Context, st *stream.State) error {
	taskID, _ := events.TaskIDFromContext(ctx)

	if err := c.rejoin(ctx, st); err != nil {
		slog.Warn("rejoin failed, refetching detail anyway", "task_id", taskID, "error", err)
	}

	records, err := c.details.TaskDetail(ctx, taskID)
	if err != nil {
		return fmt.Errorf("fetch task %d detail: %w", taskID, err)
	}
	report := st.Merge(c.merger, records)
	slog.Info("task recovered", "task_id", taskID,
		"inserted", report.Inserted, "matched", report.Matched, "preserved", report.Preserved)
	c.publish(taskID, events.TaskSyncedPayload{
		Inserted:   report.Inserted,
		Matched:    report.Matched,
		Superseded: report.Superseded,
		Preserved:  report.Preserved,
		Conflicts:  report.Conflicts,
	})
	return nil
}

func (c *Coordinator) begin(taskID messages.TaskID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recovering[taskID] {
		return false
	}
	c.recovering[taskID] = true
	return true
}

func (c *Coordinator) end(taskID messages.TaskID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.recovering, taskID)
}

func (c *Coordinator) publish(taskID messages.TaskID, payload events.EventPayload) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(events.NewEvent(taskID, payload))
}
