// Package pagination extends a task's history backward, one page at a time.
package pagination

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dohr-michael/tasklink/clients/rest"
	"github.com/dohr-michael/tasklink/internal/events"
	"github.com/dohr-michael/tasklink/internal/messages"
	"github.com/dohr-michael/tasklink/internal/metrics"
	"github.com/dohr-michael/tasklink/internal/stream"
)

// DefaultPageSize is used when no page size is configured.
const DefaultPageSize = 50

// Lister returns a task's records ordered oldest to newest.
type Lister interface {
	ListRecords(ctx context.Context, params rest.ListParams) ([]messages.Record, error)
}

// Controller loads older pages for any task.
type Controller struct {
	table    *stream.Table
	lister   Lister
	merger   stream.Merger
	bus      *events.Bus
	pageSize int

	mu       sync.Mutex
	inflight map[messages.TaskID]bool
}

// New creates a Controller. merger folds the newest page of a task that has
// no sequenced message yet; bus may be nil.
func New(table *stream.Table, lister Lister, merger stream.Merger, bus *events.Bus, pageSize int) *Controller {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Controller{
		table:    table,
		lister:   lister,
		merger:   merger,
		bus:      bus,
		pageSize: pageSize,
		inflight: make(map[messages.TaskID]bool),
	}
}

// LoadOlder fetches the page strictly before the oldest sequenced message of
// the task and merges it as settled history. It returns how many messages were
// added and whether older history may remain. Calls made while a load is in
// flight for the task, or after history is exhausted, do nothing.
//
// Without a sequenced message there is no anchor: the newest page is fetched
// and reconciled, since it may hold executions that are still running.
func (c *Controller) LoadOlder(ctx context.Context, taskID messages.TaskID) (int, bool, error) {
	st := c.table.GetOrCreate(taskID)
	if !st.HasMore() {
		return 0, false, nil
	}
	if !c.begin(taskID) {
		slog.Debug("history page already loading", "task_id", taskID)
		return 0, true, nil
	}
	defer c.end(taskID)

	params := rest.ListParams{
		TaskID:           int64(taskID),
		Limit:            c.pageSize,
		BeforeSequenceID: st.MinSequenceID(),
	}
	records, err := c.lister.ListRecords(ctx, params)
	if err != nil {
		return 0, true, fmt.Errorf("list records for task %d: %w", taskID, err)
	}
	metrics.HistoryPages.Inc()

	var added int
	if params.BeforeSequenceID == 0 {
		added = c.mergeNewest(st, records)
	} else {
		history := make([]messages.Message, 0, len(records))
		for _, rec := range records {
			if rec.SequenceID >= params.BeforeSequenceID {
				continue
			}
			history = append(history, rec.ToHistoryMessage())
		}
		added = st.MergeHistory(history)
	}

	hasMore := len(records) >= c.pageSize
	st.SetHasMore(hasMore)

	slog.Debug("history page loaded", "task_id", taskID, "before", params.BeforeSequenceID,
		"records", len(records), "added", added, "has_more", hasMore)
	if c.bus != nil {
		c.bus.Publish(events.NewEvent(taskID, events.HistoryLoadedPayload{Added: added, HasMore: hasMore}))
	}
	return added, hasMore, nil
}

func (c *Controller) mergeNewest(st *stream.State, records []messages.Record) int {
	if c.merger != nil {
		return st.Merge(c.merger, records).Inserted
	}
	history := make([]messages.Message, 0, len(records))
	for _, rec := range records {
		if rec.IsSettled() {
			history = append(history, rec.ToHistoryMessage())
		}
	}
	return st.MergeHistory(history)
}

// IsLoading reports whether a page is being fetched for taskID.
func (c *Controller) IsLoading(taskID messages.TaskID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[taskID]
}

func (c *Controller) begin(taskID messages.TaskID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight[taskID] {
		return false
	}
	c.inflight[taskID] = true
	return true
}

func (c *Controller) end(taskID messages.TaskID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, taskID)
}
