// Package reconcile merges authoritative backend records into a task's local
// messages without losing state the backend has not caught up with yet.
package reconcile

import (
	"log/slog"

	"github.com/dohr-michael/tasklink/internal/identity"
	"github.com/dohr-michael/tasklink/internal/messages"
	"github.com/dohr-michael/tasklink/internal/metrics"
	"github.com/dohr-michael/tasklink/internal/stream"
)

// Reconciler implements stream.Merger.
type Reconciler struct {
	resolver identity.Resolver
}

// New returns a Reconciler.
func New() *Reconciler {
	return &Reconciler{}
}

var _ stream.Merger = (*Reconciler)(nil)

// Merge returns the union of records (ordered oldest to newest) and existing
// messages:
//   - every record is present, merged into its local equivalent when one exists;
//   - matched local messages are replaced by the merged copy, so optimistic
//     duplicates disappear;
//   - unmatched local messages are kept, in-flight or not. Nothing carrying a
//     sequence id is ever dropped.
func (r *Reconciler) Merge(existing []messages.Message, records []messages.Record) ([]messages.Message, stream.MergeReport) {
	var report stream.MergeReport

	claimed := make(map[int]bool, len(records))
	out := make([]messages.Message, 0, len(existing)+len(records))
	seen := make(map[string]bool, len(existing)+len(records))

	for _, rec := range records {
		idx, kind := r.resolver.Match(rec, existing, claimed)
		if kind == identity.NoMatch {
			m := rec.ToMessage()
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, m)
			report.Inserted++
			continue
		}

		claimed[idx] = true
		local := existing[idx]
		merged := mergeOne(local, rec, kind, &report)
		if seen[merged.ID] {
			continue
		}
		seen[merged.ID] = true
		out = append(out, merged)
	}

	for i, m := range existing {
		if claimed[i] || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
		report.Preserved++
	}

	messages.Sort(out)
	metrics.ReconcileRecords.WithLabelValues("inserted").Add(float64(report.Inserted))
	metrics.ReconcileRecords.WithLabelValues("matched").Add(float64(report.Matched))
	metrics.ReconcileRecords.WithLabelValues("superseded").Add(float64(report.Superseded))
	metrics.ReconcileRecords.WithLabelValues("conflict").Add(float64(report.Conflicts))
	return out, report
}

// mergeOne overlays rec on its local equivalent. The backend wins for content,
// sequence id and status, except that status never moves backwards and a
// record that is still running never shortens live streamed content.
func mergeOne(local messages.Message, rec messages.Record, kind identity.MatchKind, report *stream.MergeReport) messages.Message {
	report.Matched++

	auth := rec.ToMessage()
	if rec.Role != "" && local.Role != rec.Role {
		report.Conflicts++
		slog.Warn("reconcile role conflict, keeping backend role",
			"exec_id", rec.ExecID, "local_role", local.Role, "backend_role", rec.Role)
	}

	if local.HasSequence() && local.SequenceID == auth.SequenceID &&
		local.Status.IsTerminal() && local.Status == auth.Status && local.Role == auth.Role {
		report.Unchanged++
		return local
	}

	if local.IsOptimistic() {
		report.Superseded++
		slog.Debug("optimistic message superseded", "id", local.ID, "match", kind.String(), "sequence_id", auth.SequenceID)
	}

	merged := auth
	merged.ID = local.ID

	switch {
	case !auth.Status.IsTerminal() && local.Status == messages.StatusStreaming:
		if len(local.Content) > len(auth.Content) {
			merged.Content = local.Content
		}
		merged.Status = messages.StatusStreaming
	case local.Status.IsTerminal() && !auth.Status.IsTerminal():
		// Stale snapshot of an execution that already settled locally.
		merged.Status = local.Status
		merged.Content = local.Content
		merged.Error = local.Error
	case local.IsOptimistic():
		// Superseded: the backend copy replaces the local one wholesale.
	case !messages.CanTransition(auth.Role, local.Status, auth.Status) && local.Role == auth.Role:
		merged.Status = local.Status
		merged.Error = local.Error
	}

	if !merged.HasSequence() {
		merged.SequenceID = local.SequenceID
	}
	if merged.Timestamp.IsZero() {
		merged.Timestamp = local.Timestamp
	}
	if merged.Sender == nil {
		merged.Sender = local.Sender
	}
	if merged.Attachments == nil {
		merged.Attachments = local.Attachments
	}
	if merged.Result == nil {
		merged.Result = local.Result
	}
	return merged.Clone()
}
