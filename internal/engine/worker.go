package engine

import (
	"context"
	"time"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/audit"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/backend"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/events"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/rbac"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/retry"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/syncqueue"
)

// DrainReport counts what one Drain call did with the items it popped.
type DrainReport struct {
	Batches   int `json:"batches"`
	Sent      int `json:"sent"`
	Rejected  int `json:"rejected"`
	Retrying  int `json:"retrying"`
	Dropped   int `json:"dropped"`
	Cancelled int `json:"cancelled"`
}

// Drain ships due queue items to the backend until the queue has nothing
// due, a batch fails, or ctx ends. Items of a failed batch go back to the
// queue with backoff. On cancellation the in-flight items are cancelled.
func (e *Engine) Drain(ctx context.Context, u rbac.UserContext) (DrainReport, error) {
	var rep DrainReport
	if err := e.Authorize(u, PermQueueDrain); err != nil {
		return rep, err
	}
	if e.Backend == nil {
		return rep, errs.Config("no sync backend configured", "backend.url")
	}
	batchSize := e.Queue.Config().BatchSize
	for {
		if err := ctx.Err(); err != nil {
			return rep, errs.FromContext(err, "sync.drain")
		}
		items, err := e.Queue.PopBatch(batchSize)
		if err != nil {
			return rep, err
		}
		if len(items) == 0 {
			return rep, nil
		}
		rep.Batches++
		res, err := e.send(ctx, items)
		if err != nil {
			if ctx.Err() != nil {
				e.cancelAll(items, &rep)
				return rep, errs.FromContext(ctx.Err(), "sync.drain")
			}
			e.failAll(ctx, u, items, err, &rep)
			return rep, err
		}
		e.settle(items, res, &rep)
		if err := e.Events.Append(ctx, nil, events.SyncBatchSent, "", events.EntitySyncItem, "", u.UserID,
			events.Payload{"items": len(items), "rejected": len(res.Rejected)}); err != nil {
			e.logger().Warn("record sync batch", "error", err)
		}
		if e.Audit != nil {
			e.Audit.Log(audit.DataAccessedEvent("sync_item", "sync", len(items)), audit.SeverityInfo, auditContext(u))
		}
	}
}

// send posts one batch through the retry executor, each attempt guarded by
// the circuit breaker.
func (e *Engine) send(ctx context.Context, items []syncqueue.Item) (backend.Result, error) {
	b := backend.Batch{DeviceID: e.DeviceID, SentAt: e.now().UTC().Format(time.RFC3339)}
	for _, it := range items {
		b.Records = append(b.Records, backend.Record{
			ID:            it.ID,
			CorrelationID: it.CorrelationID,
			PartitionKey:  it.PartitionKey,
			Priority:      it.Priority.String(),
			Attempt:       it.RetryCount + 1,
			Metadata:      it.Metadata,
			Payload:       it.Payload,
		})
	}
	var res backend.Result
	op := func(ctx context.Context) error {
		call := func() error {
			r, err := e.Backend.SendBatch(ctx, b)
			res = r
			return err
		}
		if e.Breaker == nil {
			return call()
		}
		return e.Breaker.Call(call)
	}
	if e.Retry == nil {
		return res, op(ctx)
	}
	outcome, err := retry.Run(ctx, e.Retry, op)
	if outcome.Attempts > 1 {
		e.logger().Info("sync batch retried", "attempts", outcome.Attempts, "delay", outcome.TotalDelay, "ok", err == nil)
	}
	return res, err
}

func (e *Engine) settle(items []syncqueue.Item, res backend.Result, rep *DrainReport) {
	rejected := make(map[string]backend.Rejection, len(res.Rejected))
	for _, r := range res.Rejected {
		rejected[r.ID] = r
	}
	for _, it := range items {
		r, bad := rejected[it.ID]
		switch {
		case !bad:
			if err := e.Queue.MarkCompleted(it.ID); err != nil {
				e.logger().Warn("mark completed", "item_id", it.ID, "error", err)
				continue
			}
			rep.Sent++
		case r.Retryable:
			rep.Rejected++
			e.markFailed(it.ID, errs.Backend("sync_backend", r.Error, true), rep)
		default:
			rep.Rejected++
			rep.Dropped++
			if err := e.Queue.Cancel(it.ID); err != nil {
				e.logger().Warn("cancel rejected item", "item_id", it.ID, "error", err)
			}
			e.logger().Warn("sync item rejected", "item_id", it.ID, "reason", r.Error)
		}
	}
}

func (e *Engine) markFailed(id string, cause error, rep *DrainReport) {
	again, err := e.Queue.MarkFailed(id, cause)
	switch {
	case err != nil && errs.Is(err, errs.KindTaskCancelled):
		rep.Cancelled++
	case err != nil:
		e.logger().Warn("mark failed", "item_id", id, "error", err)
	case again:
		rep.Retrying++
	default:
		rep.Dropped++
	}
}

func (e *Engine) failAll(ctx context.Context, u rbac.UserContext, items []syncqueue.Item, cause error, rep *DrainReport) {
	for _, it := range items {
		e.markFailed(it.ID, cause, rep)
	}
	if err := e.Events.Append(ctx, nil, events.SyncBatchFailed, "", events.EntitySyncItem, "", u.UserID,
		events.Payload{"items": len(items), "error": cause.Error()}); err != nil {
		e.logger().Warn("record sync failure", "error", err)
	}
	if e.Audit != nil {
		e.Audit.Log(audit.ErrorOccurredEvent("sync_failed", cause.Error(), ""), audit.SeverityError, auditContext(u))
	}
	e.AuditCritical(u, "sync.drain", cause)
	e.logger().Error("sync batch failed", "items", len(items), "error", cause)
}

func (e *Engine) cancelAll(items []syncqueue.Item, rep *DrainReport) {
	for _, it := range items {
		if err := e.Queue.Cancel(it.ID); err != nil {
			e.logger().Warn("cancel in-flight item", "item_id", it.ID, "error", err)
			continue
		}
		rep.Cancelled++
	}
}
