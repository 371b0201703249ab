package syncqueue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/PHiBBeRR/PulseArc-sub000/internal/errs"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/logging"
	"github.com/PHiBBeRR/PulseArc-sub000/internal/state"
)

// KeyFunc derives the deduplication key of an item.
type KeyFunc func(Item) string

type Queue struct {
	state.Tracker

	mu           sync.Mutex
	cfg          Config
	codec        codec
	entries      map[string]*entry
	heap         itemHeap
	processing   map[string]*entry
	dedup        map[string]string
	keyFn        KeyFunc
	seq          uint64
	locked       bool
	shuttingDown bool
	wake         chan struct{}
	lastPersist  time.Time

	pushed, completed, failed, retried, cancelled, duplicates uint64

	prom   *collectors
	logger *slog.Logger
	now    func() time.Time
	jitter func(n int64) int64
}

type Option func(*Queue)

// WithKeyFunc is required when deduplication is enabled.
func WithKeyFunc(fn KeyFunc) Option { return func(q *Queue) { q.keyFn = fn } }

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(q *Queue) { q.prom = newCollectors(reg) }
}

func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.logger = l } }

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// WithJitter replaces the uniform source in [0, n] used for retry jitter.
func WithJitter(fn func(n int64) int64) Option { return func(q *Queue) { q.jitter = fn } }

func New(cfg Config, opts ...Option) (*Queue, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	q := &Queue{
		cfg:        cfg,
		codec:      newCodec(cfg),
		entries:    map[string]*entry{},
		processing: map[string]*entry{},
		dedup:      map[string]string{},
		wake:       make(chan struct{}),
		now:        time.Now,
		jitter:     func(n int64) int64 { return rand.Int64N(n + 1) },
	}
	for _, opt := range opts {
		opt(q)
	}
	if cfg.EnableDeduplication && q.keyFn == nil {
		return nil, errs.Config("deduplication requires a key function", "enable_deduplication")
	}
	if q.prom == nil {
		q.prom = newCollectors(nil)
	}
	q.logger = logging.Or(q.logger)
	return q, nil
}

func (q *Queue) Config() Config { return q.cfg }

func (q *Queue) Name() string { return "sync_queue" }

// Initialize restores the snapshot at PersistencePath, if one exists.
func (q *Queue) Initialize(context.Context) error {
	q.Set(state.Initializing)
	if q.cfg.PersistencePath != "" {
		if _, err := q.Restore(q.cfg.PersistencePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			q.Set(state.Error)
			return err
		}
	}
	q.Set(state.Running)
	return nil
}

// Shutdown stops accepting work and persists what is left. Items still
// being processed are cancelled when their worker reports a failure.
func (q *Queue) Shutdown(context.Context) error {
	q.Set(state.ShuttingDown)
	q.mu.Lock()
	q.shuttingDown = true
	q.broadcastLocked()
	q.mu.Unlock()
	if q.cfg.PersistencePath != "" {
		if err := q.Persist(); err != nil {
			q.Set(state.Error)
			return err
		}
	}
	q.Set(state.Shutdown)
	return nil
}

func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) activeLocked() int {
	n := 0
	for _, e := range q.entries {
		if !e.item.terminal() {
			n++
		}
	}
	return n
}

func (q *Queue) admitLocked() error {
	if q.shuttingDown {
		return errs.TaskCancelled("sync_queue", "queue is shutting down")
	}
	if q.locked {
		return errs.Lock("queue is locked for maintenance", "sync_queue")
	}
	return nil
}

func (q *Queue) prepareLocked(it *Item) error {
	if it.ID == "" {
		return errs.Validation("id", "item id is required", "")
	}
	if _, exists := q.entries[it.ID]; exists {
		return errs.Validation("id", "item id already queued", it.ID)
	}
	now := q.now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	it.UpdatedAt = now
	if it.MaxRetries == 0 {
		it.MaxRetries = DefaultMaxRetries
	}
	it.Priority = PriorityFromInt(int(it.Priority))
	if it.Status == "" || it.Status == StatusProcessing {
		it.Status = StatusPending
	}
	return nil
}

func (q *Queue) insertLocked(it Item) {
	q.seq++
	e := &entry{item: it, seq: q.seq}
	q.entries[it.ID] = e
	heap.Push(&q.heap, e)
	if q.cfg.EnableDeduplication {
		q.dedup[q.keyFn(it)] = it.ID
	}
	q.pushed++
	q.prom.pushed.Inc()
}

func (q *Queue) duplicateLocked(it Item) bool {
	if !q.cfg.EnableDeduplication {
		return false
	}
	id, ok := q.dedup[q.keyFn(it)]
	if !ok {
		return false
	}
	e, live := q.entries[id]
	return live && !e.item.terminal()
}

// Push enqueues an item. A full queue and a duplicate are Validation errors.
func (q *Queue) Push(it Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.admitLocked(); err != nil {
		return err
	}
	if q.activeLocked() >= q.cfg.MaxCapacity {
		return errs.Validation("queue", fmt.Sprintf("queue is at capacity (%d)", q.cfg.MaxCapacity), fmt.Sprint(q.cfg.MaxCapacity))
	}
	if err := q.prepareLocked(&it); err != nil {
		return err
	}
	if q.duplicateLocked(it) {
		q.duplicates++
		q.prom.duplicates.Inc()
		return errs.Validation("payload", "duplicate item", it.ID)
	}
	q.insertLocked(it)
	q.maybeCompactLocked()
	q.updateGaugesLocked()
	q.broadcastLocked()
	return nil
}

// PushBatch enqueues items, skipping duplicates. The whole batch is rejected
// if it does not fit. It returns the number of items accepted.
func (q *Queue) PushBatch(items []Item) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.admitLocked(); err != nil {
		return 0, err
	}
	if q.activeLocked()+len(items) > q.cfg.MaxCapacity {
		return 0, errs.Validation("queue", fmt.Sprintf("batch of %d exceeds capacity %d", len(items), q.cfg.MaxCapacity), fmt.Sprint(len(items)))
	}
	accepted := 0
	for _, it := range items {
		if err := q.prepareLocked(&it); err != nil {
			return accepted, err
		}
		if q.duplicateLocked(it) {
			q.duplicates++
			q.prom.duplicates.Inc()
			continue
		}
		q.insertLocked(it)
		accepted++
	}
	q.maybeCompactLocked()
	q.updateGaugesLocked()
	if accepted > 0 {
		q.broadcastLocked()
	}
	return accepted, nil
}

func (q *Queue) eligible(e *entry, nowMs int64) bool {
	switch e.item.Status {
	case StatusPending, StatusScheduled:
	case StatusFailed:
		if !e.item.CanRetry() {
			return false
		}
	default:
		return false
	}
	return e.item.NextRetryAt <= nowMs
}

// popWhereLocked removes the highest priority eligible entry matching keep.
// Terminal entries met on the way are discarded.
func (q *Queue) popWhereLocked(keep func(*entry) bool) (*entry, bool) {
	nowMs := q.now().UnixMilli()
	var skipped []*entry
	var found *entry
	for q.heap.Len() > 0 {
		e := heap.Pop(&q.heap).(*entry)
		if e.item.terminal() {
			continue
		}
		if q.eligible(e, nowMs) && keep(e) {
			found = e
			break
		}
		skipped = append(skipped, e)
	}
	for _, e := range skipped {
		heap.Push(&q.heap, e)
	}
	if found == nil {
		return nil, false
	}
	now := q.now().UTC()
	found.item.Status = StatusProcessing
	found.item.UpdatedAt = now
	found.item.ProcessingStartedAt = &now
	q.processing[found.item.ID] = found
	return found, true
}

func (q *Queue) pop(keep func(*entry) bool) (Item, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.admitLocked(); err != nil {
		return Item{}, false, err
	}
	e, ok := q.popWhereLocked(keep)
	if !ok {
		return Item{}, false, nil
	}
	q.updateGaugesLocked()
	return e.item, true, nil
}

func anyEntry(*entry) bool { return true }

// Pop hands out the next due item and marks it processing.
func (q *Queue) Pop() (Item, bool, error) { return q.pop(anyEntry) }

// PopPartition is Pop restricted to one partition.
func (q *Queue) PopPartition(p int) (Item, bool, error) {
	if !q.cfg.EnablePartitioning {
		return Item{}, false, errs.Config("partitioning is disabled", "enable_partitioning")
	}
	if p < 0 || p >= q.cfg.PartitionCount {
		return Item{}, false, errs.Validation("partition", "out of range", fmt.Sprint(p))
	}
	return q.pop(func(e *entry) bool { return q.PartitionOf(e.item) == p })
}

// PartitionOf maps the partition key onto [0, PartitionCount).
func (q *Queue) PartitionOf(it Item) int {
	if q.cfg.PartitionCount <= 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(it.PartitionKey))
	return int(h.Sum32() % uint32(q.cfg.PartitionCount))
}

// PopBatch pops up to n items, bounded by the configured batch size.
func (q *Queue) PopBatch(n int) ([]Item, error) {
	if n <= 0 || n > q.cfg.BatchSize {
		n = q.cfg.BatchSize
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.admitLocked(); err != nil {
		return nil, err
	}
	var out []Item
	for len(out) < n {
		e, ok := q.popWhereLocked(anyEntry)
		if !ok {
			break
		}
		out = append(out, e.item)
	}
	q.updateGaugesLocked()
	return out, nil
}

// PopWait blocks until an item is due, timeout elapses or ctx is done.
func (q *Queue) PopWait(ctx context.Context, timeout time.Duration) (Item, bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		q.mu.Lock()
		if err := q.admitLocked(); err != nil {
			q.mu.Unlock()
			return Item{}, false, err
		}
		e, ok := q.popWhereLocked(anyEntry)
		wake := q.wake
		next := q.nextDueLocked()
		if ok {
			q.updateGaugesLocked()
			q.mu.Unlock()
			return e.item, true, nil
		}
		q.mu.Unlock()

		var retryTimer *time.Timer
		var retryC <-chan time.Time
		if next > 0 {
			retryTimer = time.NewTimer(next)
			retryC = retryTimer.C
		}
		var err error
		done := false
		select {
		case <-ctx.Done():
			err, done = errs.FromContext(ctx.Err(), "pop_wait"), true
		case <-deadline.C:
			done = true
		case <-wake:
		case <-retryC:
		}
		if retryTimer != nil {
			retryTimer.Stop()
		}
		if done {
			return Item{}, false, err
		}
	}
}

// nextDueLocked returns how long until the earliest scheduled retry.
func (q *Queue) nextDueLocked() time.Duration {
	nowMs := q.now().UnixMilli()
	best := int64(0)
	for _, e := range q.heap {
		if e.item.NextRetryAt > nowMs && (best == 0 || e.item.NextRetryAt < best) {
			best = e.item.NextRetryAt
		}
	}
	if best == 0 {
		return 0
	}
	return time.Duration(best-nowMs) * time.Millisecond
}

func (q *Queue) finishProcessingLocked(e *entry) {
	delete(q.processing, e.item.ID)
	if e.item.ProcessingStartedAt != nil {
		e.item.ProcessingDuration = q.now().Sub(*e.item.ProcessingStartedAt)
		q.prom.latency.Observe(e.item.ProcessingDuration.Seconds())
	}
}

func (q *Queue) releaseKeyLocked(e *entry) {
	if !q.cfg.EnableDeduplication {
		return
	}
	key := q.keyFn(e.item)
	if q.dedup[key] == e.item.ID {
		delete(q.dedup, key)
	}
}

func (q *Queue) MarkCompleted(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.processing[id]
	if !ok {
		return errs.NotFound("sync_item", id)
	}
	q.finishProcessingLocked(e)
	e.item.Status = StatusCompleted
	e.item.Error = ""
	e.item.UpdatedAt = q.now().UTC()
	q.releaseKeyLocked(e)
	q.completed++
	q.prom.completed.Inc()
	q.updateGaugesLocked()
	return nil
}

// MarkFailed records a failed attempt and reports whether the item will be
// retried. During shutdown the item is cancelled instead and TaskCancelled
// is returned.
func (q *Queue) MarkFailed(id string, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.processing[id]
	if !ok {
		return false, errs.NotFound("sync_item", id)
	}
	q.finishProcessingLocked(e)
	now := q.now().UTC()
	e.item.UpdatedAt = now
	if cause != nil {
		e.item.Error = cause.Error()
	}
	q.failed++
	q.prom.failed.Inc()

	if q.shuttingDown {
		e.item.Status = StatusCancelled
		q.releaseKeyLocked(e)
		q.cancelled++
		q.prom.cancelled.Inc()
		q.updateGaugesLocked()
		return false, errs.TaskCancelled(id, "queue is shutting down")
	}

	e.item.RetryCount++
	e.item.Status = StatusFailed
	if !e.item.CanRetry() {
		q.releaseKeyLocked(e)
		q.updateGaugesLocked()
		q.logger.Warn("sync item exhausted retries", "item_id", id, "retries", e.item.RetryCount, "error", e.item.Error)
		return false, nil
	}
	e.item.NextRetryAt = now.UnixMilli() + q.retryDelay(e.item.RetryCount).Milliseconds()
	heap.Push(&q.heap, e)
	q.retried++
	q.prom.retried.Inc()
	q.updateGaugesLocked()
	q.broadcastLocked()
	return true, nil
}

// retryDelay is base * 2^min(n, 10) plus up to a quarter of that as jitter,
// capped at MaxRetryDelay.
func (q *Queue) retryDelay(n int) time.Duration {
	baseMs := q.cfg.BaseRetryDelay.Milliseconds()
	if baseMs < 1 {
		baseMs = 1
	}
	if n > 10 {
		n = 10
	}
	backoff := baseMs << uint(n)
	delay := backoff + q.jitter(backoff/4)
	d := time.Duration(delay) * time.Millisecond
	if q.cfg.MaxRetryDelay > 0 && d > q.cfg.MaxRetryDelay {
		d = q.cfg.MaxRetryDelay
	}
	return d
}

// Cancel stops an item from being delivered. Processing items can be
// cancelled too; their later acknowledgement is rejected.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return errs.NotFound("sync_item", id)
	}
	if e.item.terminal() {
		return errs.Validation("status", "item already finished", string(e.item.Status))
	}
	delete(q.processing, id)
	e.item.Status = StatusCancelled
	e.item.UpdatedAt = q.now().UTC()
	q.releaseKeyLocked(e)
	q.cancelled++
	q.prom.cancelled.Inc()
	q.maybeCompactLocked()
	q.updateGaugesLocked()
	return nil
}

// CancelWhere cancels every queued item that match selects. Items already
// handed to a consumer are left alone. It returns the number cancelled.
func (q *Queue) CancelWhere(match func(Item) bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	now := q.now().UTC()
	for id, e := range q.entries {
		if e.item.terminal() || !match(e.item) {
			continue
		}
		if _, busy := q.processing[id]; busy {
			continue
		}
		e.item.Status = StatusCancelled
		e.item.UpdatedAt = now
		q.releaseKeyLocked(e)
		q.cancelled++
		q.prom.cancelled.Inc()
		n++
	}
	if n > 0 {
		q.maybeCompactLocked()
		q.updateGaugesLocked()
	}
	return n
}

// Peek returns the next due item without claiming it.
func (q *Queue) Peek() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	nowMs := q.now().UnixMilli()
	var best *entry
	for _, e := range q.heap {
		if e.item.terminal() || !q.eligible(e, nowMs) {
			continue
		}
		if best == nil || (itemHeap{e, best}).Less(0, 1) {
			best = e
		}
	}
	if best == nil {
		return Item{}, false
	}
	return best.item, true
}

// Len counts items waiting for delivery, excluding those being processed.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.activeLocked() - len(q.processing)
}

func (q *Queue) Item(id string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[id]
	if !ok {
		return Item{}, errs.NotFound("sync_item", id)
	}
	return e.item, nil
}

func (q *Queue) ItemsByStatus(s Status) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for _, e := range q.entries {
		if e.item.Status == s {
			out = append(out, e.item)
		}
	}
	sortItems(out)
	return out
}

func (q *Queue) Processing() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.processing))
	for _, e := range q.processing {
		out = append(out, e.item)
	}
	sortItems(out)
	return out
}

func sortItems(items []Item) {
	h := make(itemHeap, len(items))
	for i := range items {
		h[i] = &entry{item: items[i], seq: uint64(i)}
	}
	sortHeap(h)
	for i := range h {
		items[i] = h[i].item
	}
}

func sortHeap(h itemHeap) {
	for i := 1; i < len(h); i++ {
		for j := i; j > 0 && h.Less(j, j-1); j-- {
			h[j], h[j-1] = h[j-1], h[j]
		}
	}
}

// Clear drops every item, including those being processed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = map[string]*entry{}
	q.processing = map[string]*entry{}
	q.dedup = map[string]string{}
	q.heap = nil
	q.updateGaugesLocked()
	return n
}

func (q *Queue) Lock() {
	q.mu.Lock()
	q.locked = true
	q.mu.Unlock()
}

func (q *Queue) Unlock() {
	q.mu.Lock()
	q.locked = false
	q.broadcastLocked()
	q.mu.Unlock()
}

func (q *Queue) maybeCompactLocked() {
	if q.cfg.HeapCleanupThreshold <= 0 || q.heap.Len() <= q.cfg.HeapCleanupThreshold {
		return
	}
	q.compactLocked()
}

// compactLocked rebuilds the heap without cancelled or completed entries.
func (q *Queue) compactLocked() int {
	kept := q.heap[:0]
	removed := 0
	for _, e := range q.heap {
		if e.item.Status == StatusCancelled || e.item.Status == StatusCompleted {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	for i := len(kept); i < len(q.heap); i++ {
		q.heap[i] = nil
	}
	q.heap = kept
	for i, e := range q.heap {
		e.index = i
	}
	heap.Init(&q.heap)
	return removed
}

type MaintenanceReport struct {
	Expired   int `json:"expired"`
	Compacted int `json:"compacted"`
}

// RunMaintenance drops terminal items older than the retention period and
// compacts the heap.
func (q *Queue) RunMaintenance() MaintenanceReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	var rep MaintenanceReport
	cutoff := q.now().Add(-q.cfg.RetentionPeriod)
	for id, e := range q.entries {
		if e.item.terminal() && e.item.UpdatedAt.Before(cutoff) {
			delete(q.entries, id)
			rep.Expired++
		}
	}
	rep.Compacted = q.compactLocked()
	q.updateGaugesLocked()
	return rep
}

func (q *Queue) updateGaugesLocked() {
	q.prom.processing.Set(float64(len(q.processing)))
	q.prom.depth.Set(float64(q.activeLocked() - len(q.processing)))
}

func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := Metrics{
		Processing: len(q.processing),
		Capacity:   q.cfg.MaxCapacity,
		Pushed:     q.pushed,
		Completed:  q.completed,
		Failed:     q.failed,
		Retried:    q.retried,
		Cancelled:  q.cancelled,
		Duplicates: q.duplicates,
		ByPriority: map[string]int{},
		ByStatus:   map[string]int{},
	}
	for _, e := range q.entries {
		m.ByStatus[string(e.item.Status)]++
		if !e.item.terminal() {
			m.ByPriority[e.item.Priority.String()]++
		}
	}
	m.Size = q.activeLocked() - len(q.processing)
	if !q.lastPersist.IsZero() {
		m.LastPersist = q.lastPersist.UTC().Format(time.RFC3339)
	}
	return m
}

type Health struct {
	Healthy     bool     `json:"healthy"`
	Issues      []string `json:"issues,omitempty"`
	Utilization float64  `json:"utilization"`
}

func (q *Queue) HealthCheck() Health {
	q.mu.Lock()
	defer q.mu.Unlock()
	h := Health{Utilization: float64(q.activeLocked()) / float64(q.cfg.MaxCapacity)}
	if h.Utilization >= 0.9 {
		h.Issues = append(h.Issues, fmt.Sprintf("queue %.0f%% full", h.Utilization*100))
	}
	if q.locked {
		h.Issues = append(h.Issues, "queue locked")
	}
	if q.shuttingDown {
		h.Issues = append(h.Issues, "queue shutting down")
	}
	if q.cfg.PersistencePath != "" && !q.lastPersist.IsZero() &&
		q.now().Sub(q.lastPersist) > 3*q.cfg.PersistenceInterval {
		h.Issues = append(h.Issues, "snapshot is stale")
	}
	h.Healthy = len(h.Issues) == 0
	return h
}

// Persist writes every unfinished item to PersistencePath. Items being
// processed are saved as pending so a restart delivers them again.
func (q *Queue) Persist() error {
	if q.cfg.PersistencePath == "" {
		return errs.Config("persistence path is not configured", "persistence_path")
	}
	q.mu.Lock()
	items := make([]Item, 0, len(q.entries))
	for _, e := range q.entries {
		if e.item.terminal() {
			continue
		}
		it := e.item
		if it.Status == StatusProcessing {
			it.Status = StatusPending
			it.ProcessingStartedAt = nil
		}
		items = append(items, it)
	}
	now := q.now().UTC()
	q.mu.Unlock()

	sortItems(items)
	data, err := q.codec.encode(items, now)
	if err != nil {
		return err
	}
	if err := writeAtomic(q.cfg.PersistencePath, data); err != nil {
		return err
	}
	q.mu.Lock()
	q.lastPersist = now
	q.mu.Unlock()
	return nil
}

// Restore loads a snapshot and enqueues its items, skipping ids already
// present. It returns the number restored.
func (q *Queue) Restore(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	items, err := q.codec.decode(data)
	if err != nil {
		return 0, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	restored := 0
	for _, it := range items {
		if _, exists := q.entries[it.ID]; exists {
			continue
		}
		if err := q.prepareLocked(&it); err != nil {
			continue
		}
		q.insertLocked(it)
		restored++
	}
	q.updateGaugesLocked()
	if restored > 0 {
		q.broadcastLocked()
	}
	return restored, nil
}

// Run persists and cleans up on the configured intervals until ctx is done.
func (q *Queue) Run(ctx context.Context) error {
	var persistC <-chan time.Time
	if q.cfg.PersistencePath != "" && q.cfg.PersistenceInterval > 0 {
		t := time.NewTicker(q.cfg.PersistenceInterval)
		defer t.Stop()
		persistC = t.C
	}
	var cleanupC <-chan time.Time
	if q.cfg.CleanupInterval > 0 {
		t := time.NewTicker(q.cfg.CleanupInterval)
		defer t.Stop()
		cleanupC = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-persistC:
			if err := q.Persist(); err != nil {
				q.logger.Error("sync queue persist failed", "path", q.cfg.PersistencePath, "error", err)
			}
		case <-cleanupC:
			rep := q.RunMaintenance()
			if rep.Expired > 0 || rep.Compacted > 0 {
				q.logger.Debug("sync queue maintenance", "expired", rep.Expired, "compacted", rep.Compacted)
			}
		}
	}
}
