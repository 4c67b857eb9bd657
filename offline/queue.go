package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/warp/folio-engine/lock"
	"github.com/warp/folio-engine/metrics"
	"github.com/warp/folio-engine/retry"
)

// =============================================================================
// CONNECTIVITY
// =============================================================================

type Connectivity interface {
	Online() bool
}

// Link is a settable connectivity flag. Going online fires OnOnline.
type Link struct {
	online   atomic.Bool
	mu       sync.Mutex
	onOnline []func()
}

func NewLink(online bool) *Link {
	l := &Link{}
	l.online.Store(online)
	return l
}

func (l *Link) Online() bool { return l.online.Load() }

func (l *Link) Set(online bool) {
	was := l.online.Swap(online)
	if online && !was {
		l.mu.Lock()
		hooks := append([]func(){}, l.onOnline...)
		l.mu.Unlock()
		for _, fn := range hooks {
			fn()
		}
	}
}

// OnOnline registers fn to run on every offline -> online transition.
func (l *Link) OnOnline(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onOnline = append(l.onOnline, fn)
}

// =============================================================================
// QUEUE
// =============================================================================

type Config struct {
	MaxRetries  int           // default 5
	Retention   time.Duration // default 7 days
	Interval    time.Duration // default 30s
	Concurrency int           // sessions drained in parallel, default 4
	Backoff     retry.Policy  // delay before a failed operation is retried
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:  5,
		Retention:   7 * 24 * time.Hour,
		Interval:    30 * time.Second,
		Concurrency: 4,
		Backoff:     retry.Default(),
	}
}

type Queue struct {
	store    Store
	deliver  Deliverer
	conn     Connectivity
	locks    lock.TryLocker
	cfg      Config
	metrics  *metrics.Recorder
	sessions *SessionCache
	settled  func(Operation, error)
	log      *slog.Logger
	now      func() time.Time

	// scheduler
	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

type Option func(*Queue)

func WithLocks(l lock.TryLocker) Option { return func(q *Queue) { q.locks = l } }
func WithMetrics(m *metrics.Recorder) Option { return func(q *Queue) { q.metrics = m } }
func WithLogger(l *slog.Logger) Option { return func(q *Queue) { q.log = l } }
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }
func WithConnectivity(c Connectivity) Option { return func(q *Queue) { q.conn = c } }
func WithSessions(c *SessionCache) Option { return func(q *Queue) { q.sessions = c } }

// WithSettled registers fn to run once an operation reaches a final
// outcome: synced (nil error) or permanently failed.
func WithSettled(fn func(op Operation, err error)) Option {
	return func(q *Queue) { q.settled = fn }
}

func NewQueue(store Store, deliver Deliverer, cfg Config, opts ...Option) *Queue {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.Backoff.BaseDelay <= 0 {
		cfg.Backoff = def.Backoff
	}
	q := &Queue{
		store:   store,
		deliver: deliver,
		cfg:     cfg,
		log:     slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
		trigger: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.conn == nil {
		q.conn = NewLink(true)
	}
	if q.locks == nil {
		q.locks = lock.NewKeyed(0)
	}
	q.log = q.log.With("component", "offline_queue")
	return q
}

// Enqueue persists an operation as pending. When connectivity is up the
// session is drained immediately, so the returned operation may already
// be synced (or failed).
func (q *Queue) Enqueue(ctx context.Context, sessionID, opType string, payload any, priority int) (*Operation, error) {
	return q.EnqueueWithID(ctx, uuid.NewString(), sessionID, opType, payload, priority)
}

// EnqueueWithID is Enqueue with a caller-chosen operation id, so callers
// can register interest in the outcome before delivery can start.
func (q *Queue) EnqueueWithID(ctx context.Context, id, sessionID, opType string, payload any, priority int) (*Operation, error) {
	if id == "" || sessionID == "" || opType == "" {
		return nil, fmt.Errorf("%w: id, session id and type are required", ErrInvalidOperation)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}
	op := &Operation{
		ID:        id,
		SessionID: sessionID,
		Type:      opType,
		Payload:   raw,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: q.now(),
	}
	if err := q.store.InsertOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to persist operation: %w", err)
	}
	q.log.Debug("operation queued", "op_id", op.ID, "session_id", sessionID, "type", opType, "seq", op.Seq)

	if !q.conn.Online() {
		return op, nil
	}
	if _, err := q.drainSession(ctx, sessionID); err != nil {
		q.log.Warn("immediate delivery failed", "op_id", op.ID, "error", err)
	}
	return q.store.GetOperation(ctx, op.ID)
}

// Drain delivers every deliverable operation. Sessions with the highest
// pending priority are started first; up to Concurrency sessions run in
// parallel. Cancelling ctx stops each session between operations.
func (q *Queue) Drain(ctx context.Context) (DrainReport, error) {
	ops, err := q.store.UnsyncedOperations(ctx)
	if err != nil {
		return DrainReport{}, err
	}
	sessions := sessionOrder(ops)

	var (
		mu     sync.Mutex
		report DrainReport
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(q.cfg.Concurrency)
	for _, sid := range sessions {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			r, err := q.drainSession(gctx, sid)
			mu.Lock()
			report.add(r)
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()
	q.recordDepth(context.WithoutCancel(ctx))

	if report.Delivered > 0 || report.Failed > 0 {
		q.log.Info("queue drained", "report", report.String())
	}
	if err == nil {
		err = ctx.Err()
	}
	return report, err
}

// drainSession delivers one session's operations in Seq order, stopping at
// the first operation that fails or is not yet due for retry.
func (q *Queue) drainSession(ctx context.Context, sessionID string) (DrainReport, error) {
	lease, ok, err := q.locks.TryAcquire(ctx, lock.SessionKey(sessionID))
	if err != nil {
		return DrainReport{}, err
	}
	if !ok {
		return DrainReport{Busy: 1}, nil
	}
	defer lease.Release(context.WithoutCancel(ctx))

	ops, err := q.store.OperationsBySession(ctx, sessionID)
	if err != nil {
		return DrainReport{}, err
	}
	report := DrainReport{Sessions: 1}
	var waiting []Operation
	for _, op := range ops {
		if op.Status != StatusSynced {
			waiting = append(waiting, op)
		}
	}

	for i, op := range waiting {
		if err := ctx.Err(); err != nil {
			report.Blocked += len(waiting) - i
			return report, err
		}
		now := q.now()
		if op.PermanentlyFailed || (op.NextAttemptAt != nil && now.Before(*op.NextAttemptAt)) {
			report.Blocked += len(waiting) - i
			return report, nil
		}

		if err := q.attempt(ctx, &op); err != nil {
			return report, err
		}
		if op.Status != StatusSynced {
			report.Failed++
			report.Blocked += len(waiting) - i - 1
			return report, nil
		}
		report.Delivered++
	}
	return report, nil
}

// attempt delivers one operation and persists the outcome. The delivery
// itself is not cancelled by ctx; only storage errors are returned.
func (q *Queue) attempt(ctx context.Context, op *Operation) error {
	start := q.now()
	op.Status = StatusSyncing
	op.LastAttemptAt = &start
	if err := q.store.UpdateOperation(ctx, *op); err != nil {
		return err
	}

	derr := q.deliver.Deliver(context.WithoutCancel(ctx), *op)
	done := q.now()
	persistCtx := context.WithoutCancel(ctx)

	if derr == nil {
		op.Status = StatusSynced
		op.SyncedAt = &done
		op.LastError = ""
		op.NextAttemptAt = nil
		q.metrics.Delivery("synced")
		if err := q.store.UpdateOperation(persistCtx, *op); err != nil {
			return err
		}
		q.settle(*op, nil)
		return nil
	}

	op.Status = StatusFailed
	op.RetryCount++
	op.LastError = derr.Error()
	if IsPermanent(derr) || op.RetryCount >= q.cfg.MaxRetries {
		op.PermanentlyFailed = true
		op.NextAttemptAt = nil
		q.metrics.Delivery("permanent")
		q.log.Warn("operation permanently failed",
			"op_id", op.ID, "session_id", op.SessionID, "type", op.Type,
			"retries", op.RetryCount, "error", derr)
	} else {
		next := done.Add(q.cfg.Backoff.Delay(op.RetryCount))
		op.NextAttemptAt = &next
		q.metrics.Delivery("failed")
		q.log.Info("operation delivery failed",
			"op_id", op.ID, "session_id", op.SessionID, "type", op.Type,
			"retries", op.RetryCount, "next_attempt_at", next, "error", derr)
	}
	if err := q.store.UpdateOperation(persistCtx, *op); err != nil {
		return err
	}
	if op.PermanentlyFailed {
		q.settle(*op, derr)
	}
	return nil
}

func (q *Queue) settle(op Operation, err error) {
	if q.settled != nil {
		q.settled(op, err)
	}
}

// Retry clears a failed operation's failure state and, if online, drains
// its session again.
func (q *Queue) Retry(ctx context.Context, opID string) (*Operation, error) {
	op, err := q.store.GetOperation(ctx, opID)
	if err != nil {
		return nil, err
	}
	if op.Status != StatusFailed {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFailed, op.ID, op.Status)
	}
	op.Status = StatusPending
	op.RetryCount = 0
	op.PermanentlyFailed = false
	op.NextAttemptAt = nil
	if err := q.store.UpdateOperation(ctx, *op); err != nil {
		return nil, err
	}
	q.log.Info("operation reset for retry", "op_id", op.ID, "session_id", op.SessionID)
	if q.conn.Online() {
		if _, err := q.drainSession(ctx, op.SessionID); err != nil {
			return nil, err
		}
	}
	return q.store.GetOperation(ctx, op.ID)
}

// Failed returns operations that need manual intervention.
func (q *Queue) Failed(ctx context.Context) ([]Operation, error) {
	ops, err := q.store.UnsyncedOperations(ctx)
	if err != nil {
		return nil, err
	}
	var out []Operation
	for _, op := range ops {
		if op.PermanentlyFailed {
			out = append(out, op)
		}
	}
	return out, nil
}

// Sessions returns the session metadata cache, nil if none was configured.
func (q *Queue) Sessions() *SessionCache { return q.sessions }

// Session returns a session's operations in enqueue order.
func (q *Queue) Session(ctx context.Context, sessionID string) ([]Operation, error) {
	return q.store.OperationsBySession(ctx, sessionID)
}

// Purge removes synced operations older than the retention window.
func (q *Queue) Purge(ctx context.Context) (int, error) {
	n, err := q.store.PurgeSynced(ctx, q.now().Add(-q.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.log.Info("synced operations purged", "count", n, "retention", q.cfg.Retention)
	}
	return n, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	failed, err := q.Failed(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Pending:           counts[StatusPending],
		Syncing:           counts[StatusSyncing],
		Synced:            counts[StatusSynced],
		Failed:            counts[StatusFailed],
		PermanentlyFailed: len(failed),
	}, nil
}

func (q *Queue) recordDepth(ctx context.Context) {
	if q.metrics == nil {
		return
	}
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		return
	}
	for _, s := range []Status{StatusPending, StatusSyncing, StatusSynced, StatusFailed} {
		q.metrics.QueueDepth(string(s), counts[s])
	}
}

// =============================================================================
// BACKGROUND DRAIN
// =============================================================================

// Start runs drain + purge every Interval and whenever Trigger is called.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	q.running = true
	q.stop = make(chan struct{})
	q.wg.Add(1)
	go q.loop()
	q.log.Info("drain loop started", "interval", q.cfg.Interval)
}

func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.running {
		return
	}
	close(q.stop)
	q.wg.Wait()
	q.running = false
	q.log.Info("drain loop stopped")
}

// Trigger requests a drain soon. Use it for connectivity regained and
// app-visibility events. Calls coalesce while a drain is pending.
func (q *Queue) Trigger() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

func (q *Queue) loop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.cfg.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-q.stop
		cancel()
	}()

	for {
		select {
		case <-q.stop:
			return
		case <-ticker.C:
		case <-q.trigger:
		}
		q.tick(ctx)
	}
}

func (q *Queue) tick(ctx context.Context) {
	if !q.conn.Online() {
		return
	}
	if _, err := q.Drain(ctx); err != nil && ctx.Err() == nil {
		q.log.Error("drain failed", "error", err)
	}
	if _, err := q.Purge(ctx); err != nil && ctx.Err() == nil {
		q.log.Error("purge failed", "error", err)
	}
	if q.sessions != nil {
		if n, err := q.sessions.Evict(ctx); err != nil && ctx.Err() == nil {
			q.log.Error("session eviction failed", "error", err)
		} else if n > 0 {
			q.log.Info("stale session metadata evicted", "count", n)
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// sessionOrder returns session ids by highest waiting priority, then by
// the Seq of their oldest waiting operation.
func sessionOrder(ops []Operation) []string {
	type info struct {
		priority int
		first    int64
	}
	seen := make(map[string]*info)
	var ids []string
	for _, op := range ops {
		in, ok := seen[op.SessionID]
		if !ok {
			in = &info{priority: op.Priority, first: op.Seq}
			seen[op.SessionID] = in
			ids = append(ids, op.SessionID)
			continue
		}
		if op.Priority > in.priority {
			in.priority = op.Priority
		}
		if op.Seq < in.first {
			in.first = op.Seq
		}
	}
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := seen[ids[i]], seen[ids[j]]
		if a.priority != b.priority {
			return a.priority > b.priority
		}
		return a.first < b.first
	})
	return ids
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
