package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Asim971/pharmaflow-sync/internal/core/dispatch"
	"github.com/Asim971/pharmaflow-sync/internal/core/observability/log"
	"github.com/Asim971/pharmaflow-sync/internal/core/transport"
)

// Config holds synchronizer settings.
type Config struct {
	SyncInterval         time.Duration `json:"sync_interval" yaml:"sync_interval"`
	BatchSize            int           `json:"batch_size" yaml:"batch_size"`
	MaxAttempts          int           `json:"max_attempts" yaml:"max_attempts"`
	MaxConnectionRetries int           `json:"max_connection_retries" yaml:"max_connection_retries"`
	RequestTimeout       time.Duration `json:"request_timeout" yaml:"request_timeout"`

	ConflictStrategy ConflictStrategy `json:"conflict_strategy" yaml:"conflict_strategy"`
}

// DefaultConfig returns the stock synchronizer configuration.
func DefaultConfig() Config {
	return Config{
		SyncInterval:         30 * time.Second,
		BatchSize:            10,
		MaxAttempts:          3,
		MaxConnectionRetries: 5,
		RequestTimeout:       15 * time.Second,
		ConflictStrategy:     ConflictServerWins,
	}
}

// Invalidator is the slice of the cache store the synchronizer needs: a synced
// mutation invalidates the read caches for its domain.
type Invalidator interface {
	InvalidateByTags(tags ...string)
}

// SyncStats aggregates queue and synchronizer state for observability.
type SyncStats struct {
	Queue         Stats
	Conflicts     int
	Corrupted     int
	Online        bool
	ProbeFailures int
}

// Synchronizer drains the operation queue when the remote API is reachable.
// Only one drain pass runs at a time; operations enqueued mid-drain wait for
// the next pass.
type Synchronizer[T any] struct {
	cfg       Config
	queue     *Queue[T]
	transport transport.Client
	cache     Invalidator
	clk       clock.Clock
	logger    log.Log
	sink      dispatch.Sink

	isDraining atomic.Bool

	mu            sync.Mutex
	online        bool
	probeFailures int
	conflicts     []ConflictRecord
	corrupted     map[string]*Operation[T]

	stop     chan struct{}
	stopOnce sync.Once
}

// NewSynchronizer wires a synchronizer around a fresh queue. cache may be nil
// when no invalidation is wanted.
func NewSynchronizer[T any](cfg Config, tr transport.Client, cache Invalidator, clk clock.Clock, logger log.Log, sink dispatch.Sink) *Synchronizer[T] {
	def := DefaultConfig()
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = def.SyncInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.MaxConnectionRetries <= 0 {
		cfg.MaxConnectionRetries = def.MaxConnectionRetries
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ConflictStrategy == "" {
		cfg.ConflictStrategy = def.ConflictStrategy
	}
	if clk == nil {
		clk = clock.New()
	}
	if sink == nil {
		sink = dispatch.Nop{}
	}

	return &Synchronizer[T]{
		cfg:       cfg,
		queue:     NewQueue[T](cfg.MaxAttempts, clk),
		transport: tr,
		cache:     cache,
		clk:       clk,
		logger:    logger.With(log.String("component", "synchronizer")),
		sink:      sink,
		corrupted: make(map[string]*Operation[T]),
		stop:      make(chan struct{}),
	}
}

// Queue exposes the underlying operation queue.
func (s *Synchronizer[T]) Queue() *Queue[T] {
	return s.queue
}

// Enqueue records a mutation for eventual delivery and returns its id. When
// the client believes it is online, a drain is kicked off opportunistically so
// the operation does not wait for the next timer tick.
func (s *Synchronizer[T]) Enqueue(opType OperationType, payload T, endpoint, method string, opts ...EnqueueOption) string {
	id := s.queue.Enqueue(opType, payload, endpoint, method, opts...)

	s.sink.Dispatch(dispatch.NewEvent("queue.operation_enqueued", "synchronizer", id))
	s.logger.Debug("operation enqueued",
		log.String("operation_id", id),
		log.String("type", string(opType)))

	s.mu.Lock()
	online := s.online
	s.mu.Unlock()
	if online {
		go s.Drain(context.Background())
	}
	return id
}

// Drain attempts to deliver every pending operation. It is re-entrant safe: a
// concurrent call while a pass is running is a no-op, as is a call while the
// probe-failure ceiling is reached or the queue is empty.
func (s *Synchronizer[T]) Drain(ctx context.Context) {
	if !s.isDraining.CompareAndSwap(false, true) {
		return
	}
	defer s.isDraining.Store(false)

	s.mu.Lock()
	paused := s.probeFailures >= s.cfg.MaxConnectionRetries
	s.mu.Unlock()
	if paused || s.queue.Len() == 0 {
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	err := s.transport.Probe(probeCtx)
	cancel()
	if err != nil {
		s.mu.Lock()
		s.online = false
		s.probeFailures++
		failures := s.probeFailures
		s.mu.Unlock()

		s.logger.Warn("connectivity probe failed",
			log.Int("failures", failures), log.Error(err))
		s.sink.Dispatch(dispatch.NewEvent("queue.status_changed", "synchronizer", "offline"))
		if failures >= s.cfg.MaxConnectionRetries {
			s.logger.Error("connection retry ceiling reached, auto sync paused")
		}
		return
	}

	s.mu.Lock()
	s.online = true
	s.probeFailures = 0
	s.mu.Unlock()

	ops := s.queue.Snapshot()
	sort.SliceStable(ops, func(i, j int) bool {
		if ops[i].Priority != ops[j].Priority {
			return ops[i].Priority > ops[j].Priority
		}
		return ops[i].CreatedAt.Before(ops[j].CreatedAt)
	})

	// Batches run in order; operations inside a batch run independently so
	// one failure never blocks its siblings.
	for start := 0; start < len(ops); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(ops) {
			end = len(ops)
		}

		g := new(errgroup.Group)
		for _, op := range ops[start:end] {
			op := op
			g.Go(func() error {
				s.process(ctx, op)
				return nil
			})
		}
		_ = g.Wait()
	}

	s.sink.Dispatch(dispatch.NewEvent("queue.drain_completed", "synchronizer", s.queue.Len()))
}

func (s *Synchronizer[T]) process(ctx context.Context, op *Operation[T]) {
	body, err := json.Marshal(op.Payload)
	if err != nil {
		s.recordFailure(op, fmt.Sprintf("encode payload: %v", err))
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	resp, err := s.transport.Do(reqCtx, transport.Request{
		Method:  op.Method,
		URL:     op.Endpoint,
		Headers: op.Headers,
		Body:    body,
	})
	cancel()

	switch {
	case err != nil:
		s.recordFailure(op, err.Error())

	case resp.IsSuccess():
		s.queue.Remove(op.ID)
		if s.cache != nil {
			s.cache.InvalidateByTags(cacheTags(op.Type)...)
		}
		if op.Priority == PriorityCritical {
			s.logger.Info("compliance operation synced",
				log.String("operation_id", op.ID),
				log.String("type", string(op.Type)))
		}
		s.sink.Dispatch(dispatch.NewEvent("queue.operation_synced", "synchronizer", op.ID))

	case resp.StatusCode == http.StatusConflict:
		record := ConflictRecord{
			ID:            uuid.NewString(),
			OperationID:   op.ID,
			OperationType: op.Type,
			ClientPayload: body,
			ServerState:   resp.Body,
			Strategy:      s.cfg.ConflictStrategy,
			DetectedAt:    s.clk.Now(),
		}
		s.mu.Lock()
		s.conflicts = append(s.conflicts, record)
		s.mu.Unlock()

		s.logger.Warn("sync conflict detected",
			log.String("operation_id", op.ID),
			log.String("type", string(op.Type)))
		s.sink.Dispatch(dispatch.NewEvent("queue.conflict_detected", "synchronizer", record))

		// A conflict still counts against the retry budget.
		s.recordFailure(op, "conflict: server state diverged (409)")

	default:
		s.recordFailure(op, fmt.Sprintf("unexpected status %d", resp.StatusCode))
	}
}

// recordFailure stamps attempt bookkeeping and moves the operation to the
// corrupted set once its retry budget is spent. Exhaustion is fatal for the
// operation, never for the queue.
func (s *Synchronizer[T]) recordFailure(op *Operation[T], errMsg string) {
	attempts, maxAttempts, ok := s.queue.RecordFailure(op.ID, s.clk.Now(), errMsg)
	if !ok {
		return
	}

	if attempts >= maxAttempts {
		s.queue.Remove(op.ID)
		s.mu.Lock()
		s.corrupted[op.ID] = op
		s.mu.Unlock()

		s.logger.Error("operation retries exhausted",
			log.String("operation_id", op.ID),
			log.String("type", string(op.Type)),
			log.Int("attempts", attempts),
			log.String("last_error", errMsg))
		s.sink.Dispatch(dispatch.NewEvent("queue.operation_failed", "synchronizer", op.ID))
		return
	}

	s.logger.Debug("operation attempt failed, will retry",
		log.String("operation_id", op.ID),
		log.Int("attempts", attempts),
		log.String("error", errMsg))
}

// SetOnline records a connectivity transition from the runtime. Regaining
// connectivity resets the probe-failure counter and triggers an immediate
// drain instead of waiting for the timer.
func (s *Synchronizer[T]) SetOnline(online bool) {
	s.mu.Lock()
	was := s.online
	s.online = online
	if online {
		s.probeFailures = 0
	}
	s.mu.Unlock()

	if was == online {
		return
	}

	status := "offline"
	if online {
		status = "online"
	}
	s.logger.Info("connectivity changed", log.String("status", status))
	s.sink.Dispatch(dispatch.NewEvent("queue.status_changed", "synchronizer", status))

	if online {
		go s.Drain(context.Background())
	}
}

// ResetProbeFailures is the manual escape hatch once auto sync has paused.
func (s *Synchronizer[T]) ResetProbeFailures() {
	s.mu.Lock()
	s.probeFailures = 0
	s.mu.Unlock()
}

// Start begins the periodic drain timer.
func (s *Synchronizer[T]) Start(ctx context.Context) {
	ticker := s.clk.Ticker(s.cfg.SyncInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Drain(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the periodic drain timer.
func (s *Synchronizer[T]) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Conflicts returns a copy of the recorded conflicts, oldest first.
func (s *Synchronizer[T]) Conflicts() []ConflictRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ConflictRecord, len(s.conflicts))
	copy(out, s.conflicts)
	return out
}

// Corrupted returns the operations whose retry budget is spent. They require
// external handling, typically re-submission by the user.
func (s *Synchronizer[T]) Corrupted() []*Operation[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Operation[T], 0, len(s.corrupted))
	for _, op := range s.corrupted {
		out = append(out, op)
	}
	return out
}

// Clear is the emergency reset: pending operations, conflicts and corrupted
// markers are all dropped. Never invoked automatically.
func (s *Synchronizer[T]) Clear() {
	s.queue.Clear()
	s.mu.Lock()
	s.conflicts = nil
	s.corrupted = make(map[string]*Operation[T])
	s.mu.Unlock()

	s.logger.Warn("offline queue cleared")
	s.sink.Dispatch(dispatch.NewEvent("queue.cleared", "synchronizer", nil))
}

// Stats aggregates queue and synchronizer state.
func (s *Synchronizer[T]) Stats() SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SyncStats{
		Queue:         s.queue.Stats(),
		Conflicts:     len(s.conflicts),
		Corrupted:     len(s.corrupted),
		Online:        s.online,
		ProbeFailures: s.probeFailures,
	}
}

// cacheTags maps an operation type to the read caches it dirties.
func cacheTags(opType OperationType) []string {
	switch opType {
	case OpCreateCustomer, OpUpdateCustomer, OpUpdateCustomerTier:
		return []string{"customers"}
	case OpAssignTerritory:
		return []string{"customers", "territories"}
	case OpCreateSubmission, OpUpdateSubmissionStatus:
		return []string{"submissions"}
	case OpUploadDocument:
		return []string{"submissions", "documents"}
	case OpRecordCampaignInteraction, OpUpdateCampaignStatus:
		return []string{"campaigns"}
	case OpLogActivity:
		return []string{"activities"}
	case OpSyncAnalytics, OpUpdateMetrics:
		return []string{"analytics"}
	case OpLogAuditEntry:
		return []string{"audit"}
	default:
		return nil
	}
}
