// Package queue implements the offline operation queue and its synchronizer:
// mutations created while the field client is disconnected are held in
// priority order and replayed against the remote API when connectivity
// returns.
package queue

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// EnqueueOption customizes a single enqueue call.
type EnqueueOption func(*enqueueOptions)

type enqueueOptions struct {
	headers    map[string]string
	dependsOn  []string
	compliance *ComplianceContext
	audit      *AuditContext
}

// WithHeaders attaches extra HTTP headers to the replayed request.
func WithHeaders(headers map[string]string) EnqueueOption {
	return func(o *enqueueOptions) { o.headers = headers }
}

// WithDependsOn links the operation to others that must succeed first. The
// links are advisory: ordering is still priority-driven.
func WithDependsOn(ids ...string) EnqueueOption {
	return func(o *enqueueOptions) { o.dependsOn = ids }
}

// WithCompliance attaches regulatory metadata. A compliance-required flag
// lifts the operation to critical priority.
func WithCompliance(ctx ComplianceContext) EnqueueOption {
	return func(o *enqueueOptions) { o.compliance = &ctx }
}

// WithAudit attaches actor metadata for server-side audit.
func WithAudit(ctx AuditContext) EnqueueOption {
	return func(o *enqueueOptions) { o.audit = &ctx }
}

// Queue holds pending operations in stable priority order: a new operation is
// inserted before the first existing operation of strictly lower priority, so
// equal priorities preserve enqueue order.
type Queue[T any] struct {
	mu          sync.RWMutex
	ops         []*Operation[T]
	maxAttempts int
	clk         clock.Clock
}

// NewQueue builds a queue. maxAttempts bounds retries for every operation;
// values below 1 fall back to the default of 3.
func NewQueue[T any](maxAttempts int, clk clock.Clock) *Queue[T] {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Queue[T]{maxAttempts: maxAttempts, clk: clk}
}

// Enqueue appends a mutation and returns its id. Enqueue always succeeds;
// there is no validation failure mode.
func (q *Queue[T]) Enqueue(opType OperationType, payload T, endpoint, method string, opts ...EnqueueOption) string {
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	complianceRequired := o.compliance != nil && o.compliance.Required
	op := &Operation[T]{
		ID:          uuid.NewString(),
		Type:        opType,
		Priority:    DerivePriority(opType, complianceRequired),
		Payload:     payload,
		Endpoint:    endpoint,
		Method:      method,
		Headers:     o.headers,
		CreatedAt:   q.clk.Now(),
		MaxAttempts: q.maxAttempts,
		DependsOn:   o.dependsOn,
		Compliance:  o.compliance,
		Audit:       o.audit,
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	at := len(q.ops)
	for i, existing := range q.ops {
		if existing.Priority < op.Priority {
			at = i
			break
		}
	}
	q.ops = append(q.ops, nil)
	copy(q.ops[at+1:], q.ops[at:])
	q.ops[at] = op

	return op.ID
}

// Remove drops an operation by id.
func (q *Queue[T]) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, op := range q.ops {
		if op.ID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the live operation with the given id.
func (q *Queue[T]) Get(id string) (*Operation[T], bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	for _, op := range q.ops {
		if op.ID == id {
			return op, true
		}
	}
	return nil, false
}

// RecordFailure stamps attempt bookkeeping on an operation and returns the
// updated attempt count alongside the retry cap. ok is false when the
// operation has already left the queue.
func (q *Queue[T]) RecordFailure(id string, at time.Time, errMsg string) (attempts, maxAttempts int, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, op := range q.ops {
		if op.ID == id {
			op.AttemptCount++
			op.LastAttemptAt = at
			op.LastError = errMsg
			return op.AttemptCount, op.MaxAttempts, true
		}
	}
	return 0, 0, false
}

// Snapshot returns the live operations in queue order. The slice is a copy;
// the operations are shared.
func (q *Queue[T]) Snapshot() []*Operation[T] {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*Operation[T], len(q.ops))
	copy(out, q.ops)
	return out
}

// Len returns the number of pending operations.
func (q *Queue[T]) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.ops)
}

// Stats summarizes the live queue.
func (q *Queue[T]) Stats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	st := Stats{Total: len(q.ops)}
	for _, op := range q.ops {
		if op.Priority == PriorityCritical {
			st.Critical++
		}
		if st.Oldest.IsZero() || op.CreatedAt.Before(st.Oldest) {
			st.Oldest = op.CreatedAt
		}
	}
	return st
}

// Clear drops every pending operation.
func (q *Queue[T]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = nil
}
