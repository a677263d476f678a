package queue

import (
	"time"
)

// OperationType tags a queued mutation. The set is closed: callers pick from
// the known CRM operations, and the tag drives priority and cache
// invalidation.
type OperationType string

const (
	OpCreateCustomer            OperationType = "create_customer"
	OpUpdateCustomer            OperationType = "update_customer"
	OpUpdateCustomerTier        OperationType = "update_customer_tier"
	OpAssignTerritory           OperationType = "assign_territory"
	OpCreateSubmission          OperationType = "create_submission"
	OpUpdateSubmissionStatus    OperationType = "update_submission_status"
	OpUploadDocument            OperationType = "upload_document"
	OpRecordCampaignInteraction OperationType = "record_campaign_interaction"
	OpUpdateCampaignStatus      OperationType = "update_campaign_status"
	OpLogActivity               OperationType = "log_activity"
	OpSyncAnalytics             OperationType = "sync_analytics"
	OpUpdateMetrics             OperationType = "update_metrics"
	OpLogAuditEntry             OperationType = "log_audit_entry"
)

// Priority orders operations in the queue. It is derived once at enqueue time
// and never recomputed.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// DerivePriority maps an operation type to its fixed priority. Regulatory
// submission work and anything flagged compliance-required is critical,
// customer management is high, analytics is low, the rest is medium.
func DerivePriority(opType OperationType, complianceRequired bool) Priority {
	if complianceRequired {
		return PriorityCritical
	}
	switch opType {
	case OpCreateSubmission, OpUpdateSubmissionStatus, OpUploadDocument:
		return PriorityCritical
	case OpCreateCustomer, OpUpdateCustomer, OpUpdateCustomerTier, OpAssignTerritory:
		return PriorityHigh
	case OpSyncAnalytics, OpUpdateMetrics:
		return PriorityLow
	default:
		return PriorityMedium
	}
}

// ComplianceContext is structured regulatory metadata carried with an
// operation. It informs priority and audit logging only; the queue never
// alters it.
type ComplianceContext struct {
	SubmissionID string
	DocumentID   string
	Required     bool
}

// AuditContext identifies the acting user for server-side audit. Opaque to
// the queue.
type AuditContext struct {
	Actor         string
	Justification string
}

// Operation is a pending mutation against the remote API, generic over the
// payload type so call sites keep type safety while the queue stays
// payload-agnostic.
type Operation[T any] struct {
	ID       string
	Type     OperationType
	Priority Priority

	Payload  T
	Endpoint string
	Method   string
	Headers  map[string]string

	CreatedAt     time.Time
	LastAttemptAt time.Time
	AttemptCount  int
	MaxAttempts   int
	LastError     string

	DependsOn  []string
	Compliance *ComplianceContext
	Audit      *AuditContext
}

// ConflictStrategy names the default resolution policy attached to conflict
// records. It only informs an external resolver; the synchronizer never picks
// a winner on its own.
type ConflictStrategy string

const (
	ConflictServerWins ConflictStrategy = "server_wins"
	ConflictClientWins ConflictStrategy = "client_wins"
	ConflictManual     ConflictStrategy = "manual"
)

// ConflictRecord captures a 409 rejection: the client's intended payload next
// to the server's returned state, for external resolution.
type ConflictRecord struct {
	ID            string
	OperationID   string
	OperationType OperationType
	ClientPayload []byte
	ServerState   []byte
	Strategy      ConflictStrategy
	DetectedAt    time.Time
}

// Stats is a read-only snapshot of the live queue.
type Stats struct {
	Total    int
	Critical int
	Oldest   time.Time
}
