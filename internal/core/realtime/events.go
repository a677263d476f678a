package realtime

import (
	"encoding/json"
	"time"
)

// Event is a server-originated domain event delivered over the channel. The
// wire shape is owned by the server; payload and contexts stay opaque here.
type Event struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp,omitempty"`
	Compliance json.RawMessage `json:"compliance,omitempty"`
	Audit      json.RawMessage `json:"audit,omitempty"`
}

// Handler consumes recognized events. Handlers run on the read loop; keep
// them short.
type Handler func(event Event)

// Server event types and the cache tags each one dirties. Anything outside
// this table is logged and dropped.
var eventCacheTags = map[string][]string{
	"customer_updated":          {"customers"},
	"customer_tier_changed":     {"customers"},
	"territory_assigned":        {"customers", "territories"},
	"submission_status_changed": {"submissions"},
	"document_processed":        {"submissions", "documents"},
	"campaign_updated":          {"campaigns"},
	"activity_logged":           {"activities"},
	"analytics_refreshed":       {"analytics"},
	"compliance_alert":          {"submissions", "audit"},
}

// Recognized reports whether the event type belongs to the known set.
func Recognized(eventType string) bool {
	_, ok := eventCacheTags[eventType]
	return ok
}

// CacheTags returns the cache tags invalidated by an event type.
func CacheTags(eventType string) []string {
	return eventCacheTags[eventType]
}
