package persistence

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/fintide/ledgerpilot/internal/domain"
)

// LogAuditSink writes audit events as structured log lines. Shipping the log
// stream gives at-least-once delivery; consumers dedupe on event id.
type LogAuditSink struct {
	log zerolog.Logger
}

// NewLogAuditSink creates a sink over a logger.
func NewLogAuditSink(log zerolog.Logger) *LogAuditSink {
	return &LogAuditSink{log: log.With().Str("component", "audit").Logger()}
}

// Append emits the event.
func (s *LogAuditSink) Append(ev domain.AuditEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		payload = []byte(`"unserializable"`)
	}
	s.log.Info().
		Str("event_id", ev.ID).
		Str("tenant_id", ev.TenantID).
		Str("kind", ev.Kind).
		Time("at", ev.At).
		RawJSON("payload", payload).
		Msg("audit")
	return nil
}

var _ AuditSink = (*LogAuditSink)(nil)
