package audit

import (
	"time"

	"go.uber.org/zap"

	"zkhealthpass/core/types"
)

// AuditEvent represents an issuance, verification or revocation event.
type AuditEvent struct {
	Timestamp time.Time
	EventType string // e.g. "ProofVerification", "ProofIssued", "ProofRevoked"
	EntityID  string // proof or record ID
	Result    string // "success", "failure"
	Reason    string
	Metadata  map[string]string
}

// EventLogger mirrors audit events to an operational sink.
type EventLogger interface {
	LogEvent(event AuditEvent)
}

// ZapEventLogger writes audit events as structured log lines.
type ZapEventLogger struct {
	log *zap.Logger
}

func NewZapEventLogger(log *zap.Logger) EventLogger {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapEventLogger{log: log.Named("audit")}
}

func (l *ZapEventLogger) LogEvent(event AuditEvent) {
	fields := []zap.Field{
		zap.Time("ts", event.Timestamp),
		zap.String("event", event.EventType),
		zap.String("entity", event.EntityID),
		zap.String("result", event.Result),
	}
	if event.Reason != "" {
		fields = append(fields, zap.String("reason", event.Reason))
	}
	for k, v := range event.Metadata {
		fields = append(fields, zap.String(k, v))
	}
	l.log.Info("audit event", fields...)
}

// VerificationEvent converts a committed audit row.
func VerificationEvent(row *types.ProofVerification, reason string) AuditEvent {
	result := "failure"
	if row.Result {
		result = "success"
	}
	meta := map[string]string{
		"seq":        formatSeq(row.Seq),
		"entry_hash": row.EntryHash.String(),
	}
	if row.VerifierID != "" {
		meta["verifier"] = row.VerifierID
	}
	return AuditEvent{
		Timestamp: row.VerifiedAt,
		EventType: "ProofVerification",
		EntityID:  row.ProofID,
		Result:    result,
		Reason:    reason,
		Metadata:  meta,
	}
}
