package zkproof

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zkhealthpass/core/apperr"
	"zkhealthpass/core/audit"
	"zkhealthpass/core/metrics"
	"zkhealthpass/core/prover"
	"zkhealthpass/core/storage"
	"zkhealthpass/core/types"
)

// VerifierStore is the persistence the verifier needs.
type VerifierStore interface {
	FindProof(proofData, verificationKey []byte) (*types.ZkProof, error)
	GetProof(id string) (*types.ZkProof, error)
	GetRecord(id string) (*types.HealthRecord, error)
	GetAuthority(id string) (*types.Authority, error)
	UpdateProof(ctx context.Context, id string, fn func(*types.ZkProof) error) (*types.ZkProof, error)
	CommitVerification(ctx context.Context, proofID string, passed bool, row types.ProofVerification) (storage.CommitResult, error)
	audit.Reader
	ListProofsForRecord(recordID string) ([]types.ZkProof, error)
}

// VerifyRequest is one presentation of a proof. Everything except the
// proof pair is optional audit metadata.
type VerifyRequest struct {
	ProofData       []byte
	VerificationKey []byte
	Context         json.RawMessage
	VerifierID      string
	SourceIP        string
	UserAgent       string
}

type Details struct {
	RecordKind       types.RecordKind       `json:"recordKind,omitempty"`
	IssueDate        string                 `json:"issueDate,omitempty"`
	AuthorityName    string                 `json:"authorityName,omitempty"`
	IsExpired        bool                   `json:"isExpired"`
	UsageExceeded    bool                   `json:"usageExceeded"`
	RevocationStatus types.RevocationStatus `json:"revocationStatus"`
}

type Result struct {
	IsValid    bool      `json:"isValid"`
	ProofID    string    `json:"proofId,omitempty"`
	VerifiedAt time.Time `json:"verifiedAt"`
	AuditSeq   uint64    `json:"auditSeq,omitempty"`
	Details    Details   `json:"details"`
}

type Verifier struct {
	store    VerifierStore
	verifier prover.Verifier
	metrics  *metrics.Metrics
	events   audit.EventLogger
	trail    *audit.Log
	log      *zap.Logger
	now      func() time.Time
}

func NewVerifier(store VerifierStore, v prover.Verifier, m *metrics.Metrics, events audit.EventLogger, log *zap.Logger) *Verifier {
	if log == nil {
		log = zap.NewNop()
	}
	if events == nil {
		events = audit.NewZapEventLogger(log)
	}
	return &Verifier{
		store:    store,
		verifier: v,
		metrics:  m,
		events:   events,
		trail:    audit.NewLog(store),
		log:      log.Named("verifier"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// VerifyEncoded decodes base64 proof and key and verifies them.
func (v *Verifier) VerifyEncoded(ctx context.Context, proofB64, keyB64 string, req VerifyRequest) (Result, error) {
	proofData, err := base64.StdEncoding.DecodeString(strings.TrimSpace(proofB64))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindBadInput, "proof data is not valid base64", err)
	}
	vk, err := base64.StdEncoding.DecodeString(strings.TrimSpace(keyB64))
	if err != nil {
		return Result{}, apperr.Wrap(apperr.KindBadInput, "verification key is not valid base64", err)
	}
	req.ProofData = proofData
	req.VerificationKey = vk
	return v.Verify(ctx, req)
}

// Verify looks up the proof by its exact (proof data, verification key)
// pair and evaluates all four checks. Any attempt against a known proof is
// audited; if the audit commit fails the caller gets the error, never a
// result. Empty proof data or key matches nothing and yields the same
// negative result as an unknown proof.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (Result, error) {
	var reqContext json.RawMessage
	if len(req.Context) > 0 {
		// Stored rows hold compacted JSON; the chain hash must see the same bytes.
		var buf bytes.Buffer
		if err := json.Compact(&buf, req.Context); err != nil {
			return Result{}, apperr.Wrap(apperr.KindBadInput, "verification context is not valid JSON", err)
		}
		reqContext = buf.Bytes()
	}

	now := v.now()
	var (
		p   *types.ZkProof
		err error
	)
	if len(req.ProofData) == 0 || len(req.VerificationKey) == 0 {
		err = apperr.New(apperr.KindNotFound, "empty proof data or verification key")
	} else {
		p, err = v.store.FindProof(req.ProofData, req.VerificationKey)
	}
	if apperr.IsKind(err, apperr.KindNotFound) {
		v.metrics.Verification(metrics.ResultUnknown)
		return Result{
			IsValid:    false,
			VerifiedAt: now,
			Details:    Details{RevocationStatus: types.RevocationUnknown},
		}, nil
	}
	if err != nil {
		return Result{}, err
	}

	details := Details{
		IsExpired:     p.IsExpired(now),
		UsageExceeded: p.QuotaExhausted(),
	}
	revocationOK, err := v.checkRecord(p, &details)
	if err != nil {
		return Result{}, err
	}
	cryptoOK, err := v.verifier.Verify(ctx, p.ProofData, p.VerificationKey)
	if err != nil {
		v.log.Warn("proof verifier failed", zap.String("proof_id", p.ID), zap.Error(err))
		cryptoOK = false
	}

	passed := !details.IsExpired && !details.UsageExceeded && revocationOK && cryptoOK
	row := types.ProofVerification{
		ID:         uuid.NewString(),
		VerifierID: req.VerifierID,
		Context:    reqContext,
		SourceIP:   req.SourceIP,
		UserAgent:  req.UserAgent,
		VerifiedAt: now,
	}
	committed, err := v.store.CommitVerification(ctx, p.ID, passed, row)
	if err != nil {
		return Result{}, fmt.Errorf("commit verification: %w", err)
	}
	if committed.QuotaConsumed {
		details.UsageExceeded = true
	}

	result := metrics.ResultInvalid
	if committed.Passed {
		result = metrics.ResultValid
	}
	v.metrics.Verification(result)
	if details.UsageExceeded {
		v.metrics.UsageExhausted()
	}
	v.events.LogEvent(audit.VerificationEvent(&committed.Row, failureReason(details, revocationOK, cryptoOK, committed.Passed)))

	return Result{
		IsValid:    committed.Passed,
		ProofID:    p.ID,
		VerifiedAt: now,
		AuditSeq:   committed.Row.Seq,
		Details:    details,
	}, nil
}

// checkRecord fills the record-derived details and reports whether the
// revocation check passes. A missing record fails the check.
func (v *Verifier) checkRecord(p *types.ZkProof, details *Details) (bool, error) {
	rec, err := v.store.GetRecord(p.HealthRecordID)
	if apperr.IsKind(err, apperr.KindNotFound) {
		details.RevocationStatus = types.RevocationUnknown
		return false, nil
	}
	if err != nil {
		return false, err
	}
	details.RecordKind = rec.Kind
	details.IssueDate = rec.CanonicalDate()
	if auth, err := v.store.GetAuthority(rec.AuthorityID); err == nil {
		details.AuthorityName = auth.Name
	} else if !apperr.IsKind(err, apperr.KindNotFound) {
		return false, err
	}
	if rec.IsRevoked {
		details.RevocationStatus = types.RevocationRevoked
		return false, nil
	}
	details.RevocationStatus = types.RevocationValid
	return true, nil
}

func failureReason(d Details, revocationOK, cryptoOK, passed bool) string {
	if passed {
		return ""
	}
	var reasons []string
	if d.IsExpired {
		reasons = append(reasons, "expired")
	}
	if d.UsageExceeded {
		reasons = append(reasons, "usage_exceeded")
	}
	if !revocationOK {
		reasons = append(reasons, "record_"+string(d.RevocationStatus))
	}
	if !cryptoOK {
		reasons = append(reasons, "proof_rejected")
	}
	return strings.Join(reasons, ",")
}

// Revoke freezes a proof by setting max_usage to its current usage_count.
// Calling it again is a no-op.
func (v *Verifier) Revoke(ctx context.Context, proofID string) (*types.ZkProof, error) {
	p, err := v.store.UpdateProof(ctx, proofID, func(p *types.ZkProof) error {
		limit := p.UsageCount
		p.MaxUsage = &limit
		return nil
	})
	if err != nil {
		return nil, err
	}
	v.events.LogEvent(audit.AuditEvent{
		Timestamp: v.now(),
		EventType: "ProofRevoked",
		EntityID:  p.ID,
		Result:    "success",
		Metadata:  map[string]string{"usage_count": fmt.Sprint(p.UsageCount)},
	})
	return p, nil
}

func (v *Verifier) Get(_ context.Context, proofID string) (*types.ZkProof, error) {
	return v.store.GetProof(proofID)
}

// History returns the audit rows recorded against a proof, oldest first.
func (v *Verifier) History(_ context.Context, proofID string) ([]types.ProofVerification, error) {
	if _, err := v.store.GetProof(proofID); err != nil {
		return nil, err
	}
	return v.trail.ForProof(proofID)
}

// ListForRecord returns the proofs issued for a record, newest first.
func (v *Verifier) ListForRecord(_ context.Context, recordID string) ([]types.ZkProof, error) {
	if _, err := v.store.GetRecord(recordID); err != nil {
		return nil, err
	}
	return v.store.ListProofsForRecord(recordID)
}
