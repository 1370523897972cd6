// Package zkproof issues zero-knowledge proofs over signed health records
// and verifies presented proofs against expiration, quota, revocation and
// the prover's own check.
package zkproof

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zkhealthpass/core"
	"zkhealthpass/core/apperr"
	"zkhealthpass/core/audit"
	"zkhealthpass/core/metrics"
	"zkhealthpass/core/prover"
	"zkhealthpass/core/types"
)

// IssuerStore is the persistence the issuer needs.
type IssuerStore interface {
	GetRecord(id string) (*types.HealthRecord, error)
	GetAuthority(id string) (*types.Authority, error)
	InsertProof(ctx context.Context, p *types.ZkProof) error
}

// IssueOptions bound a new proof. Zero ExpiresIn means no expiry; nil
// MaxUsage means unlimited verifications.
type IssueOptions struct {
	ExpiresIn time.Duration
	MaxUsage  *int
}

type Issuer struct {
	store   IssuerStore
	prover  prover.Prover
	metrics *metrics.Metrics
	events  audit.EventLogger
	log     *zap.Logger
	now     func() time.Time
}

func NewIssuer(store IssuerStore, p prover.Prover, m *metrics.Metrics, events audit.EventLogger, log *zap.Logger) *Issuer {
	if log == nil {
		log = zap.NewNop()
	}
	if events == nil {
		events = audit.NewZapEventLogger(log)
	}
	return &Issuer{
		store:   store,
		prover:  p,
		metrics: m,
		events:  events,
		log:     log.Named("issuer"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// GenerateForRecord loads the record and its authority, which must be
// active, and issues a proof.
func (i *Issuer) GenerateForRecord(ctx context.Context, recordID string, opts IssueOptions) (*types.ZkProof, error) {
	rec, err := i.store.GetRecord(recordID)
	if err != nil {
		return nil, err
	}
	auth, err := i.store.GetAuthority(rec.AuthorityID)
	if err != nil {
		return nil, err
	}
	if !auth.IsActive {
		return nil, apperr.Newf(apperr.KindNotFound, "no active authority %s for record %s", auth.ID, rec.ID)
	}
	return i.Generate(ctx, rec, auth.PublicKey, opts)
}

// Generate runs the prover over the record's stored signature and persists
// the resulting proof. The prover runs without any storage lock held.
func (i *Issuer) Generate(ctx context.Context, rec *types.HealthRecord, authorityPublicKey string, opts IssueOptions) (*types.ZkProof, error) {
	if rec.IsRevoked {
		return nil, apperr.Newf(apperr.KindForbidden, "health record %s is revoked", rec.ID)
	}
	if !rec.IsSigned() {
		return nil, apperr.Newf(apperr.KindBadInput, "health record %s is not signed", rec.ID)
	}
	if opts.ExpiresIn < 0 {
		return nil, apperr.New(apperr.KindBadInput, "expiry must be positive")
	}
	if opts.MaxUsage != nil && *opts.MaxUsage < 0 {
		return nil, apperr.New(apperr.KindBadInput, "max usage must not be negative")
	}

	pub, err := core.ParsePublicKey(authorityPublicKey)
	if err != nil {
		return nil, err
	}
	vk := pub.SerializeUncompressed()
	x, y, err := core.PublicKeyCoordinates(vk)
	if err != nil {
		return nil, err
	}
	if !core.IsSignatureNormalized(rec.SignatureS[:]) {
		return nil, apperr.Newf(apperr.KindCryptographic, "health record %s carries a high-S signature", rec.ID)
	}

	in := prover.Inputs{
		MessageHash: rec.MessageHash,
		PubKeyX:     x,
		PubKeyY:     y,
		SignatureR:  rec.SignatureR,
		SignatureS:  rec.SignatureS,
	}
	start := time.Now()
	proofData, err := i.prover.Prove(ctx, in)
	i.metrics.ObserveProver(time.Since(start))
	if err != nil {
		reason := prover.FailureReason(err)
		i.metrics.ProverFailed(reason)
		i.log.Warn("prover failed", zap.String("record_id", rec.ID), zap.String("reason", reason), zap.Error(err))
		return nil, fmt.Errorf("generate proof: %w", err)
	}

	now := i.now()
	p := &types.ZkProof{
		ID:              uuid.NewString(),
		HealthRecordID:  rec.ID,
		ProofData:       proofData,
		VerificationKey: vk,
		ProofType:       types.ECDSASignatureVerification,
		GeneratedAt:     now,
		UsageCount:      0,
	}
	if opts.ExpiresIn > 0 {
		exp := now.Add(opts.ExpiresIn)
		p.ExpiresAt = &exp
	}
	if opts.MaxUsage != nil {
		limit := *opts.MaxUsage
		p.MaxUsage = &limit
	}
	if err := i.store.InsertProof(ctx, p); err != nil {
		return nil, err
	}

	i.metrics.ProofIssued()
	i.events.LogEvent(audit.AuditEvent{
		Timestamp: now,
		EventType: "ProofIssued",
		EntityID:  p.ID,
		Result:    "success",
		Metadata:  map[string]string{"record_id": rec.ID},
	})
	return p, nil
}
