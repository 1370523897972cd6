// Package record manages issuing authorities and the health record
// lifecycle the proof flow depends on: create, sign, revoke.
package record

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"zkhealthpass/core"
	"zkhealthpass/core/apperr"
	"zkhealthpass/core/types"
	"zkhealthpass/core/validation"
)

// Store is the persistence the record service needs.
type Store interface {
	PutAuthority(a *types.Authority) error
	GetAuthority(id string) (*types.Authority, error)
	UpdateAuthority(id string, fn func(*types.Authority) error) (*types.Authority, error)
	PutRecord(r *types.HealthRecord) error
	GetRecord(id string) (*types.HealthRecord, error)
	UpdateRecord(id string, fn func(*types.HealthRecord) error) (*types.HealthRecord, error)
}

type Service struct {
	store     Store
	engine    *core.Engine
	validator *validation.DetailsValidator
	log       *zap.Logger
	now       func() time.Time
}

func NewService(store Store, engine *core.Engine, validator *validation.DetailsValidator, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		store:     store,
		engine:    engine,
		validator: validator,
		log:       log.Named("record"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type AuthorityInput struct {
	Name        string
	Kind        string
	PublicKey   string
	Certificate string
}

// RegisterAuthority stores a new active authority. The public key is kept
// in uncompressed hex whatever form it was supplied in.
func (s *Service) RegisterAuthority(in AuthorityInput) (*types.Authority, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, apperr.New(apperr.KindBadInput, "authority name is required")
	}
	if strings.Contains(name, ":") {
		return nil, apperr.New(apperr.KindBadInput, "authority name must not contain ':'")
	}
	kind, err := types.ParseAuthorityKind(in.Kind)
	if err != nil {
		return nil, err
	}
	pub, err := core.ParsePublicKey(in.PublicKey)
	if err != nil {
		return nil, err
	}
	now := s.now()
	a := &types.Authority{
		ID:          uuid.NewString(),
		Name:        name,
		Kind:        kind,
		PublicKey:   core.SerializePublicKey(pub),
		Certificate: in.Certificate,
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.PutAuthority(a); err != nil {
		return nil, err
	}
	s.log.Info("authority registered", zap.String("authority_id", a.ID), zap.String("kind", string(kind)))
	return a, nil
}

func (s *Service) SetAuthorityActive(id string, active bool) (*types.Authority, error) {
	return s.store.UpdateAuthority(id, func(a *types.Authority) error {
		a.IsActive = active
		a.UpdatedAt = s.now()
		return nil
	})
}

func (s *Service) GetAuthority(id string) (*types.Authority, error) {
	return s.store.GetAuthority(id)
}

type CreateInput struct {
	OwnerID           string
	AuthorityID       string
	Kind              types.RecordKind
	PatientIdentifier string
	Details           json.RawMessage
	IssueDate         time.Time
	ExpiryDate        *time.Time
}

// Create stores an unsigned record issued by an active authority.
func (s *Service) Create(in CreateInput) (*types.HealthRecord, error) {
	patient := strings.TrimSpace(in.PatientIdentifier)
	if patient == "" {
		return nil, apperr.New(apperr.KindBadInput, "patient identifier is required")
	}
	if strings.Contains(patient, ":") {
		return nil, apperr.New(apperr.KindBadInput, "patient identifier must not contain ':'")
	}
	if in.IssueDate.IsZero() {
		return nil, apperr.New(apperr.KindBadInput, "issue date is required")
	}
	if in.ExpiryDate != nil && !in.ExpiryDate.After(in.IssueDate) {
		return nil, apperr.New(apperr.KindBadInput, "expiry date must be after the issue date")
	}
	if _, err := DecodeDetails(s.validator, in.Kind, in.Details); err != nil {
		return nil, err
	}
	auth, err := s.store.GetAuthority(in.AuthorityID)
	if err != nil {
		return nil, err
	}
	if !auth.IsActive {
		return nil, apperr.Newf(apperr.KindForbidden, "authority %s is not active", auth.ID)
	}

	details := in.Details
	if len(details) == 0 {
		details = json.RawMessage("{}")
	}
	now := s.now()
	r := &types.HealthRecord{
		ID:                uuid.NewString(),
		OwnerID:           in.OwnerID,
		AuthorityID:       auth.ID,
		Kind:              in.Kind,
		PatientIdentifier: patient,
		Details:           details,
		IssueDate:         in.IssueDate.UTC(),
		ExpiryDate:        in.ExpiryDate,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.PutRecord(r); err != nil {
		return nil, err
	}
	s.log.Info("health record created", zap.String("record_id", r.ID), zap.String("kind", string(r.Kind)))
	return r, nil
}

func (s *Service) Get(id string) (*types.HealthRecord, error) {
	return s.store.GetRecord(id)
}

// Sign signs the record with the issuing authority's key and overwrites any
// previous signature. The key must belong to the record's authority.
func (s *Service) Sign(recordID, privHex string) (*types.HealthRecord, core.RecordSignature, error) {
	priv, err := core.ParsePrivateKey(privHex)
	if err != nil {
		return nil, core.RecordSignature{}, err
	}

	var sig core.RecordSignature
	rec, err := s.store.UpdateRecord(recordID, func(r *types.HealthRecord) error {
		if r.IsRevoked {
			return apperr.Newf(apperr.KindForbidden, "health record %s is revoked", r.ID)
		}
		auth, err := s.store.GetAuthority(r.AuthorityID)
		if err != nil {
			return err
		}
		if !core.SamePublicKey(core.SerializePublicKey(priv.PubKey()), auth.PublicKey) {
			return apperr.New(apperr.KindForbidden, "signing key does not belong to the issuing authority")
		}
		details, err := DecodeDetails(s.validator, r.Kind, r.Details)
		if err != nil {
			return err
		}
		sig, err = s.engine.Sign(r.Kind, r.PatientIdentifier, details.SigningDetail(), r.CanonicalDate(), auth.Name, priv)
		if err != nil {
			return err
		}
		r.MessageHash = sig.MessageHash
		r.SignatureR = sig.R
		r.SignatureS = sig.S
		r.UpdatedAt = s.now()
		return nil
	})
	if err != nil {
		return nil, core.RecordSignature{}, err
	}
	if sig.Truncated {
		s.log.Warn("canonical message truncated to 32 bytes", zap.String("record_id", rec.ID), zap.Int("message_len", len(sig.CanonicalMessage)))
	}
	s.log.Info("health record signed", zap.String("record_id", rec.ID), zap.Stringer("message_hash", sig.MessageHash))
	return rec, sig, nil
}

// Revoke marks the record revoked. It is terminal and idempotent; proofs
// already issued stay stored but stop verifying.
func (s *Service) Revoke(recordID string) (*types.HealthRecord, error) {
	rec, err := s.store.UpdateRecord(recordID, func(r *types.HealthRecord) error {
		if !r.IsRevoked {
			r.IsRevoked = true
			r.UpdatedAt = s.now()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("health record revoked", zap.String("record_id", rec.ID))
	return rec, nil
}

// VerifySignature recomputes the canonical hash from the stored fields and
// checks the stored signature against the authority key.
func (s *Service) VerifySignature(recordID string) (bool, error) {
	r, err := s.store.GetRecord(recordID)
	if err != nil {
		return false, err
	}
	if !r.IsSigned() {
		return false, apperr.Newf(apperr.KindBadInput, "health record %s is not signed", r.ID)
	}
	auth, err := s.store.GetAuthority(r.AuthorityID)
	if err != nil {
		return false, err
	}
	pub, err := core.ParsePublicKey(auth.PublicKey)
	if err != nil {
		return false, err
	}
	details, err := DecodeDetails(s.validator, r.Kind, r.Details)
	if err != nil {
		return false, err
	}
	msg, err := canonicalMessage(r, details, auth.Name)
	if err != nil {
		return false, err
	}
	if core.MessageHash(msg) != r.MessageHash {
		return false, nil
	}
	return s.engine.Verify(r.MessageHash[:], r.SignatureR[:], r.SignatureS[:], pub)
}
