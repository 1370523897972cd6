package types

import (
	"encoding/json"
	"strings"
	"time"

	"zkhealthpass/core/apperr"
	"zkhealthpass/types/ids"
)

// RecordKind tags the variant of a HealthRecord.
type RecordKind string

const (
	Vaccination      RecordKind = "vaccination"
	TestResult       RecordKind = "test_result"
	MedicalClearance RecordKind = "medical_clearance"
	ImmunityProof    RecordKind = "immunity_proof"
)

// RecordKinds lists every kind in declaration order.
var RecordKinds = []RecordKind{Vaccination, TestResult, MedicalClearance, ImmunityProof}

// ParseRecordKind accepts the stored snake_case names and the CamelCase
// names used by the offline input templates, plus their short forms.
func ParseRecordKind(s string) (RecordKind, error) {
	switch strings.TrimSpace(s) {
	case "vaccination", "Vaccination":
		return Vaccination, nil
	case "test_result", "TestResult", "test":
		return TestResult, nil
	case "medical_clearance", "MedicalClearance", "clearance":
		return MedicalClearance, nil
	case "immunity_proof", "ImmunityProof", "immunity":
		return ImmunityProof, nil
	}
	return "", apperr.Newf(apperr.KindBadInput, "unknown record kind %q", s)
}

type AuthorityKind string

const (
	Hospital   AuthorityKind = "hospital"
	Clinic     AuthorityKind = "clinic"
	Laboratory AuthorityKind = "laboratory"
	Government AuthorityKind = "government"
	Pharmacy   AuthorityKind = "pharmacy"
	University AuthorityKind = "university"
)

func ParseAuthorityKind(s string) (AuthorityKind, error) {
	k := AuthorityKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case Hospital, Clinic, Laboratory, Government, Pharmacy, University:
		return k, nil
	}
	return "", apperr.Newf(apperr.KindBadInput, "unknown authority kind %q", s)
}

// Authority is an issuer of health records. PublicKey is secp256k1 hex.
type Authority struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Kind        AuthorityKind `json:"kind"`
	PublicKey   string        `json:"publicKey"`
	Certificate string        `json:"certificate,omitempty"`
	IsActive    bool          `json:"isActive"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// HealthRecord holds zeroed signature fields until it is signed.
type HealthRecord struct {
	ID                string          `json:"id"`
	OwnerID           string          `json:"ownerId"`
	AuthorityID       string          `json:"authorityId"`
	Kind              RecordKind      `json:"kind"`
	PatientIdentifier string          `json:"patientIdentifier"`
	Details           json.RawMessage `json:"details"`
	IssueDate         time.Time       `json:"issueDate"`
	ExpiryDate        *time.Time      `json:"expiryDate,omitempty"`
	SignatureR        ids.ID          `json:"signatureR"`
	SignatureS        ids.ID          `json:"signatureS"`
	MessageHash       ids.ID          `json:"messageHash"`
	IsRevoked         bool            `json:"isRevoked"`
	CreatedAt         time.Time       `json:"createdAt"`
	UpdatedAt         time.Time       `json:"updatedAt"`
}

func (r *HealthRecord) IsSigned() bool {
	return !r.MessageHash.IsZero()
}

// CanonicalDate is the issue date as it appears in the signed message.
func (r *HealthRecord) CanonicalDate() string {
	return r.IssueDate.UTC().Format(DateLayout)
}

const DateLayout = "2006-01-02"

type ProofType string

const ECDSASignatureVerification ProofType = "ecdsa_signature_verification"

type ProofState string

const (
	ProofActive    ProofState = "active"
	ProofExpired   ProofState = "expired"
	ProofExhausted ProofState = "exhausted"
)

// ZkProof is an issued proof over one signed HealthRecord.
// UsageCount never exceeds *MaxUsage when MaxUsage is set.
type ZkProof struct {
	ID              string     `json:"id"`
	HealthRecordID  string     `json:"healthRecordId"`
	ProofData       []byte     `json:"proofData"`
	VerificationKey []byte     `json:"verificationKey"`
	ProofType       ProofType  `json:"proofType"`
	GeneratedAt     time.Time  `json:"generatedAt"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	UsageCount      int        `json:"usageCount"`
	MaxUsage        *int       `json:"maxUsage,omitempty"`
}

// IsExpired reports now > ExpiresAt. The boundary instant is still valid.
func (p *ZkProof) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && now.After(*p.ExpiresAt)
}

func (p *ZkProof) QuotaExhausted() bool {
	return p.MaxUsage != nil && p.UsageCount >= *p.MaxUsage
}

func (p *ZkProof) State(now time.Time) ProofState {
	switch {
	case p.IsExpired(now):
		return ProofExpired
	case p.QuotaExhausted():
		return ProofExhausted
	default:
		return ProofActive
	}
}

// ProofVerification is one audit row. Rows are append-only and linked by
// PrevHash/EntryHash into a single chain ordered by Seq.
type ProofVerification struct {
	ID         string          `json:"id"`
	ProofID    string          `json:"proofId"`
	VerifierID string          `json:"verifierId,omitempty"`
	Result     bool            `json:"result"`
	Context    json.RawMessage `json:"context,omitempty"`
	SourceIP   string          `json:"sourceIp,omitempty"`
	UserAgent  string          `json:"userAgent,omitempty"`
	VerifiedAt time.Time       `json:"verifiedAt"`
	Seq        uint64          `json:"seq"`
	PrevHash   ids.ID          `json:"prevHash"`
	EntryHash  ids.ID          `json:"entryHash"`
}

type RevocationStatus string

const (
	RevocationValid   RevocationStatus = "valid"
	RevocationRevoked RevocationStatus = "revoked"
	RevocationUnknown RevocationStatus = "unknown"
)
