package zkproof

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"

	"zkhealthpass/core"
	"zkhealthpass/core/apperr"
	"zkhealthpass/core/audit"
	"zkhealthpass/core/metrics"
	"zkhealthpass/core/prover"
	"zkhealthpass/core/record"
	"zkhealthpass/core/storage"
	"zkhealthpass/core/types"
	"zkhealthpass/core/validation"
)

const fixedPrivHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

type fixture struct {
	store    *storage.Storage
	records  *record.Service
	issuer   *Issuer
	verifier *Verifier
	fake     *prover.Fake
	reg      *prometheus.Registry
	auth     *types.Authority
	privHex  string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	dek, err := storage.NewDEK()
	require.NoError(t, err)
	raw, err := storage.ParseDEK(dek)
	require.NoError(t, err)
	store, err := storage.OpenMem(raw, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	validator, err := validation.NewDetailsValidator(log)
	require.NoError(t, err)
	engine := core.NewEngine()
	records := record.NewService(store, engine, validator, log)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	fake := &prover.Fake{}

	priv, err := core.ParsePrivateKey(fixedPrivHex)
	require.NoError(t, err)
	auth, err := records.RegisterAuthority(record.AuthorityInput{
		Name:      "HealthAuthority",
		Kind:      "government",
		PublicKey: core.SerializePublicKey(priv.PubKey()),
	})
	require.NoError(t, err)

	return &fixture{
		store:    store,
		records:  records,
		issuer:   NewIssuer(store, fake, m, nil, log),
		verifier: NewVerifier(store, prover.AcceptingVerifier{}, m, nil, log),
		fake:     fake,
		reg:      reg,
		auth:     auth,
		privHex:  fixedPrivHex,
	}
}

// signedRecord creates and signs a vaccination record through the service.
func (e *fixture) signedRecord(t *testing.T) *types.HealthRecord {
	t.Helper()
	r, err := e.records.Create(record.CreateInput{
		OwnerID:           "owner-1",
		AuthorityID:       e.auth.ID,
		Kind:              types.Vaccination,
		PatientIdentifier: "Patient123",
		Details:           json.RawMessage(`{"vaccine_name":"COVID19"}`),
		IssueDate:         time.Date(2025, 9, 27, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	signed, _, err := e.records.Sign(r.ID, e.privHex)
	require.NoError(t, err)
	return signed
}

func (e *fixture) issue(t *testing.T, opts IssueOptions) (*types.HealthRecord, *types.ZkProof) {
	t.Helper()
	rec := e.signedRecord(t)
	p, err := e.issuer.GenerateForRecord(context.Background(), rec.ID, opts)
	require.NoError(t, err)
	return rec, p
}

func (e *fixture) present(p *types.ZkProof) VerifyRequest {
	return VerifyRequest{
		ProofData:       p.ProofData,
		VerificationKey: p.VerificationKey,
		Context:         json.RawMessage(`{"purpose":"boarding"}`),
		VerifierID:      "airline-1",
		SourceIP:        "192.0.2.10",
		UserAgent:       "gate-scanner/2.1",
	}
}

func usage(n int) *int { return &n }

func TestEndToEndFixedKey(t *testing.T) {
	e := newFixture(t)
	ctx := context.Background()
	priv, err := core.ParsePrivateKey(fixedPrivHex)
	require.NoError(t, err)

	sig, err := core.NewEngine().Sign(types.Vaccination, "Patient123", "COVID19_Dose1", "2025", "HealthAuthority", priv)
	require.NoError(t, err)
	padded := [32]byte{}
	copy(padded[:], "VaxRecord:Patient123_COVID19_Dose1_2025:HealthAuthority")
	assert.Equal(t, sha256.Sum256(padded[:]), [32]byte(sig.MessageHash))
	assert.True(t, core.IsSignatureNormalized(sig.S[:]))

	again, err := core.NewEngine().Sign(types.Vaccination, "Patient123", "COVID19_Dose1", "2025", "HealthAuthority", priv)
	require.NoError(t, err)
	assert.Equal(t, sig, again)

	rec := &types.HealthRecord{
		ID:                "rec-e2e",
		AuthorityID:       e.auth.ID,
		Kind:              types.Vaccination,
		PatientIdentifier: "Patient123",
		MessageHash:       sig.MessageHash,
		SignatureR:        sig.R,
		SignatureS:        sig.S,
	}
	require.NoError(t, e.store.PutRecord(rec))

	p, err := e.issuer.Generate(ctx, rec, e.auth.PublicKey, IssueOptions{MaxUsage: usage(3)})
	require.NoError(t, err)
	assert.Nil(t, p.ExpiresAt)
	assert.Zero(t, p.UsageCount)
	assert.Len(t, p.VerificationKey, core.UncompressedKeyLen)

	in := e.fake.LastInputs()
	assert.Equal(t, [32]byte(sig.MessageHash), in.MessageHash)
	x, y, err := core.PublicKeyCoordinates(priv.PubKey().SerializeUncompressed())
	require.NoError(t, err)
	assert.Equal(t, x, in.PubKeyX)
	assert.Equal(t, y, in.PubKeyY)

	for attempt := 1; attempt <= 3; attempt++ {
		res, err := e.verifier.Verify(ctx, e.present(p))
		require.NoError(t, err)
		require.True(t, res.IsValid, "attempt %d", attempt)
		assert.Equal(t, types.RevocationValid, res.Details.RevocationStatus)
		assert.Equal(t, "HealthAuthority", res.Details.AuthorityName)
	}
	res, err := e.verifier.Verify(ctx, e.present(p))
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.True(t, res.Details.UsageExceeded)

	stored, err := e.verifier.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.UsageCount)
	assert.Equal(t, types.ProofExhausted, stored.State(time.Now()))

	history, err := e.verifier.History(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, "airline-1", history[0].VerifierID)
	assert.JSONEq(t, `{"purpose":"boarding"}`, string(history[0].Context))
	assert.False(t, history[3].Result)
}

func TestConcurrentVerificationRespectsQuota(t *testing.T) {
	e := newFixture(t)
	const n = 5
	_, p := e.issue(t, IssueOptions{MaxUsage: usage(n)})

	results := make([]Result, n+5)
	var g errgroup.Group
	for i := range results {
		i := i
		g.Go(func() error {
			res, err := e.verifier.Verify(context.Background(), e.present(p))
			results[i] = res
			return err
		})
	}
	require.NoError(t, g.Wait())

	valid := 0
	for _, r := range results {
		if r.IsValid {
			valid++
		} else {
			assert.True(t, r.Details.UsageExceeded)
		}
	}
	assert.Equal(t, n, valid)

	stored, err := e.store.GetProof(p.ID)
	require.NoError(t, err)
	assert.Equal(t, n, stored.UsageCount)

	rows, err := e.store.AuditForProof(p.ID)
	require.NoError(t, err)
	assert.Len(t, rows, n+5)
}

func TestExpiredProof(t *testing.T) {
	e := newFixture(t)
	t0 := time.Date(2025, 9, 27, 8, 0, 0, 0, time.UTC)
	e.issuer.now = func() time.Time { return t0 }
	_, p := e.issue(t, IssueOptions{ExpiresIn: time.Hour})
	require.NotNil(t, p.ExpiresAt)

	e.verifier.now = func() time.Time { return *p.ExpiresAt }
	res, err := e.verifier.Verify(context.Background(), e.present(p))
	require.NoError(t, err)
	assert.True(t, res.IsValid, "valid at the boundary instant")

	e.verifier.now = func() time.Time { return p.ExpiresAt.Add(time.Second) }
	res, err = e.verifier.Verify(context.Background(), e.present(p))
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.True(t, res.Details.IsExpired)

	stored, err := e.store.GetProof(p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.UsageCount, "expired attempt must not consume quota")
}

func TestRecordRevocationPropagates(t *testing.T) {
	e := newFixture(t)
	rec, p := e.issue(t, IssueOptions{})

	_, err := e.records.Revoke(rec.ID)
	require.NoError(t, err)

	res, err := e.verifier.Verify(context.Background(), e.present(p))
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, types.RevocationRevoked, res.Details.RevocationStatus)
	assert.False(t, res.Details.UsageExceeded)

	stored, err := e.store.GetProof(p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.UsageCount, stored.UsageCount)
	assert.Nil(t, stored.MaxUsage)

	_, err = e.issuer.GenerateForRecord(context.Background(), rec.ID, IssueOptions{})
	require.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestExplicitRevoke(t *testing.T) {
	e := newFixture(t)
	ctx := context.Background()
	_, p := e.issue(t, IssueOptions{})

	res, err := e.verifier.Verify(ctx, e.present(p))
	require.NoError(t, err)
	require.True(t, res.IsValid)

	revoked, err := e.verifier.Revoke(ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, revoked.MaxUsage)
	assert.Equal(t, 1, *revoked.MaxUsage)

	again, err := e.verifier.Revoke(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, *again.MaxUsage)

	res, err = e.verifier.Verify(ctx, e.present(p))
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.True(t, res.Details.UsageExceeded)

	_, err = e.verifier.Revoke(ctx, "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUnknownProofWritesNoAudit(t *testing.T) {
	e := newFixture(t)
	_, p := e.issue(t, IssueOptions{})

	req := e.present(p)
	req.VerificationKey = []byte("some other key")
	res, err := e.verifier.Verify(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Empty(t, res.ProofID)
	assert.Equal(t, types.RevocationUnknown, res.Details.RevocationStatus)

	rows, err := e.store.AuditAll()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestCryptographicCheckIsEvaluated(t *testing.T) {
	e := newFixture(t)
	_, p := e.issue(t, IssueOptions{})

	var calls atomic.Int32
	e.verifier.verifier = prover.VerifierFunc(func(context.Context, []byte, []byte) (bool, error) {
		calls.Add(1)
		return false, nil
	})
	res, err := e.verifier.Verify(context.Background(), e.present(p))
	require.NoError(t, err)
	assert.False(t, res.IsValid)

	e.verifier.verifier = prover.VerifierFunc(func(context.Context, []byte, []byte) (bool, error) {
		calls.Add(1)
		return false, errors.New("verifier crashed")
	})
	res, err = e.verifier.Verify(context.Background(), e.present(p))
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.EqualValues(t, 2, calls.Load())

	stored, err := e.store.GetProof(p.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.UsageCount)
}

func TestChecksDoNotShortCircuit(t *testing.T) {
	e := newFixture(t)
	rec, p := e.issue(t, IssueOptions{ExpiresIn: time.Minute, MaxUsage: usage(0)})
	_, err := e.records.Revoke(rec.ID)
	require.NoError(t, err)

	var called bool
	e.verifier.verifier = prover.VerifierFunc(func(context.Context, []byte, []byte) (bool, error) {
		called = true
		return true, nil
	})
	e.verifier.now = func() time.Time { return p.ExpiresAt.Add(time.Hour) }

	res, err := e.verifier.Verify(context.Background(), e.present(p))
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.True(t, res.Details.IsExpired)
	assert.True(t, res.Details.UsageExceeded)
	assert.Equal(t, types.RevocationRevoked, res.Details.RevocationStatus)
	assert.True(t, called)
}

type failingCommitStore struct {
	*storage.Storage
}

func (failingCommitStore) CommitVerification(context.Context, string, bool, types.ProofVerification) (storage.CommitResult, error) {
	return storage.CommitResult{}, apperr.New(apperr.KindInternal, "disk full")
}

func TestAuditFailureOverridesValidity(t *testing.T) {
	e := newFixture(t)
	_, p := e.issue(t, IssueOptions{})

	v := NewVerifier(failingCommitStore{e.store}, prover.AcceptingVerifier{}, nil, nil, nil)
	res, err := v.Verify(context.Background(), e.present(p))
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindInternal))
	assert.False(t, res.IsValid)
}

func TestCancelledVerificationLeavesNoTrace(t *testing.T) {
	e := newFixture(t)
	_, p := e.issue(t, IssueOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.verifier.Verify(ctx, e.present(p))
	require.ErrorIs(t, err, context.Canceled)

	stored, err := e.store.GetProof(p.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.UsageCount)
	rows, err := e.store.AuditAll()
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestVerifyEncoded(t *testing.T) {
	e := newFixture(t)
	_, p := e.issue(t, IssueOptions{})

	res, err := e.verifier.VerifyEncoded(context.Background(),
		base64.StdEncoding.EncodeToString(p.ProofData),
		base64.StdEncoding.EncodeToString(p.VerificationKey),
		VerifyRequest{VerifierID: "border"})
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Equal(t, uint64(1), res.AuditSeq)

	_, err = e.verifier.VerifyEncoded(context.Background(), "%%%", "", VerifyRequest{})
	require.ErrorIs(t, err, apperr.ErrBadInput)

	for _, pair := range [][2]string{{"", ""}, {base64.StdEncoding.EncodeToString(p.ProofData), ""}} {
		res, err = e.verifier.VerifyEncoded(context.Background(), pair[0], pair[1], VerifyRequest{})
		require.NoError(t, err)
		assert.False(t, res.IsValid)
		assert.Empty(t, res.ProofID)
		assert.Equal(t, types.RevocationUnknown, res.Details.RevocationStatus)
	}
	rows, err := e.store.AuditForProof(p.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	req := e.present(p)
	req.Context = json.RawMessage(`{broken`)
	_, err = e.verifier.Verify(context.Background(), req)
	require.ErrorIs(t, err, apperr.ErrBadInput)
}

func TestIssuerPreconditions(t *testing.T) {
	e := newFixture(t)
	ctx := context.Background()

	unsigned, err := e.records.Create(record.CreateInput{
		AuthorityID:       e.auth.ID,
		Kind:              types.TestResult,
		PatientIdentifier: "Patient456",
		IssueDate:         time.Now(),
	})
	require.NoError(t, err)
	_, err = e.issuer.GenerateForRecord(ctx, unsigned.ID, IssueOptions{})
	require.ErrorIs(t, err, apperr.ErrBadInput)

	rec := e.signedRecord(t)
	_, err = e.issuer.Generate(ctx, rec, e.auth.PublicKey, IssueOptions{MaxUsage: usage(-1)})
	require.ErrorIs(t, err, apperr.ErrBadInput)
	_, err = e.issuer.Generate(ctx, rec, "nothex", IssueOptions{})
	require.ErrorIs(t, err, apperr.ErrBadInput)

	highS := *rec
	highS.SignatureS[0] = 0x90
	_, err = e.issuer.Generate(ctx, &highS, e.auth.PublicKey, IssueOptions{})
	require.ErrorIs(t, err, apperr.ErrCryptographic)

	_, err = e.records.SetAuthorityActive(e.auth.ID, false)
	require.NoError(t, err)
	_, err = e.issuer.GenerateForRecord(ctx, rec.ID, IssueOptions{})
	require.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = e.issuer.GenerateForRecord(ctx, "missing", IssueOptions{})
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Zero(t, e.fake.Calls(), "prover must not run when preconditions fail")
}

func TestProverFailureIsServiceUnavailable(t *testing.T) {
	e := newFixture(t)
	rec := e.signedRecord(t)
	e.fake.Err = apperr.Wrap(apperr.KindServiceUnavailable, "nargo execute timed out", prover.ErrTimeout)

	_, err := e.issuer.GenerateForRecord(context.Background(), rec.ID, IssueOptions{})
	require.ErrorIs(t, err, apperr.ErrServiceUnavailable)

	list, err := e.verifier.ListForRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Empty(t, list)

	expected := `
# HELP healthpass_prover_failures_total Total number of failed prover invocations by reason
# TYPE healthpass_prover_failures_total counter
healthpass_prover_failures_total{reason="timeout"} 1
`
	require.NoError(t, testutil.GatherAndCompare(e.reg, strings.NewReader(expected), "healthpass_prover_failures_total"))
}

type revokingProver struct {
	records  *record.Service
	recordID string
	inner    prover.Prover
}

func (p revokingProver) Prove(ctx context.Context, in prover.Inputs) ([]byte, error) {
	if _, err := p.records.Revoke(p.recordID); err != nil {
		return nil, err
	}
	return p.inner.Prove(ctx, in)
}

func TestRevokedDuringProvingIsNotPersisted(t *testing.T) {
	e := newFixture(t)
	rec := e.signedRecord(t)
	e.issuer.prover = revokingProver{records: e.records, recordID: rec.ID, inner: e.fake}

	_, err := e.issuer.GenerateForRecord(context.Background(), rec.ID, IssueOptions{})
	require.ErrorIs(t, err, apperr.ErrForbidden)

	list, err := e.store.ListProofsForRecord(rec.ID)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestReissueWithIdenticalProofDataIsRejected(t *testing.T) {
	e := newFixture(t)
	ctx := context.Background()
	rec, first := e.issue(t, IssueOptions{MaxUsage: usage(1)})

	_, err := e.issuer.GenerateForRecord(ctx, rec.ID, IssueOptions{MaxUsage: usage(5)})
	require.ErrorIs(t, err, apperr.ErrConflict)
	assert.Contains(t, err.Error(), first.ID)
	assert.Equal(t, 2, e.fake.Calls())

	list, err := e.verifier.ListForRecord(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)

	res, err := e.verifier.Verify(ctx, e.present(first))
	require.NoError(t, err)
	assert.True(t, res.IsValid)
	assert.Equal(t, first.ID, res.ProofID)
	res, err = e.verifier.Verify(ctx, e.present(first))
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.True(t, res.Details.UsageExceeded)

	// Still refused once the first proof is spent or revoked.
	_, err = e.verifier.Revoke(ctx, first.ID)
	require.NoError(t, err)
	_, err = e.issuer.GenerateForRecord(ctx, rec.ID, IssueOptions{})
	require.ErrorIs(t, err, apperr.ErrConflict)

	expected := `
# HELP healthpass_proofs_issued_total Total number of zero-knowledge proofs issued
# TYPE healthpass_proofs_issued_total counter
healthpass_proofs_issued_total 1
`
	require.NoError(t, testutil.GatherAndCompare(e.reg, strings.NewReader(expected), "healthpass_proofs_issued_total"))
}

func TestListForRecordAndMetrics(t *testing.T) {
	e := newFixture(t)
	rec, first := e.issue(t, IssueOptions{})

	list, err := e.verifier.ListForRecord(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, types.ProofActive, list[0].State(time.Now()))

	_, err = e.verifier.ListForRecord(context.Background(), "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = e.verifier.History(context.Background(), "missing")
	require.ErrorIs(t, err, apperr.ErrNotFound)

	expected := `
# HELP healthpass_proofs_issued_total Total number of zero-knowledge proofs issued
# TYPE healthpass_proofs_issued_total counter
healthpass_proofs_issued_total 1
`
	require.NoError(t, testutil.GatherAndCompare(e.reg, strings.NewReader(expected), "healthpass_proofs_issued_total"))
}

func TestSpacedContextKeepsChainIntact(t *testing.T) {
	e := newFixture(t)
	_, p := e.issue(t, IssueOptions{})

	req := e.present(p)
	req.Context = json.RawMessage("{ \"purpose\" : \"boarding\",\n  \"gate\": 7 }")
	_, err := e.verifier.Verify(context.Background(), req)
	require.NoError(t, err)

	n, err := audit.NewLog(e.store).Verify()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
