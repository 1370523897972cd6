package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"zkhealthpass/core"
	"zkhealthpass/core/apperr"
	"zkhealthpass/core/storage"
	"zkhealthpass/core/types"
	"zkhealthpass/core/validation"
)

type fixture struct {
	svc     *Service
	store   *storage.Storage
	privHex string
	auth    *types.Authority
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	log := zaptest.NewLogger(t)
	dek, err := storage.NewDEK()
	require.NoError(t, err)
	raw, err := storage.ParseDEK(dek)
	require.NoError(t, err)
	store, err := storage.OpenMem(raw, log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	v, err := validation.NewDetailsValidator(log)
	require.NoError(t, err)
	svc := NewService(store, core.NewEngine(), v, log)

	priv, err := core.GenerateKeyPair()
	require.NoError(t, err)
	auth, err := svc.RegisterAuthority(AuthorityInput{
		Name:      "HealthAuthority",
		Kind:      "government",
		PublicKey: "0x" + core.SerializePublicKey(priv.PubKey()),
	})
	require.NoError(t, err)
	return fixture{svc: svc, store: store, privHex: core.SerializePrivateKey(priv), auth: auth}
}

func (f fixture) create(t *testing.T, kind types.RecordKind, details string) *types.HealthRecord {
	t.Helper()
	r, err := f.svc.Create(CreateInput{
		OwnerID:           "owner-1",
		AuthorityID:       f.auth.ID,
		Kind:              kind,
		PatientIdentifier: "Patient123",
		Details:           json.RawMessage(details),
		IssueDate:         time.Date(2025, 9, 27, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	return r
}

func TestSigningDetailPerVariant(t *testing.T) {
	level := 3.2
	cases := []struct {
		d    Details
		want string
	}{
		{VaccinationDetails{}, "COVID19_Dose1"},
		{VaccinationDetails{VaccineName: "Comirnaty"}, "Comirnaty_Dose1"},
		{VaccinationDetails{VaccineName: "Comirnaty", DoseNumber: 3}, "Comirnaty_Dose1"},
		{TestResultDetails{}, "COVID19_Negative"},
		{TestResultDetails{Result: "Positive"}, "COVID19_Positive"},
		{MedicalClearanceDetails{}, "FitForTravel"},
		{MedicalClearanceDetails{ClearanceType: "Work"}, "Work"},
		{ImmunityProofDetails{}, "COVID19_Antibodies"},
		{ImmunityProofDetails{ImmunityType: "Hybrid", AntibodyLevel: &level}, "COVID19_Hybrid"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, c.d.SigningDetail(), "%T", c.d)
	}
}

func TestDecodeDetailsPicksVariant(t *testing.T) {
	v, err := validation.NewDetailsValidator(nil)
	require.NoError(t, err)

	d, err := DecodeDetails(v, types.TestResult, json.RawMessage(`{"result":"Inconclusive"}`))
	require.NoError(t, err)
	require.IsType(t, TestResultDetails{}, d)
	assert.Equal(t, types.TestResult, d.Kind())
	assert.Equal(t, "COVID19_Inconclusive", d.SigningDetail())

	d, err = DecodeDetails(v, types.ImmunityProof, nil)
	require.NoError(t, err)
	assert.Equal(t, "COVID19_Antibodies", d.SigningDetail())

	_, err = DecodeDetails(v, types.TestResult, json.RawMessage(`{"result":"Unsure"}`))
	require.ErrorIs(t, err, apperr.ErrBadInput)
}

func TestRegisterAuthority(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.auth.IsActive)
	assert.Len(t, f.auth.PublicKey, 130)

	_, err := f.svc.RegisterAuthority(AuthorityInput{Name: "X", Kind: "spaceport", PublicKey: f.auth.PublicKey})
	require.ErrorIs(t, err, apperr.ErrBadInput)
	_, err = f.svc.RegisterAuthority(AuthorityInput{Name: "X", Kind: "clinic", PublicKey: "04abcd"})
	require.ErrorIs(t, err, apperr.ErrBadInput)
	_, err = f.svc.RegisterAuthority(AuthorityInput{Name: "", Kind: "clinic", PublicKey: f.auth.PublicKey})
	require.ErrorIs(t, err, apperr.ErrBadInput)
}

func TestCreateRequiresActiveAuthority(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, types.Vaccination, `{"vaccine_name":"COVID19"}`)
	assert.False(t, r.IsSigned())
	assert.True(t, r.SignatureR.IsZero())

	_, err := f.svc.SetAuthorityActive(f.auth.ID, false)
	require.NoError(t, err)
	_, err = f.svc.Create(CreateInput{AuthorityID: f.auth.ID, Kind: types.Vaccination, PatientIdentifier: "p", IssueDate: time.Now()})
	require.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.svc.Create(CreateInput{AuthorityID: "missing", Kind: types.Vaccination, PatientIdentifier: "p", IssueDate: time.Now()})
	require.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestCreateValidatesInput(t *testing.T) {
	f := newFixture(t)
	base := CreateInput{AuthorityID: f.auth.ID, Kind: types.TestResult, PatientIdentifier: "Patient456", IssueDate: time.Now()}

	bad := base
	bad.Details = json.RawMessage(`{"result":"Maybe"}`)
	_, err := f.svc.Create(bad)
	require.ErrorIs(t, err, apperr.ErrBadInput)

	bad = base
	bad.PatientIdentifier = " "
	_, err = f.svc.Create(bad)
	require.ErrorIs(t, err, apperr.ErrBadInput)

	bad = base
	past := base.IssueDate.Add(-time.Hour)
	bad.ExpiryDate = &past
	_, err = f.svc.Create(bad)
	require.ErrorIs(t, err, apperr.ErrBadInput)
}

func TestSignAndVerify(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, types.Vaccination, `{"vaccine_name":"COVID19","dose_number":1}`)

	signed, sig, err := f.svc.Sign(r.ID, f.privHex)
	require.NoError(t, err)
	assert.True(t, signed.IsSigned())
	assert.Equal(t, "VaxRecord:Patient123_COVID19_Dose1_2025-09-27:HealthAuthority", sig.CanonicalMessage)
	assert.Equal(t, sig.MessageHash, signed.MessageHash)
	assert.True(t, core.IsSignatureNormalized(signed.SignatureS[:]))

	ok, err := f.svc.VerifySignature(r.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	again, _, err := f.svc.Sign(r.ID, f.privHex)
	require.NoError(t, err)
	assert.Equal(t, signed.SignatureR, again.SignatureR)
	assert.Equal(t, signed.SignatureS, again.SignatureS)
}

func TestVerifySignatureDetectsFieldTampering(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, types.MedicalClearance, `{"clearance_type":"Work"}`)
	_, _, err := f.svc.Sign(r.ID, f.privHex)
	require.NoError(t, err)

	_, err = f.store.UpdateRecord(r.ID, func(rec *types.HealthRecord) error {
		rec.Details = json.RawMessage(`{"clearance_type":"Sports"}`)
		return nil
	})
	require.NoError(t, err)

	ok, err := f.svc.VerifySignature(r.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignRejections(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, types.ImmunityProof, `{}`)

	_, err := f.svc.VerifySignature(r.ID)
	require.ErrorIs(t, err, apperr.ErrBadInput)

	other, err := core.GenerateKeyPair()
	require.NoError(t, err)
	_, _, err = f.svc.Sign(r.ID, core.SerializePrivateKey(other))
	require.ErrorIs(t, err, apperr.ErrForbidden)

	_, _, err = f.svc.Sign(r.ID, "zz")
	require.ErrorIs(t, err, apperr.ErrBadInput)

	_, _, err = f.svc.Sign("missing", f.privHex)
	require.ErrorIs(t, err, apperr.ErrNotFound)

	revoked, err := f.svc.Revoke(r.ID)
	require.NoError(t, err)
	assert.True(t, revoked.IsRevoked)
	_, err = f.svc.Revoke(r.ID)
	require.NoError(t, err)

	_, _, err = f.svc.Sign(r.ID, f.privHex)
	require.ErrorIs(t, err, apperr.ErrForbidden)
}
