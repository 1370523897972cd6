package record

import (
	"encoding/json"

	"zkhealthpass/core/apperr"
	"zkhealthpass/core/types"
	"zkhealthpass/core/validation"
)

// Details is the closed set of per-kind record payloads. Each variant
// renders the detail segment of the canonical signing message.
type Details interface {
	Kind() types.RecordKind
	SigningDetail() string
	sealed()
}

type VaccinationDetails struct {
	VaccineName     string `json:"vaccine_name,omitempty"`
	Manufacturer    string `json:"manufacturer,omitempty"`
	LotNumber       string `json:"lot_number,omitempty"`
	DoseNumber      int    `json:"dose_number,omitempty"`
	TotalDoses      int    `json:"total_doses,omitempty"`
	VaccinationSite string `json:"vaccination_site,omitempty"`
	Administrator   string `json:"administrator,omitempty"`
}

type TestResultDetails struct {
	TestType       string  `json:"test_type,omitempty"`
	Result         string  `json:"result,omitempty"`
	TestMethod     string  `json:"test_method,omitempty"`
	Laboratory     string  `json:"laboratory,omitempty"`
	ReferenceRange *string `json:"reference_range,omitempty"`
}

type MedicalClearanceDetails struct {
	ClearanceType   string   `json:"clearance_type,omitempty"`
	Restrictions    []string `json:"restrictions,omitempty"`
	ValidUntil      string   `json:"valid_until,omitempty"`
	Physician       string   `json:"physician,omitempty"`
	MedicalFacility string   `json:"medical_facility,omitempty"`
}

type ImmunityProofDetails struct {
	ImmunityType   string   `json:"immunity_type,omitempty"`
	AntibodyLevel  *float64 `json:"antibody_level,omitempty"`
	TestMethod     string   `json:"test_method,omitempty"`
	Laboratory     string   `json:"laboratory,omitempty"`
	ReferenceRange string   `json:"reference_range,omitempty"`
}

func (VaccinationDetails) Kind() types.RecordKind      { return types.Vaccination }
func (TestResultDetails) Kind() types.RecordKind       { return types.TestResult }
func (MedicalClearanceDetails) Kind() types.RecordKind { return types.MedicalClearance }
func (ImmunityProofDetails) Kind() types.RecordKind    { return types.ImmunityProof }

func (VaccinationDetails) sealed()      {}
func (TestResultDetails) sealed()       {}
func (MedicalClearanceDetails) sealed() {}
func (ImmunityProofDetails) sealed()    {}

// SigningDetail is "{vaccine}_Dose1", COVID19_Dose1 when empty. The dose
// number stays out of the signed bytes so records hash the same as those
// produced by the existing input generators.
func (d VaccinationDetails) SigningDetail() string {
	name := d.VaccineName
	if name == "" {
		name = "COVID19"
	}
	return name + "_Dose1"
}

func (d TestResultDetails) SigningDetail() string {
	result := d.Result
	if result == "" {
		result = "Negative"
	}
	return "COVID19_" + result
}

func (d MedicalClearanceDetails) SigningDetail() string {
	if d.ClearanceType == "" {
		return "FitForTravel"
	}
	return d.ClearanceType
}

func (d ImmunityProofDetails) SigningDetail() string {
	immunity := d.ImmunityType
	if immunity == "" {
		immunity = "Antibodies"
	}
	return "COVID19_" + immunity
}

// DecodeDetails validates raw against the kind's schema and decodes it into
// the matching variant.
func DecodeDetails(v *validation.DetailsValidator, kind types.RecordKind, raw json.RawMessage) (Details, error) {
	if err := v.Validate(kind, raw); err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var (
		d   Details
		err error
	)
	switch kind {
	case types.Vaccination:
		var x VaccinationDetails
		err = json.Unmarshal(raw, &x)
		d = x
	case types.TestResult:
		var x TestResultDetails
		err = json.Unmarshal(raw, &x)
		d = x
	case types.MedicalClearance:
		var x MedicalClearanceDetails
		err = json.Unmarshal(raw, &x)
		d = x
	case types.ImmunityProof:
		var x ImmunityProofDetails
		err = json.Unmarshal(raw, &x)
		d = x
	default:
		return nil, apperr.Newf(apperr.KindBadInput, "unknown record kind %q", kind)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadInput, "decode details", err)
	}
	return d, nil
}
