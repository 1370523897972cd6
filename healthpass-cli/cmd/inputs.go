package cmd

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/spf13/cobra"

	"zkhealthpass/core"
	"zkhealthpass/core/apperr"
	"zkhealthpass/core/canonical"
	"zkhealthpass/core/prover"
	"zkhealthpass/core/types"
	"zkhealthpass/core/wallet"
)

// defaultInputsKey is the scalar 1, the deterministic test key the offline
// generator has always used when no key is configured.
const defaultInputsKey = "0000000000000000000000000000000000000000000000000000000000000001"

type inputTemplate struct {
	Kind    types.RecordKind
	Patient string
	Details string
	Date    string
	Issuer  string
}

var inputTemplates = map[string]inputTemplate{
	"covid_vaccination": {types.Vaccination, "Patient123", "COVID19_Dose1", "2025", "HealthAuthority"},
	"negative_test":     {types.TestResult, "Patient456", "COVID19_Negative", "2025-09-27", "TestLab"},
	"medical_clearance": {types.MedicalClearance, "Patient789", "FitForTravel", "2025-09-27", "Doctor_Smith"},
	"immunity_proof":    {types.ImmunityProof, "Patient101", "COVID19_Antibodies", "2025-09-27", "ImmunologyLab"},
}

func templateNames() []string {
	names := make([]string, 0, len(inputTemplates))
	for n := range inputTemplates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type inputsResult struct {
	Message     string `json:"message"`
	Truncated   bool   `json:"truncated"`
	MessageHash string `json:"messageHash"`
	PublicKey   string `json:"publicKey"`
	Normalized  bool   `json:"lowS"`
	KeySource   string `json:"keySource"`
	File        string `json:"file"`
}

// buildInputs signs the template's canonical message and lays the result
// out as circuit inputs.
func buildInputs(t inputTemplate, priv *btcec.PrivateKey) (prover.Inputs, core.RecordSignature, error) {
	sig, err := core.NewEngine().Sign(t.Kind, t.Patient, t.Details, t.Date, t.Issuer, priv)
	if err != nil {
		return prover.Inputs{}, sig, err
	}
	pub := priv.PubKey().SerializeUncompressed()
	ok, err := core.NewEngine().Verify(sig.MessageHash[:], sig.R[:], sig.S[:], priv.PubKey())
	if err != nil {
		return prover.Inputs{}, sig, err
	}
	if !ok {
		return prover.Inputs{}, sig, apperr.New(apperr.KindCryptographic, "generated signature does not verify")
	}
	x, y, err := core.PublicKeyCoordinates(pub)
	if err != nil {
		return prover.Inputs{}, sig, err
	}
	return prover.Inputs{
		MessageHash: sig.MessageHash,
		PubKeyX:     x,
		PubKeyY:     y,
		SignatureR:  sig.R,
		SignatureS:  sig.S,
	}, sig, nil
}

func inputsKey(cmd *cobra.Command) (*wallet.Wallet, error) {
	keyHex, _ := cmd.Flags().GetString("key")
	keyFile, _ := cmd.Flags().GetString("key-file")
	w, err := wallet.Chain{
		wallet.HexLoader{Hex: keyHex},
		wallet.FileWalletLoader{Path: keyFile},
		wallet.EnvWalletLoader{},
	}.LoadWallet()
	if errors.Is(err, wallet.ErrNoKey) {
		return wallet.HexLoader{Hex: defaultInputsKey, Source: "default test key"}.LoadWallet()
	}
	return w, err
}

func writeInputs(cmd *cobra.Command, t inputTemplate) error {
	w, err := inputsKey(cmd)
	if err != nil {
		return err
	}
	in, sig, err := buildInputs(t, w.PrivateKey)
	if err != nil {
		return err
	}
	doc, err := prover.EncodeInputs(in)
	if err != nil {
		return err
	}
	out, _ := cmd.Flags().GetString("out")
	if err := os.WriteFile(out, doc, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", out, err)
	}

	res := inputsResult{
		Message:     sig.CanonicalMessage,
		Truncated:   sig.Truncated,
		MessageHash: "0x" + hex.EncodeToString(sig.MessageHash[:]),
		PublicKey:   w.PublicKeyHex(),
		Normalized:  core.IsSignatureNormalized(sig.S[:]),
		KeySource:   w.Source,
		File:        out,
	}
	return render(cmd, res, func(wr io.Writer) {
		fmt.Fprintf(wr, "Health record: %q\n", res.Message)
		if res.Truncated {
			fmt.Fprintf(wr, "Warning: message is longer than %d bytes and was truncated before hashing\n", canonical.Size)
		}
		fmt.Fprintf(wr, "Message hash:  %s\n", res.MessageHash)
		fmt.Fprintf(wr, "Low-S:         %v\n", res.Normalized)
		fmt.Fprintf(wr, "Signing key:   %s\n", res.KeySource)
		fmt.Fprintf(wr, "Wrote %s\n", res.File)
	})
}

var inputsCmd = &cobra.Command{
	Use:   "inputs",
	Short: "Generate prover inputs offline from a template or custom record",
}

var inputsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the built-in record templates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		msgs := make(map[string]string, len(inputTemplates))
		for _, name := range templateNames() {
			t := inputTemplates[name]
			msg, err := canonical.Message(t.Kind, t.Patient, t.Details, t.Date, t.Issuer)
			if err != nil {
				return err
			}
			msgs[name] = msg
		}
		return render(cmd, msgs, func(w io.Writer) {
			for _, name := range templateNames() {
				fmt.Fprintf(w, "  %-18s %s\n", name, msgs[name])
			}
		})
	},
}

var inputsTemplateCmd = &cobra.Command{
	Use:       "template NAME",
	Short:     "Write Prover.toml for a built-in template",
	Example:   `  healthpass inputs template covid_vaccination --out noir/Prover.toml`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: templateNames(),
	RunE: func(cmd *cobra.Command, args []string) error {
		t, ok := inputTemplates[args[0]]
		if !ok {
			return apperr.Newf(apperr.KindBadInput, "template %q not found, available: %v", args[0], templateNames())
		}
		return writeInputs(cmd, t)
	},
}

var inputsCustomCmd = &cobra.Command{
	Use:     "custom",
	Short:   "Write Prover.toml for a custom record",
	Example: `  healthpass inputs custom --patient-id Patient999 --details FitForTravel --record-type clearance`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		patient, _ := cmd.Flags().GetString("patient-id")
		details, _ := cmd.Flags().GetString("details")
		recordType, _ := cmd.Flags().GetString("record-type")
		date, _ := cmd.Flags().GetString("date")
		issuer, _ := cmd.Flags().GetString("issuer")
		if patient == "" || details == "" {
			return apperr.New(apperr.KindBadInput, "--patient-id and --details are required")
		}
		kind, err := types.ParseRecordKind(recordType)
		if err != nil {
			return err
		}
		return writeInputs(cmd, inputTemplate{kind, patient, details, date, issuer})
	},
}

func init() {
	rootCmd.AddCommand(inputsCmd)
	inputsCmd.AddCommand(inputsListCmd, inputsTemplateCmd, inputsCustomCmd)
	for _, c := range []*cobra.Command{inputsTemplateCmd, inputsCustomCmd} {
		c.Flags().String("out", prover.InputsFile, "Output file")
		c.Flags().String("key", "", "Signing key hex (falls back to --key-file, then "+wallet.DefaultKeyEnv+")")
		c.Flags().String("key-file", "", "Signing key file written by keygen")
	}
	inputsCustomCmd.Flags().String("patient-id", "", "Patient identifier (required)")
	inputsCustomCmd.Flags().String("details", "", "Signing detail, e.g. COVID19_Dose1 (required)")
	inputsCustomCmd.Flags().String("record-type", "vaccination", "vaccination|test|clearance|immunity")
	inputsCustomCmd.Flags().String("date", "2025", "Issue date as it appears in the message")
	inputsCustomCmd.Flags().String("issuer", "HealthAuthority", "Issuer name")
}
