package cmd

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"zkhealthpass/core/apperr"
	"zkhealthpass/core/record"
	"zkhealthpass/core/types"
	"zkhealthpass/core/wallet"
)

func printRecord(w io.Writer, r *types.HealthRecord) {
	fmt.Fprintf(w, "ID:           %s\n", r.ID)
	fmt.Fprintf(w, "Kind:         %s\n", r.Kind)
	fmt.Fprintf(w, "Authority:    %s\n", r.AuthorityID)
	fmt.Fprintf(w, "Issue date:   %s\n", r.CanonicalDate())
	fmt.Fprintf(w, "Signed:       %v\n", r.IsSigned())
	if r.IsSigned() {
		fmt.Fprintf(w, "Message hash: 0x%s\n", hex.EncodeToString(r.MessageHash[:]))
	}
	fmt.Fprintf(w, "Revoked:      %v\n", r.IsRevoked)
}

// readDetails accepts inline JSON or @path.
func readDetails(v string) (json.RawMessage, error) {
	if path, ok := strings.CutPrefix(v, "@"); ok {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindBadInput, "read details file", err)
		}
		return raw, nil
	}
	return json.RawMessage(v), nil
}

func parseDate(v string) (time.Time, error) {
	t, err := time.Parse(types.DateLayout, v)
	if err != nil {
		return time.Time{}, apperr.Wrap(apperr.KindBadInput, "dates must be YYYY-MM-DD", err)
	}
	return t, nil
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Create, sign and revoke health records",
}

var recordCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an unsigned health record",
	Example: `  healthpass record create --authority <id> --kind vaccination --patient Patient123 \
    --details '{"vaccine_name":"COVID19","dose_number":1}' --issue-date 2025-09-27`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		authorityID, _ := cmd.Flags().GetString("authority")
		kindStr, _ := cmd.Flags().GetString("kind")
		patient, _ := cmd.Flags().GetString("patient")
		owner, _ := cmd.Flags().GetString("owner")
		detailsArg, _ := cmd.Flags().GetString("details")
		issueStr, _ := cmd.Flags().GetString("issue-date")
		expiryStr, _ := cmd.Flags().GetString("expiry-date")

		kind, err := types.ParseRecordKind(kindStr)
		if err != nil {
			return err
		}
		details, err := readDetails(detailsArg)
		if err != nil {
			return err
		}
		issue := time.Now().UTC()
		if issueStr != "" {
			if issue, err = parseDate(issueStr); err != nil {
				return err
			}
		}
		in := record.CreateInput{
			OwnerID:           owner,
			AuthorityID:       authorityID,
			Kind:              kind,
			PatientIdentifier: patient,
			Details:           details,
			IssueDate:         issue,
		}
		if expiryStr != "" {
			exp, err := parseDate(expiryStr)
			if err != nil {
				return err
			}
			in.ExpiryDate = &exp
		}

		a, err := openApp("")
		if err != nil {
			return err
		}
		defer a.Close()
		r, err := a.records.Create(in)
		if err != nil {
			return err
		}
		return render(cmd, r, func(w io.Writer) { printRecord(w, r) })
	},
}

var recordSignCmd = &cobra.Command{
	Use:   "sign RECORD_ID",
	Short: "Sign a record with its authority's key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyHex, _ := cmd.Flags().GetString("key")
		keyFile, _ := cmd.Flags().GetString("key-file")

		a, err := openApp("")
		if err != nil {
			return err
		}
		defer a.Close()
		w, err := wallet.Chain{
			wallet.HexLoader{Hex: keyHex},
			wallet.FileWalletLoader{Path: keyFile},
			wallet.HexLoader{Hex: a.cfg.AuthorityPrivKey, Source: "config"},
		}.LoadWallet()
		if err != nil {
			return apperr.Wrap(apperr.KindBadInput, "signing key", err)
		}
		r, sig, err := a.records.Sign(args[0], w.PrivateKeyHex())
		if err != nil {
			return err
		}
		return render(cmd, r, func(wr io.Writer) {
			printRecord(wr, r)
			if sig.Truncated {
				fmt.Fprintln(wr, "Warning: canonical message was truncated to 32 bytes before hashing")
			}
		})
	},
}

var recordRevokeCmd = &cobra.Command{
	Use:   "revoke RECORD_ID",
	Short: "Revoke a record; its proofs stop verifying",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp("")
		if err != nil {
			return err
		}
		defer a.Close()
		r, err := a.records.Revoke(args[0])
		if err != nil {
			return err
		}
		return render(cmd, r, func(w io.Writer) { printRecord(w, r) })
	},
}

var recordShowCmd = &cobra.Command{
	Use:   "show RECORD_ID",
	Short: "Show a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp("")
		if err != nil {
			return err
		}
		defer a.Close()
		r, err := a.records.Get(args[0])
		if err != nil {
			return err
		}
		return render(cmd, r, func(w io.Writer) { printRecord(w, r) })
	},
}

var recordCheckCmd = &cobra.Command{
	Use:   "check RECORD_ID",
	Short: "Recompute the canonical hash and verify the stored signature",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp("")
		if err != nil {
			return err
		}
		defer a.Close()
		ok, err := a.records.VerifySignature(args[0])
		if err != nil {
			return err
		}
		res := map[string]any{"recordId": args[0], "signatureValid": ok}
		if err := render(cmd, res, func(w io.Writer) { fmt.Fprintf(w, "Signature valid: %v\n", ok) }); err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindCryptographic, "stored signature does not verify")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recordCmd)
	recordCmd.AddCommand(recordCreateCmd, recordSignCmd, recordRevokeCmd, recordShowCmd, recordCheckCmd)

	f := recordCreateCmd.Flags()
	f.String("authority", "", "Issuing authority ID (required)")
	f.String("kind", "vaccination", "vaccination|test_result|medical_clearance|immunity_proof")
	f.String("patient", "", "Patient identifier (required)")
	f.String("owner", "", "Owning user ID")
	f.String("details", "{}", "Details JSON, or @file")
	f.String("issue-date", "", "Issue date YYYY-MM-DD (default today)")
	f.String("expiry-date", "", "Expiry date YYYY-MM-DD")

	recordSignCmd.Flags().String("key", "", "Authority private key hex")
	recordSignCmd.Flags().String("key-file", "", "Authority private key file written by keygen")
}
