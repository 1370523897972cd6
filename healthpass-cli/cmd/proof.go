package cmd

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"zkhealthpass/core/apperr"
	"zkhealthpass/core/types"
	"zkhealthpass/core/zkproof"
)

type issuedProof struct {
	ID              string     `json:"id"`
	RecordID        string     `json:"healthRecordId"`
	ProofData       string     `json:"proofData"`
	VerificationKey string     `json:"verificationKey"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	MaxUsage        *int       `json:"maxUsage,omitempty"`
	UsageCount      int        `json:"usageCount"`
	State           string     `json:"state"`
}

func toIssued(p *types.ZkProof) issuedProof {
	return issuedProof{
		ID:              p.ID,
		RecordID:        p.HealthRecordID,
		ProofData:       base64.StdEncoding.EncodeToString(p.ProofData),
		VerificationKey: base64.StdEncoding.EncodeToString(p.VerificationKey),
		ExpiresAt:       p.ExpiresAt,
		MaxUsage:        p.MaxUsage,
		UsageCount:      p.UsageCount,
		State:           string(p.State(time.Now())),
	}
}

func printProof(w io.Writer, p issuedProof) {
	fmt.Fprintf(w, "ID:           %s\n", p.ID)
	fmt.Fprintf(w, "Record:       %s\n", p.RecordID)
	fmt.Fprintf(w, "State:        %s\n", p.State)
	fmt.Fprintf(w, "Usage:        %d", p.UsageCount)
	if p.MaxUsage != nil {
		fmt.Fprintf(w, "/%d", *p.MaxUsage)
	}
	fmt.Fprintln(w)
	if p.ExpiresAt != nil {
		fmt.Fprintf(w, "Expires:      %s\n", p.ExpiresAt.Format(time.RFC3339))
	}
}

func printVerification(w io.Writer, r zkproof.Result) {
	fmt.Fprintf(w, "Valid:        %v\n", r.IsValid)
	if r.ProofID != "" {
		fmt.Fprintf(w, "Proof:        %s\n", r.ProofID)
		fmt.Fprintf(w, "Audit seq:    %d\n", r.AuditSeq)
	}
	fmt.Fprintf(w, "Expired:      %v\n", r.Details.IsExpired)
	fmt.Fprintf(w, "Usage limit:  %v\n", r.Details.UsageExceeded)
	fmt.Fprintf(w, "Revocation:   %s\n", r.Details.RevocationStatus)
	if r.Details.RecordKind != "" {
		fmt.Fprintf(w, "Record:       %s issued %s by %s\n", r.Details.RecordKind, r.Details.IssueDate, r.Details.AuthorityName)
	}
}

var proofCmd = &cobra.Command{
	Use:   "proof",
	Short: "Issue, verify and revoke zero-knowledge proofs",
}

var proofIssueCmd = &cobra.Command{
	Use:   "issue RECORD_ID",
	Short: "Run the prover over a signed record and store the proof",
	Example: `  healthpass proof issue <record-id> --expires-in 72h --max-usage 3
  healthpass proof issue <record-id> --prover fake`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		proverKind, _ := cmd.Flags().GetString("prover")
		a, err := openApp(proverKind)
		if err != nil {
			return err
		}
		defer a.Close()

		opts := zkproof.IssueOptions{
			ExpiresIn: a.cfg.DefaultProofExpiration,
			MaxUsage:  a.cfg.DefaultMaxUsage(),
		}
		if cmd.Flags().Changed("expires-in") {
			opts.ExpiresIn, _ = cmd.Flags().GetDuration("expires-in")
		}
		if cmd.Flags().Changed("max-usage") {
			n, _ := cmd.Flags().GetInt("max-usage")
			opts.MaxUsage = &n
		}
		if unlimited, _ := cmd.Flags().GetBool("unlimited"); unlimited {
			opts.MaxUsage = nil
		}

		p, err := a.issuer.GenerateForRecord(cmd.Context(), args[0], opts)
		if err != nil {
			return err
		}
		out := toIssued(p)
		return render(cmd, out, func(w io.Writer) {
			printProof(w, out)
			fmt.Fprintf(w, "Proof data:   %s\n", out.ProofData)
			fmt.Fprintf(w, "Key:          %s\n", out.VerificationKey)
		})
	},
}

// presentation is one line of a batch verification file.
type presentation struct {
	ProofData       string          `json:"proofData"`
	VerificationKey string          `json:"verificationKey"`
	VerifierID      string          `json:"verifierId,omitempty"`
	Context         json.RawMessage `json:"context,omitempty"`

	line int
}

// batchOutcome reports one presentation. A failed line does not hide the
// lines that committed; their quota and audit rows are already written.
type batchOutcome struct {
	Line   int             `json:"line"`
	Result *zkproof.Result `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	err error
}

func readBatch(path string) ([]presentation, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindBadInput, "open batch file", err)
	}
	defer f.Close()
	var out []presentation
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		p := presentation{line: line}
		if err := json.Unmarshal([]byte(text), &p); err != nil {
			return nil, apperr.Wrap(apperr.KindBadInput, fmt.Sprintf("batch line %d", line), err)
		}
		out = append(out, p)
	}
	if err := sc.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindBadInput, "read batch file", err)
	}
	return out, nil
}

var proofVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a presented proof, or a JSON-lines batch of them",
	Example: `  healthpass proof verify --proof <base64> --key <base64> --verifier-id gate-7
  healthpass proof verify --batch presentations.jsonl --parallel 8`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		proofB64, _ := cmd.Flags().GetString("proof")
		keyB64, _ := cmd.Flags().GetString("key")
		batch, _ := cmd.Flags().GetString("batch")
		parallel, _ := cmd.Flags().GetInt("parallel")
		verifierID, _ := cmd.Flags().GetString("verifier-id")
		ctxJSON, _ := cmd.Flags().GetString("context")
		sourceIP, _ := cmd.Flags().GetString("source-ip")
		userAgent, _ := cmd.Flags().GetString("user-agent")

		req := func(it presentation) zkproof.VerifyRequest {
			return zkproof.VerifyRequest{
				Context:    it.Context,
				VerifierID: it.VerifierID,
				SourceIP:   sourceIP,
				UserAgent:  userAgent,
			}
		}

		if batch == "" {
			if proofB64 == "" || keyB64 == "" {
				return apperr.New(apperr.KindBadInput, "--proof and --key, or --batch, are required")
			}
			it := presentation{ProofData: proofB64, VerificationKey: keyB64, VerifierID: verifierID}
			if ctxJSON != "" {
				it.Context = json.RawMessage(ctxJSON)
			}
			a, err := openApp("")
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.verifier.VerifyEncoded(cmd.Context(), it.ProofData, it.VerificationKey, req(it))
			if err != nil {
				return err
			}
			return render(cmd, res, func(w io.Writer) { printVerification(w, res) })
		}

		items, err := readBatch(batch)
		if err != nil {
			return err
		}
		a, err := openApp("")
		if err != nil {
			return err
		}
		defer a.Close()

		outcomes := make([]batchOutcome, len(items))
		var g errgroup.Group
		g.SetLimit(max(parallel, 1))
		for i, it := range items {
			i, it := i, it
			g.Go(func() error {
				outcomes[i].Line = it.line
				res, err := a.verifier.VerifyEncoded(cmd.Context(), it.ProofData, it.VerificationKey, req(it))
				if err != nil {
					outcomes[i].err = err
					outcomes[i].Error = err.Error()
					return nil
				}
				outcomes[i].Result = &res
				return nil
			})
		}
		_ = g.Wait()

		var (
			failed   int
			firstErr error
		)
		for _, o := range outcomes {
			if o.err != nil {
				failed++
				if firstErr == nil {
					firstErr = fmt.Errorf("batch line %d: %w", o.Line, o.err)
				}
			}
		}
		if err := render(cmd, outcomes, func(w io.Writer) {
			for _, o := range outcomes {
				if o.Result == nil {
					fmt.Fprintf(w, "%4d  error: %s\n", o.Line, o.Error)
					continue
				}
				r := o.Result
				fmt.Fprintf(w, "%4d  valid=%-5v proof=%s revocation=%s expired=%v usage_exceeded=%v\n",
					o.Line, r.IsValid, r.ProofID, r.Details.RevocationStatus, r.Details.IsExpired, r.Details.UsageExceeded)
			}
		}); err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d presentations failed, first at %w", failed, len(outcomes), firstErr)
		}
		return nil
	},
}

var proofRevokeCmd = &cobra.Command{
	Use:   "revoke PROOF_ID",
	Short: "Freeze a proof at its current usage count",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp("")
		if err != nil {
			return err
		}
		defer a.Close()
		p, err := a.verifier.Revoke(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := toIssued(p)
		return render(cmd, out, func(w io.Writer) { printProof(w, out) })
	},
}

var proofListCmd = &cobra.Command{
	Use:   "list RECORD_ID",
	Short: "List proofs issued for a record, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp("")
		if err != nil {
			return err
		}
		defer a.Close()
		list, err := a.verifier.ListForRecord(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		out := make([]issuedProof, len(list))
		for i := range list {
			out[i] = toIssued(&list[i])
		}
		return render(cmd, out, func(w io.Writer) {
			for _, p := range out {
				fmt.Fprintf(w, "%s  state=%-9s usage=%d\n", p.ID, p.State, p.UsageCount)
			}
		})
	},
}

var proofHistoryCmd = &cobra.Command{
	Use:   "history PROOF_ID",
	Short: "Show the verification audit trail of a proof",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp("")
		if err != nil {
			return err
		}
		defer a.Close()
		rows, err := a.verifier.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return render(cmd, rows, func(w io.Writer) {
			for _, r := range rows {
				fmt.Fprintf(w, "#%-6d %s  result=%-5v verifier=%s\n", r.Seq, r.VerifiedAt.Format(time.RFC3339), r.Result, r.VerifierID)
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(proofCmd)
	proofCmd.AddCommand(proofIssueCmd, proofVerifyCmd, proofRevokeCmd, proofListCmd, proofHistoryCmd)

	proofIssueCmd.Flags().Duration("expires-in", 0, "Proof lifetime, 0 for no expiry (default from HEALTHPASS_DEFAULT_PROOF_EXPIRATION)")
	proofIssueCmd.Flags().Int("max-usage", 0, "Maximum successful verifications (default from HEALTHPASS_MAX_PROOF_USAGE)")
	proofIssueCmd.Flags().Bool("unlimited", false, "No usage limit")
	proofIssueCmd.Flags().String("prover", "nargo", "Prover backend: nargo|fake")

	f := proofVerifyCmd.Flags()
	f.String("proof", "", "Proof data, base64")
	f.String("key", "", "Verification key, base64")
	f.String("batch", "", "JSON-lines file of presentations")
	f.Int("parallel", 4, "Concurrent verifications in batch mode")
	f.String("verifier-id", "", "Identifier of the verifying party")
	f.String("context", "", "Verification context JSON")
	f.String("source-ip", "", "Presenter IP address, recorded in the audit trail")
	f.String("user-agent", "", "Presenter user agent, recorded in the audit trail")
}
