package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"zkhealthpass/core/apperr"
	"zkhealthpass/core/record"
	"zkhealthpass/core/types"
)

func printAuthority(w io.Writer, a *types.Authority) {
	fmt.Fprintf(w, "ID:         %s\n", a.ID)
	fmt.Fprintf(w, "Name:       %s\n", a.Name)
	fmt.Fprintf(w, "Kind:       %s\n", a.Kind)
	fmt.Fprintf(w, "Active:     %v\n", a.IsActive)
	fmt.Fprintf(w, "Public key: %s\n", a.PublicKey)
}

var authorityCmd = &cobra.Command{
	Use:   "authority",
	Short: "Manage record-issuing authorities",
}

var authorityRegisterCmd = &cobra.Command{
	Use:     "register",
	Short:   "Register a new authority",
	Example: `  healthpass authority register --name CityHospital --kind hospital --pubkey-file keys/city_hospital.pub`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		kind, _ := cmd.Flags().GetString("kind")
		pub, _ := cmd.Flags().GetString("pubkey")
		pubFile, _ := cmd.Flags().GetString("pubkey-file")
		cert, _ := cmd.Flags().GetString("certificate")
		if pub == "" && pubFile != "" {
			raw, err := os.ReadFile(pubFile)
			if err != nil {
				return apperr.Wrap(apperr.KindBadInput, "read public key file", err)
			}
			pub = strings.TrimSpace(string(raw))
		}
		if pub == "" {
			return apperr.New(apperr.KindBadInput, "--pubkey or --pubkey-file is required")
		}

		a, err := openApp("")
		if err != nil {
			return err
		}
		defer a.Close()
		auth, err := a.records.RegisterAuthority(record.AuthorityInput{Name: name, Kind: kind, PublicKey: pub, Certificate: cert})
		if err != nil {
			return err
		}
		return render(cmd, auth, func(w io.Writer) { printAuthority(w, auth) })
	},
}

func setActiveCmd(use, short string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " AUTHORITY_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp("")
			if err != nil {
				return err
			}
			defer a.Close()
			auth, err := a.records.SetAuthorityActive(args[0], active)
			if err != nil {
				return err
			}
			return render(cmd, auth, func(w io.Writer) { printAuthority(w, auth) })
		},
	}
}

var authorityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered authorities",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp("")
		if err != nil {
			return err
		}
		defer a.Close()
		list, err := a.store.ListAuthorities()
		if err != nil {
			return err
		}
		return render(cmd, list, func(w io.Writer) {
			for _, auth := range list {
				fmt.Fprintf(w, "%s  %-24s %-12s active=%v\n", auth.ID, auth.Name, auth.Kind, auth.IsActive)
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(authorityCmd)
	authorityCmd.AddCommand(
		authorityRegisterCmd,
		setActiveCmd("deactivate", "Deactivate an authority; its records can no longer be proven", false),
		setActiveCmd("activate", "Reactivate an authority", true),
		authorityListCmd,
	)
	authorityRegisterCmd.Flags().String("name", "", "Authority name, used in signed messages (required)")
	authorityRegisterCmd.Flags().String("kind", "hospital", "hospital|clinic|laboratory|government|pharmacy|university")
	authorityRegisterCmd.Flags().String("pubkey", "", "secp256k1 public key hex")
	authorityRegisterCmd.Flags().String("pubkey-file", "", "Public key file written by keygen")
	authorityRegisterCmd.Flags().String("certificate", "", "Optional certificate reference")
}
