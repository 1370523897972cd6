package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"zkhealthpass/core/apperr"
)

var (
	envFiles []string
	output   string
)

var rootCmd = &cobra.Command{
	Use:           "healthpass",
	Short:         "Health record attestation and zero-knowledge health pass CLI",
	Long:          "Register authorities, sign health records, issue zero-knowledge proofs over them and verify presented proofs.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps the error kind to a stable process status.
func exitCode(err error) int {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return 5
	}
	switch apperr.KindOf(err) {
	case apperr.KindBadInput:
		return 2
	case apperr.KindNotFound:
		return 3
	case apperr.KindForbidden:
		return 4
	case apperr.KindServiceUnavailable:
		return 5
	case apperr.KindCryptographic:
		return 6
	case apperr.KindConflict:
		return 7
	}
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "Dotenv files to load before reading HEALTHPASS_ variables")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "plain", "Output format: plain|json")
}
