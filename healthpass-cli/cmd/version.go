package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"zkhealthpass/core/prover"
)

// Version is set at build time with -ldflags "-X zkhealthpass/healthpass-cli/cmd.Version=...".
var Version = "v0.1.0-dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the CLI version and the prover artifact it expects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res := map[string]string{"version": Version, "proverArtifact": prover.DefaultArtifact}
		return render(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "healthpass %s (prover artifact %s)\n", Version, prover.DefaultArtifact)
		})
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
