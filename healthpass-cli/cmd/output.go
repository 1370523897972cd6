package cmd

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"zkhealthpass/core/apperr"
)

// render writes v as indented JSON with --output json, otherwise calls plain.
func render(cmd *cobra.Command, v any, plain func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	switch output {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "plain", "":
		plain(w)
		return nil
	}
	return apperr.Newf(apperr.KindBadInput, "unknown output format %q", output)
}
