package cmd

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/spf13/cobra"

	"zkhealthpass/core"
	"zkhealthpass/core/storage"
)

type keygenResult struct {
	PublicKey      string `json:"publicKey"`
	PrivateKeyFile string `json:"privateKeyFile"`
	PublicKeyFile  string `json:"publicKeyFile"`
	Created        bool   `json:"created"`
	DEK            string `json:"dek,omitempty"`
}

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an authority secp256k1 key pair and a storage encryption key",
	Long: `Generate an authority secp256k1 key pair and a storage encryption key.

An existing <dir>/<name>.priv is loaded and kept. Pass --force to replace
it; records signed with the old key can then no longer be re-signed.`,
	Example: `  healthpass keygen --dir keys --name city_hospital
  healthpass keygen --no-dek -o json
  healthpass keygen --name city_hospital --force`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, _ := cmd.Flags().GetString("dir")
		name, _ := cmd.Flags().GetString("name")
		noDEK, _ := cmd.Flags().GetBool("no-dek")
		force, _ := cmd.Flags().GetBool("force")

		var (
			priv    *btcec.PrivateKey
			created bool
			err     error
		)
		if force {
			if priv, err = core.GenerateKeyPair(); err != nil {
				return err
			}
			if _, _, err = core.SaveKeyPair(dir, name, priv); err != nil {
				return err
			}
			created = true
		} else {
			if priv, created, err = core.LoadOrCreateKeyPair(dir, name); err != nil {
				return err
			}
			if !created {
				if _, err = core.WritePublicKeyFile(dir, name, priv.PubKey()); err != nil {
					return err
				}
			}
		}
		res := keygenResult{
			PublicKey:      core.SerializePublicKey(priv.PubKey()),
			PrivateKeyFile: filepath.Join(dir, name+core.PrivKeyExt),
			PublicKeyFile:  filepath.Join(dir, name+core.PubKeyExt),
			Created:        created,
		}
		if !noDEK {
			if res.DEK, err = storage.NewDEK(); err != nil {
				return err
			}
		}
		return render(cmd, res, func(w io.Writer) {
			if !res.Created {
				fmt.Fprintf(w, "Keeping existing key %s (use --force to replace it)\n", res.PrivateKeyFile)
			}
			fmt.Fprintf(w, "Public key:  %s\n", res.PublicKey)
			fmt.Fprintf(w, "Private key: %s\n", res.PrivateKeyFile)
			fmt.Fprintf(w, "Public file: %s\n", res.PublicKeyFile)
			if res.DEK != "" {
				fmt.Fprintf(w, "HEALTHPASS_DEK=%s\n", res.DEK)
			}
		})
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
	keygenCmd.Flags().String("dir", "keys", "Directory for the key files")
	keygenCmd.Flags().String("name", "authority", "Key file base name")
	keygenCmd.Flags().Bool("no-dek", false, "Skip generating a data encryption key")
	keygenCmd.Flags().Bool("force", false, "Replace an existing key pair")
}
