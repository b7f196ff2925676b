package cli

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/atinyakov/bicicletario/internal/certgen"
	"github.com/spf13/cobra"
)

func newCertCmd() *cobra.Command {
	var (
		hosts    []string
		outDir   string
		validFor time.Duration
	)
	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a self-signed certificate for serving HTTPS",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			certPEM, keyPEM, err := certgen.GenerateSelfSigned(hosts, validFor)
			if err != nil {
				return err
			}
			certPath := filepath.Join(outDir, "server.crt")
			keyPath := filepath.Join(outDir, "server.key")
			if err := certgen.WriteFiles(certPath, keyPath, certPEM, keyPEM); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "TLS_CERT_FILE=%s\nTLS_KEY_FILE=%s\n", certPath, keyPath)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&hosts, "host", []string{"localhost", "127.0.0.1"}, "DNS names or IPs to certify")
	cmd.Flags().StringVar(&outDir, "out", "certs", "output directory")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "certificate lifetime")
	return cmd
}
