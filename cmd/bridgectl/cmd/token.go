package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/starbridge/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a control plane bearer token",
	Long: `Sign a bearer token with the daemon's shared secret (CONTROL_TOKEN_SECRET).

Example:
  bridgectl token --secret "$CONTROL_TOKEN_SECRET" --client extension --ttl 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, _ := cmd.Flags().GetString("secret")
		if secret == "" {
			secret = os.Getenv("CONTROL_TOKEN_SECRET")
		}
		client, _ := cmd.Flags().GetString("client")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		issuerName, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")

		issuer, err := auth.NewJWTIssuer(secret, issuerName, audience)
		if err != nil {
			return err
		}
		tok, err := issuer.Issue(client, ttl)
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(map[string]string{"token": tok, "client": client, "expires": time.Now().Add(ttl).Format(time.RFC3339)})
			return nil
		}
		fmt.Println(tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("secret", "", "shared secret (defaults to CONTROL_TOKEN_SECRET)")
	tokenCmd.Flags().String("client", "bridgectl", "client id carried in the token")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
	tokenCmd.Flags().String("issuer", "starbridge", "token issuer")
	tokenCmd.Flags().String("audience", "starbridge-control", "token audience")
}
