package cmd

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/pixflow/internal"
	"github.com/frahmantamala/pixflow/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an access token for local development",
	Long:  `Sign a bearer token for a merchant with the configured private key. Identity is owned by an external provider in production.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
		if cfg.Security.JWTPrivateKey == "" {
			log.Fatal("security.jwt_private_key is not configured")
		}

		key, err := cfg.Security.GetPrivateKey()
		if err != nil {
			log.Fatalf("failed to load private key: %v", err)
		}

		issuer := auth.NewTokenIssuer(key, cfg.Security.JWTIssuer, cfg.Security.AccessTokenDuration)
		token, err := issuer.Issue(tokenMerchant, tokenRole, time.Now())
		if err != nil {
			log.Fatalf("failed to sign token: %v", err)
		}
		fmt.Println(token)
	},
}

var (
	tokenMerchant string
	tokenRole     string
)

func init() {
	tokenCmd.Flags().StringVar(&tokenMerchant, "merchant", "demo-merchant", "merchant id carried by the token")
	tokenCmd.Flags().StringVar(&tokenRole, "role", internal.RoleMerchant, "role carried by the token")
}
