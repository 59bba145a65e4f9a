package cmd

import (
	"fmt"
	"log"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/frahmantamala/pixflow/internal/charge"
	"github.com/frahmantamala/pixflow/pkg/logger"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with sample data",
	Long:  `Seed the database with sample charges for development and testing purposes.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}

		store, err := openStorage(cfg.Database, logger.LoggerWrapper())
		if err != nil {
			log.Fatalf("failed to init db: %v", err)
		}
		defer store.close()

		existing, err := store.charges.ListByMerchant(seedMerchant)
		if err != nil {
			log.Fatalf("failed to list charges: %v", err)
		}
		if len(existing) > 0 {
			fmt.Printf("merchant %s already has %d charges; skipping\n", seedMerchant, len(existing))
			return
		}

		samples := []struct {
			client  string
			amount  string
			message string
			status  charge.Status
		}{
			{"Table 4", "50.00", "Two coffees and a croissant", charge.StatusPaid},
			{"Ana Souza", "129.90", "Monthly subscription", charge.StatusPaid},
			{"Delivery #1182", "37.50", "", charge.StatusPending},
			{"Bruno Lima", "15.00", "Refunded at the counter", charge.StatusCanceled},
			{"Table 9", "212.35", "Group dinner", charge.StatusPending},
		}

		for _, s := range samples {
			c, err := store.charges.Create(seedMerchant, s.client, decimal.RequireFromString(s.amount), s.message)
			if err != nil {
				log.Fatalf("failed to insert charge for %s: %v", s.client, err)
			}
			if s.status != charge.StatusPending {
				if _, err := store.charges.CompareAndSetStatus(seedMerchant, c.ID, charge.StatusPending, s.status); err != nil {
					log.Fatalf("failed to set status for %s: %v", c.ID, err)
				}
			}
			fmt.Println("Seeded charge:", c.ID, s.client, s.amount, s.status)
		}
	},
}

var seedMerchant string

func init() {
	seedCmd.Flags().StringVar(&seedMerchant, "merchant", "demo-merchant", "merchant id that owns the seeded charges")
}
