package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"petshop-service/config"
	"petshop-service/database"
	"petshop-service/models"
	"petshop-service/users"
)

func createAdminCmd() *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an admin account",
		Long: `Create an account that may manage the catalog and reconcile orders.

The password is read from PETSHOP_ADMIN_PASSWORD.

Examples:
  PETSHOP_ADMIN_PASSWORD=... petshop create-admin --email ops@example.com`,
		RunE: func(cmd *cobra.Command, args []string) error {
			password := os.Getenv("PETSHOP_ADMIN_PASSWORD")
			if len(password) < 8 {
				return errors.New("PETSHOP_ADMIN_PASSWORD must be at least 8 characters")
			}

			cfg := config.LoadConfig()
			db, err := database.Open(cfg)
			if err != nil {
				return fmt.Errorf("database initialization failed: %w", err)
			}
			defer db.Close()

			user, err := users.NewStore(db).CreateAdmin(context.Background(), models.RegisterRequest{
				Name:     name,
				Email:    email,
				Password: password,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created admin %s (id %d)\n", user.Email, user.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "admin email")
	cmd.Flags().StringVar(&name, "name", "Administrator", "display name")
	cmd.MarkFlagRequired("email")
	return cmd
}
