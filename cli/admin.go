package cli

import (
	"context"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/clarinet-dicom/clarinet/auth"
	"github.com/clarinet-dicom/clarinet/common"
	"github.com/clarinet-dicom/clarinet/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "apply the database schema and exit",
	Run: func(cmd *cobra.Command, args []string) {
		settings := loadSettings()
		entityStore, err := store.Open(settings.Database)
		if err != nil {
			common.Logger.WithError(err).Fatal("failed to open database")
		}
		if err := entityStore.Migrate(); err != nil {
			common.Logger.WithError(err).Fatal("migration failed")
		}
		common.Logger.Info("migration complete")
	},
}

var (
	createUserEmail     string
	createUserPassword  string
	createUserSuperuser bool
)

var createUserCmd = &cobra.Command{
	Use:   "create-user",
	Short: "create a user account",
	Run: func(cmd *cobra.Command, args []string) {
		if createUserEmail == "" || createUserPassword == "" {
			common.Logger.Fatal("--email and --password are required")
		}

		settings := loadSettings()
		entityStore, err := store.Open(settings.Database)
		if err != nil {
			common.Logger.WithError(err).Fatal("failed to open database")
		}

		hash, err := auth.HashPassword(createUserPassword)
		if err != nil {
			common.Logger.WithError(err).Fatal("failed to hash password")
		}
		user := &store.User{
			ID:             uuid.NewString(),
			Email:          createUserEmail,
			HashedPassword: hash,
			IsActive:       true,
			IsSuperuser:    createUserSuperuser,
		}
		if err := entityStore.CreateUser(context.Background(), user); err != nil {
			common.Logger.WithError(err).Fatal("failed to create user")
		}
		common.Logger.WithField("user", user.Email).Info("user created")
	},
}

func init() {
	createUserCmd.Flags().StringVar(&createUserEmail, "email", "", "account email")
	createUserCmd.Flags().StringVar(&createUserPassword, "password", "", "account password")
	createUserCmd.Flags().BoolVar(&createUserSuperuser, "superuser", false, "grant superuser")
}
