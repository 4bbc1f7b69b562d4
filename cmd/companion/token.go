package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	apiv1 "github.com/hrygo/companion/server/router/api/v1"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print an API access token for a user",
	RunE: func(cmd *cobra.Command, _ []string) error {
		secret := viper.GetString("secret")
		if secret == "" {
			return errors.New("--secret (or COMPANION_SECRET) is required to sign tokens")
		}
		userID, _ := cmd.Flags().GetString("user")
		ttl, _ := cmd.Flags().GetDuration("ttl")
		token, err := apiv1.GenerateAccessToken(secret, userID, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	tokenCmd.Flags().String("user", "", "user id (phone number) the token acts for")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime, 0 for no expiry")
}
