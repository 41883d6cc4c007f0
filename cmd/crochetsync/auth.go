package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/auth"
)

var (
	password    string
	displayName string
)

// passwordArg returns --password, falling back to CROCHET_PASSWORD.
func passwordArg() (string, error) {
	if password != "" {
		return password, nil
	}
	if p := os.Getenv("CROCHET_PASSWORD"); p != "" {
		return p, nil
	}
	return "", errors.New("password required: pass --password or set CROCHET_PASSWORD")
}

var loginCmd = &cobra.Command{
	Use:   "login <email>",
	Short: "Sign in and open the account's workspace",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := passwordArg()
		if err != nil {
			return err
		}
		a, _, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		ws, err := a.Login(cmd.Context(), args[0], pw)
		if err != nil {
			return err
		}
		u := a.Bridge().User()
		fmt.Printf("Signed in as %s (%s, %s stores)\n", u.Email, u.Role, ws.Tier)
		if a.Bridge().State() == auth.StateFallback {
			fmt.Println("Profile could not be loaded; using the identity from the session.")
		}
		return nil
	},
}

var registerCmd = &cobra.Command{
	Use:   "register <email>",
	Short: "Create an account and sign in",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := passwordArg()
		if err != nil {
			return err
		}
		a, _, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		ws, err := a.Register(cmd.Context(), args[0], pw, displayName)
		if errors.Is(err, auth.ErrEmailNotConfirmed) {
			fmt.Printf("Account created. Confirm the email sent to %s, then run login.\n", args[0])
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("Account created, signed in as %s (%s stores)\n", args[0], ws.Tier)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and clear the image queue",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		if a.Bridge().User() == nil {
			fmt.Println("Not signed in.")
			return nil
		}
		if err := a.Logout(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("Signed out.")
		return nil
	},
}

var resetPasswordCmd = &cobra.Command{
	Use:   "reset-password <email>",
	Short: "Request a password reset email",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		redirect, _ := cmd.Flags().GetString("redirect")
		if err := a.Bridge().ResetPassword(cmd.Context(), args[0], redirect); err != nil {
			return err
		}
		fmt.Printf("If %s has an account, a reset link is on its way.\n", args[0])
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user and active store tier",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, ws, closeApp, err := openApp(cmd.Context())
		if err != nil {
			return err
		}
		defer closeApp()

		u := a.Bridge().User()
		if u == nil {
			fmt.Printf("Guest (%s stores)\n", ws.Tier)
			return nil
		}
		fmt.Printf("User:    %s\n", u.Email)
		if u.Name != "" {
			fmt.Printf("Name:    %s\n", u.Name)
		}
		fmt.Printf("ID:      %s\n", u.ID)
		fmt.Printf("Role:    %s\n", u.Role)
		fmt.Printf("State:   %s\n", a.Bridge().State())
		fmt.Printf("Stores:  %s\n", ws.Tier)
		fmt.Printf("Uploads: %t\n", ws.Uploads)
		return nil
	},
}

func init() {
	loginCmd.Flags().StringVarP(&password, "password", "p", "", "password (default: $CROCHET_PASSWORD)")
	registerCmd.Flags().StringVarP(&password, "password", "p", "", "password (default: $CROCHET_PASSWORD)")
	registerCmd.Flags().StringVarP(&displayName, "name", "n", "", "display name")
	resetPasswordCmd.Flags().String("redirect", "", "URL the reset link points to")

	rootCmd.AddCommand(loginCmd, registerCmd, logoutCmd, resetPasswordCmd, whoamiCmd)
}
