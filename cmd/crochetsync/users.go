package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sebastjanm/crochet-tracker-sub001/internal/app"
	"github.com/sebastjanm/crochet-tracker-sub001/internal/model"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage local accounts (only without a hosted backend)",
	Long: `Manage the accounts kept in the local database. Making an account pro
switches it to synced stores once a hosted backend is configured; locally it
only changes the role.

With a hosted backend, accounts and roles are managed there instead.`,
}

// localAccounts opens the app for managing its local accounts. While
// someone is signed in, only an admin may do that.
func localAccounts(cmd *cobra.Command) (*app.App, func(), error) {
	a, _, closeApp, err := openApp(cmd.Context())
	if err != nil {
		return nil, nil, err
	}
	if a.Accounts() == nil {
		closeApp()
		return nil, nil, app.ErrHostedAccounts
	}
	if u := a.Bridge().User(); u != nil && !u.IsAdmin() {
		closeApp()
		return nil, nil, fmt.Errorf("%s is not an admin", u.Email)
	}
	return a, closeApp, nil
}

var usersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeApp, err := localAccounts(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		users, err := a.Accounts().Accounts(cmd.Context())
		if err != nil {
			return err
		}
		if len(users) == 0 {
			fmt.Println("No accounts.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEMAIL\tNAME\tROLE")
		for _, u := range users {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.ID, u.Email, u.Name, u.Role)
		}
		return w.Flush()
	},
}

var usersRoleCmd = &cobra.Command{
	Use:   "role <email> <role>",
	Short: "Set the role of an account (ordinary, pro or admin)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := args[1]
		if model.NormalizeRole(role) != role {
			return fmt.Errorf("unknown role %q", role)
		}
		a, closeApp, err := localAccounts(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		if err := a.Accounts().SetRole(cmd.Context(), args[0], role); err != nil {
			return err
		}
		fmt.Printf("%s is now %s. Sign in again to switch stores.\n", args[0], role)
		return nil
	},
}

var usersPasswdCmd = &cobra.Command{
	Use:   "passwd <email>",
	Short: "Set the password of an account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pw, err := passwordArg()
		if err != nil {
			return err
		}
		a, closeApp, err := localAccounts(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		if err := a.Accounts().SetPassword(cmd.Context(), args[0], pw); err != nil {
			return err
		}
		fmt.Println("Password changed.")
		return nil
	},
}

var usersRmCmd = &cobra.Command{
	Use:   "rm <email>",
	Short: "Delete an account and its local data, signing it out if it is the current one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, closeApp, err := localAccounts(cmd)
		if err != nil {
			return err
		}
		defer closeApp()

		if err := a.DeleteAccount(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("Deleted, along with the account's data on this device.")
		return nil
	},
}

func init() {
	usersPasswdCmd.Flags().StringVarP(&password, "password", "p", "", "new password (default: $CROCHET_PASSWORD)")

	usersCmd.AddCommand(usersListCmd, usersRoleCmd, usersPasswdCmd, usersRmCmd)
	rootCmd.AddCommand(usersCmd)
}
