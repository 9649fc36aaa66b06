package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"tatchi/internal/store"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Inspect the local account store",
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		accounts, err := st.ListAccounts()
		if err != nil {
			return err
		}
		if len(accounts) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No accounts stored.")
			return nil
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ACCOUNT\tVRF PUBLIC KEY\tPRF\tESCROW\tUPDATED")
		for _, a := range accounts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				a.AccountID, a.VrfPublicKey, yesNo(a.HasEncrypted), yesNo(a.HasEscrow),
				a.UpdatedAt.Local().Format(time.DateTime))
		}
		return w.Flush()
	},
}

var accountsDeleteCmd = &cobra.Command{
	Use:   "delete <account>",
	Short: "Delete an account's stored blobs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.DeleteAccount(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
		return nil
	},
}

func init() {
	accountsCmd.AddCommand(accountsListCmd, accountsDeleteCmd)
}

func openStore() (*store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Store.Path)
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
