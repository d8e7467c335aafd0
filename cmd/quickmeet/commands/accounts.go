package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/auth"
	"github.com/Tajbir23/quick-meet-sub002/internal/storage"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage account security fields",
}

var accountsAddCmd = &cobra.Command{
	Use:   "add <identity>",
	Short: "Create an account",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsAdd,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List accounts with their lock and ban state",
	RunE:  runAccountsList,
}

var accountsBanCmd = &cobra.Command{
	Use:   "ban <identity>",
	Short: "Ban an account",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setBanned(cmd, args[0], true) },
}

var accountsUnbanCmd = &cobra.Command{
	Use:   "unban <identity>",
	Short: "Lift an account ban",
	Args:  cobra.ExactArgs(1),
	RunE:  func(cmd *cobra.Command, args []string) error { return setBanned(cmd, args[0], false) },
}

var accountsUnlockCmd = &cobra.Command{
	Use:   "unlock <identity>",
	Short: "Clear a failed-login lock",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsUnlock,
}

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsAddCmd, accountsListCmd, accountsBanCmd, accountsUnbanCmd, accountsUnlockCmd)

	accountsAddCmd.Flags().String("password", "", "password (defaults to QUICKMEET_ACCOUNT_PASSWORD)")
	accountsListCmd.Flags().String("format", "table", "Output format (table, json)")
}

// withAccounts opens the configured database for the duration of fn.
func withAccounts(cmd *cobra.Command, fn func(ctx context.Context, store *storage.AccountStore, bcryptCost int) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := storage.Open(ctx, zap.NewNop(), storage.Config{
		Driver: cfg.Database.Driver,
		DSN:    cfg.Database.DSN,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	return fn(ctx, storage.NewAccountStore(db), cfg.Security.BcryptCost)
}

func runAccountsAdd(cmd *cobra.Command, args []string) error {
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		password = os.Getenv("QUICKMEET_ACCOUNT_PASSWORD")
	}
	if password == "" {
		return errors.New("a password is required (--password or QUICKMEET_ACCOUNT_PASSWORD)")
	}

	return withAccounts(cmd, func(ctx context.Context, store *storage.AccountStore, cost int) error {
		hash, err := auth.HashPassword(password, auth.AlgorithmBcrypt, cost)
		if err != nil {
			return err
		}
		if err := store.CreateAccount(ctx, args[0], hash); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Account %s created\n", args[0])
		return nil
	})
}

func runAccountsList(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("format")

	return withAccounts(cmd, func(ctx context.Context, store *storage.AccountStore, _ int) error {
		accounts, err := store.ListAccounts(ctx)
		if err != nil {
			return err
		}
		if format == "json" {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(accounts)
		}
		printAccounts(cmd.OutOrStdout(), accounts, time.Now())
		return nil
	})
}

func printAccounts(out io.Writer, accounts []storage.Account, now time.Time) {
	if len(accounts) == 0 {
		fmt.Fprintln(out, "no accounts")
		return
	}
	fmt.Fprintf(out, "%-24s %-8s %-7s %-22s %s\n", "IDENTITY", "FAILED", "BANNED", "LOCKED", "CREATED")
	for _, a := range accounts {
		locked := "-"
		if a.Locked(now) {
			locked = "until " + humanize.RelTime(a.LockedUntil, now, "ago", "from now")
		}
		banned := "no"
		if a.Banned {
			banned = "yes"
		}
		fmt.Fprintf(out, "%-24s %-8d %-7s %-22s %s\n",
			a.Identity, a.FailedLoginCount, banned, locked,
			humanize.RelTime(a.CreatedAt, now, "ago", "from now"),
		)
	}
}

func setBanned(cmd *cobra.Command, identity string, banned bool) error {
	return withAccounts(cmd, func(ctx context.Context, store *storage.AccountStore, _ int) error {
		// updates for unknown identities are silent no-ops
		if _, err := store.GetAccount(ctx, identity); err != nil {
			return err
		}
		if err := store.SetBanned(ctx, identity, banned); err != nil {
			return err
		}
		state := "banned"
		if !banned {
			state = "unbanned"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Account %s %s\n", identity, state)
		return nil
	})
}

func runAccountsUnlock(cmd *cobra.Command, args []string) error {
	return withAccounts(cmd, func(ctx context.Context, store *storage.AccountStore, _ int) error {
		if _, err := store.GetAccount(ctx, args[0]); err != nil {
			return err
		}
		if err := store.UnlockAccount(ctx, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Account %s unlocked\n", args[0])
		return nil
	})
}
