package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Tajbir23/quick-meet-sub002/internal/config"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write config.yaml with the built-in defaults. With --with-secret a
fresh master secret is generated into it; otherwise supply one through
QUICKMEET_SECURITY_MASTER_SECRET before starting.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().String("config-dir", ".", "Configuration directory")
	initCmd.Flags().Bool("force", false, "Overwrite an existing configuration")
	initCmd.Flags().Bool("with-secret", false, "Generate a master secret into the file")
	initCmd.Flags().Bool("hardened", false, "Require the master secret and signed critical events")
}

func runInit(cmd *cobra.Command, args []string) error {
	configDir, _ := cmd.Flags().GetString("config-dir")
	force, _ := cmd.Flags().GetBool("force")
	withSecret, _ := cmd.Flags().GetBool("with-secret")
	hardened, _ := cmd.Flags().GetBool("hardened")

	path := filepath.Join(configDir, "config.yaml")
	if !force && fileExists(path) {
		return fmt.Errorf("%s already exists, use --force to overwrite", path)
	}

	cfg := config.Default()
	if withSecret {
		secret, err := generateSecret(32, "base64")
		if err != nil {
			return err
		}
		cfg.Security.MasterSecret = secret
	}
	if hardened {
		cfg.Security.RequireMasterSecret = true
		cfg.Guard.RejectUnsigned = true
	}

	if err := config.Save(cfg, path); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration written to %s\n", path)
	fmt.Fprintln(out, "\nNext steps:")
	if !withSecret {
		fmt.Fprintln(out, "  1. Set QUICKMEET_SECURITY_MASTER_SECRET (see 'quickmeet keys generate')")
	} else {
		fmt.Fprintln(out, "  1. Keep the file private, it holds the master secret")
	}
	fmt.Fprintln(out, "  2. Add accounts with 'quickmeet accounts add'")
	fmt.Fprintf(out, "  3. Run 'quickmeet start --config %s'\n", path)
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
