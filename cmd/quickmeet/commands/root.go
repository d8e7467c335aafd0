package commands

import (
	"fmt"
	"os"
	"runtime"

	"github.com/Tajbir23/quick-meet-sub002/internal/app"
	"github.com/Tajbir23/quick-meet-sub002/internal/config"
	"github.com/spf13/cobra"
)

// Version is set at build time with -ldflags "-X ...commands.Version=...".
var Version = "0.1.0-dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "quickmeet",
	Short: "Zero-trust security core for realtime messaging and calls",
	Long: `quickmeet runs the security core of a realtime messaging and calling
server: login and session control, intrusion detection, call authorization,
a guarded websocket signalling gateway and a hash-chained audit trail.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (defaults and QUICKMEET_* environment when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.SetVersionTemplate(fmt.Sprintf(`quickmeet {{.Version}}
  Go Version: %s
  Platform:   %s/%s
`, runtime.Version(), runtime.GOOS, runtime.GOARCH))
}

// loadConfig loads the file named by --config without command-line
// overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := app.LoadConfig(cfgFile, app.Overrides{})
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
