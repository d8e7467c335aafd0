package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Tajbir23/quick-meet-sub002/internal/api"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show security status of a running server",
	Long:  `Display bans, locked accounts, sessions, call state and audit writer counters.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "http://localhost:8080", "API server URL")
	statusCmd.Flags().String("token", os.Getenv("QUICKMEET_SERVER_STATUS_TOKEN"), "status token sent as X-Status-Token")
	statusCmd.Flags().String("format", "table", "Output format (table, json, yaml)")
	statusCmd.Flags().Bool("watch", false, "Watch status")
	statusCmd.Flags().Duration("interval", 5*time.Second, "Watch interval")
}

func runStatus(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	token, _ := cmd.Flags().GetString("token")
	format, _ := cmd.Flags().GetString("format")
	watch, _ := cmd.Flags().GetBool("watch")
	interval, _ := cmd.Flags().GetDuration("interval")

	client := &http.Client{Timeout: 10 * time.Second}
	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if !watch {
		return displayStatus(ctx, out, client, apiURL, token, format)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		// clear screen
		fmt.Fprint(out, "\033[H\033[2J")
		if err := displayStatus(ctx, out, client, apiURL, token, format); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func displayStatus(ctx context.Context, out io.Writer, client *http.Client, apiURL, token, format string) error {
	status, err := fetchStatus(ctx, client, apiURL, token)
	if err != nil {
		return fmt.Errorf("failed to fetch status: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	case "yaml":
		return yaml.NewEncoder(out).Encode(status)
	case "table", "":
		return displayTable(out, status, time.Now())
	default:
		return fmt.Errorf("unknown format: %s", format)
	}
}

type statusEnvelope struct {
	Success bool               `json:"success"`
	Data    api.StatusResponse `json:"data"`
	Error   string             `json:"error"`
	Code    string             `json:"code"`
}

func fetchStatus(ctx context.Context, client *http.Client, apiURL, token string) (*api.StatusResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(apiURL, "/")+"/api/v1/status", nil)
	if err != nil {
		return nil, err
	}
	if token != "" {
		req.Header.Set("X-Status-Token", token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var env statusEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("API returned status %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || !env.Success {
		return nil, fmt.Errorf("API returned status %d: %s", resp.StatusCode, env.Error)
	}
	return &env.Data, nil
}

func displayTable(out io.Writer, status *api.StatusResponse, now time.Time) error {
	fmt.Fprintf(out, "quickmeet status - %s\n\n", now.Format("2006-01-02 15:04:05"))

	fmt.Fprintln(out, "Server:")
	if status.Version != "" {
		fmt.Fprintf(out, "  Version             : %s\n", status.Version)
	}
	fmt.Fprintf(out, "  Uptime              : %s\n", status.Uptime)
	if !status.Security.GeneratedAt.IsZero() {
		fmt.Fprintf(out, "  Report generated    : %s\n", humanize.RelTime(status.Security.GeneratedAt, now, "ago", "from now"))
	}

	sec := status.Security
	fmt.Fprintln(out, "\nSecurity:")
	fmt.Fprintf(out, "  Banned IPs          : %s (%s permanent)\n", humanize.Comma(int64(sec.BannedIPs)), humanize.Comma(int64(sec.PermanentBans)))
	fmt.Fprintf(out, "  Locked accounts     : %s\n", humanize.Comma(int64(sec.LockedAccounts)))
	fmt.Fprintf(out, "  High threat IPs     : %s\n", humanize.Comma(int64(sec.HighThreatIPs)))
	fmt.Fprintf(out, "  Active sessions     : %s\n", humanize.Comma(int64(sec.ActiveSessions)))
	fmt.Fprintf(out, "  Tracked connections : %s\n", humanize.Comma(int64(sec.TrackedConnections)))

	fmt.Fprintln(out, "\nCalls:")
	fmt.Fprintf(out, "  Active sessions     : %s\n", humanize.Comma(int64(status.Calls.ActiveSessions)))
	fmt.Fprintf(out, "  Pending tokens      : %s\n", humanize.Comma(int64(status.Calls.PendingTokens)))
	fmt.Fprintf(out, "  Connections         : %s\n", humanize.Comma(int64(status.Gateway.Connections)))

	if a := status.Audit; a != nil {
		fmt.Fprintln(out, "\nAudit:")
		fmt.Fprintf(out, "  Written             : %s\n", humanize.Comma(int64(a.Written)))
		fmt.Fprintf(out, "  Dropped             : %s\n", humanize.Comma(int64(a.Dropped)))
		fmt.Fprintf(out, "  Failed              : %s\n", humanize.Comma(int64(a.Failed)))
		fmt.Fprintf(out, "  Queued              : %s\n", humanize.Comma(int64(a.Queued)))
		if a.Segment != "" {
			fmt.Fprintf(out, "  Segment             : %s\n", a.Segment)
		}
		if a.LastHash != "" {
			fmt.Fprintf(out, "  Last hash           : %s\n", a.LastHash)
		}
	}
	return nil
}
