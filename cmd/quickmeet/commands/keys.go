package commands

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Key material helpers",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a random master secret",
	Long: `Print a random secret suitable for security.master_secret or
QUICKMEET_SECURITY_MASTER_SECRET. Changing the secret of a running
deployment invalidates signatures, tokens and the audit key.`,
	RunE: runKeysGenerate,
}

func init() {
	rootCmd.AddCommand(keysCmd)
	keysCmd.AddCommand(keysGenerateCmd)

	keysGenerateCmd.Flags().Int("bytes", 32, "secret size in bytes (at least 16)")
	keysGenerateCmd.Flags().String("encoding", "base64", "Output encoding (base64, hex)")
}

func runKeysGenerate(cmd *cobra.Command, args []string) error {
	size, _ := cmd.Flags().GetInt("bytes")
	encoding, _ := cmd.Flags().GetString("encoding")

	secret, err := generateSecret(size, encoding)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), secret)
	return nil
}

func generateSecret(size int, encoding string) (string, error) {
	if size < 16 {
		return "", fmt.Errorf("secret must be at least 16 bytes, got %d", size)
	}
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	switch encoding {
	case "base64", "":
		return base64.StdEncoding.EncodeToString(buf), nil
	case "hex":
		return hex.EncodeToString(buf), nil
	default:
		return "", fmt.Errorf("unknown encoding: %s", encoding)
	}
}
