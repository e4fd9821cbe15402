package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"fintrack/internal/identity"
)

// TokenOptions holds the flags of the token command.
type TokenOptions struct {
	Name   string
	Issuer string
	TTL    time.Duration
	Out    string
	Format string // "text" | "json"
}

var tokenFormats = []string{"text", "json"}

type tokenOutput struct {
	UserID    string `json:"userId"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt,omitempty"`
}

// NewTokenCommand creates the command that issues identity tokens for local
// development. The signing secret is read through getenv so it never shows up
// in shell history.
func NewTokenCommand(getenv func(string) string) *cobra.Command {
	opts := &TokenOptions{}

	cmd := &cobra.Command{
		Use:   "fintrack-token <user-id>",
		Short: "Issue an identity token for the fintrack API",
		Long: `Issue an HMAC-signed identity token for a user.

The token is signed with IDENTITY_JWT_SECRET, the secret the server verifies
with. Send it as {"token": "..."} to POST /api/session or as a bearer
Authorization header.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, opts, getenv("IDENTITY_JWT_SECRET"), args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "display name carried in the token")
	cmd.Flags().StringVar(&opts.Issuer, "issuer", getenv("IDENTITY_JWT_ISSUER"), "token issuer (default $IDENTITY_JWT_ISSUER)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime; 0 issues a token without expiry")
	cmd.Flags().StringVarP(&opts.Out, "out", "o", "", "write the token to this file instead of stdout")
	cmd.Flags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	return cmd
}

func runToken(cmd *cobra.Command, opts *TokenOptions, secret, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id cannot be empty")
	}
	if !slices.Contains(tokenFormats, opts.Format) {
		return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, tokenFormats)
	}
	if opts.TTL < 0 {
		return fmt.Errorf("invalid ttl %v: must not be negative", opts.TTL)
	}

	verifier, err := identity.NewJWTVerifier(secret, opts.Issuer)
	if err != nil {
		return fmt.Errorf("identity: %w", err)
	}
	token, err := verifier.Sign(userID, strings.TrimSpace(opts.Name), opts.TTL)
	if err != nil {
		return fmt.Errorf("sign token: %w", err)
	}

	out := []byte(token + "\n")
	if opts.Format == "json" {
		res := tokenOutput{UserID: userID, Token: token}
		if opts.TTL > 0 {
			res.ExpiresAt = time.Now().Add(opts.TTL).UTC().Format(time.RFC3339)
		}
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		out = append(data, '\n')
	}

	if opts.Out != "" {
		if err := os.WriteFile(opts.Out, out, 0o600); err != nil {
			return fmt.Errorf("write token: %w", err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "Saved token to %s\n", opts.Out)
		return nil
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
