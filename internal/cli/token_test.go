package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fintrack/internal/identity"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func fakeEnv(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func executeToken(t *testing.T, env map[string]string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTokenCommand(fakeEnv(env))
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestTokenCommand_Text(t *testing.T) {
	out, err := executeToken(t, map[string]string{
		"IDENTITY_JWT_SECRET": testSecret,
		"IDENTITY_JWT_ISSUER": "fintrack",
	}, "u1", "--name", "Ada")
	require.NoError(t, err)

	verifier, err := identity.NewJWTVerifier(testSecret, "fintrack")
	require.NoError(t, err)
	signal, err := verifier.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, identity.Signal{UserID: "u1", DisplayName: "Ada", SignedIn: true}, signal)
}

func TestTokenCommand_JSON(t *testing.T) {
	out, err := executeToken(t, map[string]string{"IDENTITY_JWT_SECRET": testSecret},
		"u2", "--format", "json", "--ttl", "1h")
	require.NoError(t, err)

	var res tokenOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "u2", res.UserID)
	assert.NotEmpty(t, res.Token)
	assert.NotEmpty(t, res.ExpiresAt)
}

func TestTokenCommand_NoExpiry(t *testing.T) {
	out, err := executeToken(t, map[string]string{"IDENTITY_JWT_SECRET": testSecret},
		"u3", "--format", "json", "--ttl", "0s")
	require.NoError(t, err)

	var res tokenOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Empty(t, res.ExpiresAt)
}

func TestTokenCommand_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token.txt")

	out, err := executeToken(t, map[string]string{"IDENTITY_JWT_SECRET": testSecret}, "u4", "--out", path)
	require.NoError(t, err)
	assert.Empty(t, out)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, strings.TrimSpace(string(data)))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestTokenCommand_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
		want string
	}{
		{"missing secret", map[string]string{}, []string{"u1"}, "identity"},
		{"weak secret", map[string]string{"IDENTITY_JWT_SECRET": "short"}, []string{"u1"}, "identity"},
		{"bad format", map[string]string{"IDENTITY_JWT_SECRET": testSecret}, []string{"u1", "--format", "yaml"}, "invalid format"},
		{"negative ttl", map[string]string{"IDENTITY_JWT_SECRET": testSecret}, []string{"u1", "--ttl", "-1h"}, "invalid ttl"},
		{"blank user", map[string]string{"IDENTITY_JWT_SECRET": testSecret}, []string{"  "}, "user id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := executeToken(t, tt.env, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := executeToken(t, map[string]string{"IDENTITY_JWT_SECRET": testSecret})
	assert.Error(t, err, "user id argument is required")
}
