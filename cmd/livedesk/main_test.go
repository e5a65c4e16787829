package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livedesk/internal/auth"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs([]string{})
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		configPath, envFile = "", ".env"
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "livedesk version "+Version)
}

func TestHelp(t *testing.T) {
	out, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "serve")
	assert.Contains(t, out, "token")
}

func TestTokenCommand_IssuesVerifiableToken(t *testing.T) {
	t.Setenv("LIVEDESK_AUTH_JWT_SECRET", "s3cret")

	out, err := execute(t, "token", "--subject", "op1", "--name", "Ada", "--env-file", "")
	require.NoError(t, err)

	v, err := auth.NewVerifier("s3cret", "livedesk")
	require.NoError(t, err)
	claims, err := v.Verify(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "op1", claims.Subject)
	assert.Equal(t, "Ada", claims.Name)
}

func TestTokenCommand_RequiresSecret(t *testing.T) {
	_, err := execute(t, "token", "--subject", "op1", "--env-file", "")
	assert.Error(t, err)
}

func TestTokenCommand_ReadsDotenv(t *testing.T) {
	dir := t.TempDir()
	env := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(env, []byte("LIVEDESK_AUTH_JWT_SECRET=from-dotenv\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("LIVEDESK_AUTH_JWT_SECRET") })

	out, err := execute(t, "token", "--subject", "op2", "--env-file", env)
	require.NoError(t, err)

	v, err := auth.NewVerifier("from-dotenv", "livedesk")
	require.NoError(t, err)
	_, err = v.Verify(strings.TrimSpace(out))
	assert.NoError(t, err)
}

func TestLoadEnv_MissingFileIsFine(t *testing.T) {
	assert.NoError(t, loadEnv(filepath.Join(t.TempDir(), "absent.env")))
	assert.NoError(t, loadEnv(""))
}

func TestServe_InvalidConfigFile(t *testing.T) {
	_, err := execute(t, "serve", "--config", filepath.Join(t.TempDir(), "missing.yaml"), "--env-file", "")
	assert.Error(t, err)
}
