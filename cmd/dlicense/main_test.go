package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MacJediWizard/decentrilicense/internal/activation"
	"github.com/MacJediWizard/decentrilicense/internal/airgap"
	"github.com/MacJediWizard/decentrilicense/internal/issuer"
	"github.com/MacJediWizard/decentrilicense/internal/ledger"
	"github.com/MacJediWizard/decentrilicense/internal/license"
)

func TestErrorKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"chain", fmt.Errorf("import: %w", license.ErrTokenSignatureInvalid), "TokenSignatureInvalid"},
		{"ledger", ledger.ErrNotActivated, "NotActivated"},
		{"activation", activation.ErrAlreadyBoundElsewhere, "AlreadyBoundElsewhere"},
		{"plain", fmt.Errorf("boom"), "Error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errorKind(tt.err))
		})
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"file=a.txt", "size=", "note=a=b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"file": "a.txt", "size": "", "note": "a=b"}, params)

	params, err = parseParams(nil)
	require.NoError(t, err)
	assert.Nil(t, params)

	_, err = parseParams([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseParams([]string{"=x"})
	assert.Error(t, err)
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestCLI_IssueImportActivateRecord(t *testing.T) {
	t.Setenv(airgap.EnvVar, "1")
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	authority := filepath.Join(dir, "authority")
	tokenFile := filepath.Join(dir, "token.txt")

	cfg := fmt.Sprintf("storage_dir: %s\ndevice_id: device-cli\ndiscovery_timeout: 50ms\nelection_deadline: 2s\nlog_level: error\n",
		filepath.Join(dir, "licenses"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0600))

	require.NoError(t, run(t, "issue", "--authority-dir", authority, "--app-id", "com.example.editor",
		"--code", "LIC-CLI", "--out", tokenFile))
	require.NoError(t, run(t, "--config", cfgPath, "set-root-key", filepath.Join(authority, issuer.RootPublicKeyFile)))
	require.NoError(t, run(t, "--config", cfgPath, "set-product-key", filepath.Join(authority, issuer.ProductKeyFile)))

	require.NoError(t, run(t, "--config", cfgPath, "import", "--file", tokenFile))

	err := run(t, "--config", cfgPath, "record", "login")
	require.ErrorIs(t, err, activation.ErrAlreadyBoundElsewhere)

	require.NoError(t, run(t, "--config", cfgPath, "activate"))
	require.NoError(t, run(t, "--config", cfgPath, "record", "login", "user=alice"))
	require.NoError(t, run(t, "--config", cfgPath, "record", "save"))
	require.NoError(t, run(t, "--config", cfgPath, "ledger", "verify"))
	require.NoError(t, run(t, "--config", cfgPath, "verify"))
	require.NoError(t, run(t, "--config", cfgPath, "status", "--json"))

	out := filepath.Join(dir, "export.json")
	require.NoError(t, run(t, "--config", cfgPath, "export", "--plain", "--out", out))
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	tok, err := license.NewCodec(nil).Decode(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), tok.StateIndex)
	assert.Equal(t, "device-cli", tok.HolderDeviceID)
}

func TestCLI_EnvironmentPinnedToken(t *testing.T) {
	t.Setenv(airgap.EnvVar, "1")
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	authority := filepath.Join(dir, "authority")

	cfg := fmt.Sprintf("storage_dir: %s\ndevice_id: device-cli\nlog_level: error\nenvironment_check: enforce\n",
		filepath.Join(dir, "licenses"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0600))

	foreign := filepath.Join(dir, "foreign.txt")
	require.NoError(t, run(t, "issue", "--authority-dir", authority, "--app-id", "com.example.editor",
		"--code", "LIC-FOREIGN", "--environment-hash", strings.Repeat("ab", 32), "--out", foreign))
	local := filepath.Join(dir, "local.txt")
	require.NoError(t, run(t, "issue", "--authority-dir", authority, "--app-id", "com.example.editor",
		"--code", "LIC-LOCAL", "--bind-environment", "--out", local))

	require.NoError(t, run(t, "--config", cfgPath, "set-root-key", filepath.Join(authority, issuer.RootPublicKeyFile)))
	require.NoError(t, run(t, "--config", cfgPath, "set-product-key", filepath.Join(authority, issuer.ProductKeyFile)))

	err := run(t, "--config", cfgPath, "import", "--file", foreign)
	require.ErrorIs(t, err, license.ErrEnvironmentMismatch)
	assert.Equal(t, "EnvironmentMismatch", errorKind(err))

	require.NoError(t, run(t, "--config", cfgPath, "import", "--file", local))
	require.NoError(t, run(t, "environment"))

	assert.Error(t, run(t, "issue", "--authority-dir", authority, "--app-id", "a", "--code", "C",
		"--bind-environment", "--environment-hash", "x"))
}

func TestCLI_ImportRequiresInput(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yml")
	require.NoError(t, run(t, "--config", cfgPath, "config", "init"))
	assert.Error(t, run(t, "--config", cfgPath, "config", "init"))
	assert.Error(t, run(t, "--config", cfgPath, "import"))
}
