package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cabwire.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
[server]
port = 9090

[fares]
sanity_ceiling = 150.0

[telephony]
company_name = "Norwich Taxis"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 150.0, cfg.Fares.SanityCeiling)
	assert.Equal(t, "Norwich Taxis", cfg.Telephony.CompanyName)

	// Untouched sections keep their defaults
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "GBP", cfg.Fares.Currency)
	assert.Equal(t, 30, cfg.Booking.CancelConfirmTimeoutSec)
	assert.Equal(t, 10*time.Second, cfg.Fares.QuoteDeadline())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroSanityCeiling(t *testing.T) {
	cfg := Default()
	cfg.Fares.SanityCeiling = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresReviewModelWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Review.Enabled = true
	cfg.Review.Model = ""
	require.Error(t, cfg.Validate())

	cfg.Review.Model = "gpt-4o-mini"
	require.NoError(t, cfg.Validate())
}
