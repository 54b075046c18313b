package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Ledger.Driver)
	assert.True(t, decimal.NewFromInt(10).Equal(cfg.Escrow.PlatformFeePercent))
	assert.Equal(t, int64(50), cfg.Gamification.RequestCompletedPoints)
}

func TestLoadConfig_FileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"server": {"port": 9090},
		"escrow": {"platform_fee_percent": "12.5"},
		"ledger": {"driver": "relay", "relay_url": "http://relay:7000"}
	}`), 0o600))

	t.Setenv("SERVER_PORT", "9191")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.True(t, decimal.RequireFromString("12.5").Equal(cfg.Escrow.PlatformFeePercent))
	assert.Equal(t, "http://relay:7000", cfg.Ledger.RelayURL)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Ledger.Driver = "relay"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Escrow.PlatformFeePercent = decimal.NewFromInt(100)
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Database.Driver = "sqlite"
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}

func TestGetDatabaseURL(t *testing.T) {
	db := DatabaseConfig{User: "u", Password: "p", Host: "h", Port: 5432, DBName: "d", SSLMode: "disable"}
	assert.Equal(t, "postgres://u:p@h:5432/d?sslmode=disable", db.GetDatabaseURL())
}
