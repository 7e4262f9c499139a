package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCreds(t *testing.T) {
	t.Helper()
	t.Setenv("TD_CLIENT_ID", "client@AMER.OAUTHAP")
	t.Setenv("TD_REFRESH_TOKEN", "refresh")
	t.Setenv("TD_ACCOUNT_ID", "123456789")
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const minimalYAML = `
tickers:
  - symbol: "MTDR"
    first_buy_price: 9.91
    balance: 1000
    buy_proportion: 0.04
    sell_proportion: 0.035
    new_buy_proportion: 0.02
`

func TestLoadDefaults(t *testing.T) {
	setCreds(t)
	path := writeConfig(t, minimalYAML)

	cfg, err := Load([]string{"-config", path})
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.MaxBuys)
	assert.Equal(t, "04:00", cfg.OpenTime)
	assert.Equal(t, "17:00", cfg.CloseTime)
	assert.Equal(t, "America/New_York", cfg.Timezone)
	assert.Equal(t, 2, cfg.RateSlots)
	assert.False(t, cfg.Recover)
	require.Len(t, cfg.Tickers, 1)
	assert.Equal(t, "MTDR", cfg.Tickers[0].Symbol)
	assert.Equal(t, "client@AMER.OAUTHAP", cfg.Credentials.ClientID)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "America/New_York", loc.String())
}

func TestFlagsOverrideFile(t *testing.T) {
	setCreds(t)
	path := writeConfig(t, minimalYAML+`
open_time: "09:30"
max_buys: 5
`)

	cfg, err := Load([]string{"-config", path, "-open-time", "08:00", "-recover"})
	require.NoError(t, err)
	assert.Equal(t, "08:00", cfg.OpenTime)
	assert.Equal(t, 5, cfg.MaxBuys)
	assert.True(t, cfg.Recover)
}

func TestMissingCredentials(t *testing.T) {
	t.Setenv("TD_CLIENT_ID", "")
	t.Setenv("TD_REFRESH_TOKEN", "")
	t.Setenv("TD_ACCOUNT_ID", "")
	path := writeConfig(t, minimalYAML)

	_, err := Load([]string{"-config", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TD_CLIENT_ID")
}

func TestNoTickers(t *testing.T) {
	setCreds(t)
	path := writeConfig(t, "max_buys: 3\n")

	_, err := Load([]string{"-config", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no tickers")
}

func TestSymbolsNormalizedToUpper(t *testing.T) {
	setCreds(t)
	path := writeConfig(t, `
tickers:
  - symbol: " mtdr "
    first_buy_price: 9.91
    balance: 1000
    buy_proportion: 0.04
    sell_proportion: 0.035
    new_buy_proportion: 0.02
`)

	cfg, err := Load([]string{"-config", path})
	require.NoError(t, err)
	require.Len(t, cfg.Tickers, 1)
	assert.Equal(t, "MTDR", cfg.Tickers[0].Symbol)
}

func TestDuplicateTicker(t *testing.T) {
	setCreds(t)
	path := writeConfig(t, minimalYAML+`
  - symbol: "mtdr"
    first_buy_price: 9.91
    balance: 1000
`)

	_, err := Load([]string{"-config", path})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate ticker")
}
