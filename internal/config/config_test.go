package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestLoadTOML_MissingFileIsNotError(t *testing.T) {
	cfg := Default()
	err := LoadTOML(filepath.Join(t.TempDir(), "missing.toml"), &cfg)
	require.NoError(t, err)
	assert.Equal(t, Default().ChainID, cfg.ChainID)
}

func TestLoadTOML_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bulennode.toml")
	require.NoError(t, os.WriteFile(path, []byte(`chain_id = "bulencoin-testnet-2"
http_addr = ":9100"
`), 0o644))

	cfg := Default()
	require.NoError(t, LoadTOML(path, &cfg))

	assert.Equal(t, "bulencoin-testnet-2", cfg.ChainID)
	assert.Equal(t, ":9100", cfg.HTTPAddr)
	assert.Equal(t, Default().BlockIntervalMS, cfg.BlockIntervalMS, "fields absent from the file keep their default")
}

func TestApplyEnv_OverridesOnlySetVariables(t *testing.T) {
	t.Setenv("BULEN_CHAIN_ID", "bulencoin-env-1")
	t.Setenv("BULEN_BLOCK_INTERVAL_MS", "3000")
	t.Setenv("BULEN_REQUIRE_SIGNATURES", "false")

	cfg := Default()
	ApplyEnv(&cfg)

	assert.Equal(t, "bulencoin-env-1", cfg.ChainID)
	assert.Equal(t, int64(3000), cfg.BlockIntervalMS)
	assert.False(t, cfg.RequireSignatures)
	assert.Equal(t, Default().HTTPAddr, cfg.HTTPAddr)
}

func TestApplyCLI_OverridesOnlyExplicitFlags(t *testing.T) {
	d := Default()
	app := &cli.App{Flags: Flags(d)}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	for _, f := range app.Flags {
		require.NoError(t, f.Apply(fs))
	}
	require.NoError(t, fs.Parse([]string{"--chain-id", "bulencoin-cli-1"}))
	ctx := cli.NewContext(app, fs, nil)

	cfg := d
	ApplyCLI(ctx, &cfg)

	assert.Equal(t, "bulencoin-cli-1", cfg.ChainID)
	assert.Equal(t, d.HTTPAddr, cfg.HTTPAddr)
}

func TestBlockInterval_ConvertsMillisecondsToDuration(t *testing.T) {
	cfg := Default()
	cfg.BlockIntervalMS = 2500
	assert.Equal(t, int64(2500), cfg.BlockInterval().Milliseconds())
}

func TestApplyEnv_ParsesLoyaltyStepsAndDeviceProtection(t *testing.T) {
	t.Setenv("BULEN_LOYALTY_STEPS", "30:1.05,bogus,180:1.1")
	t.Setenv("BULEN_DEVICE_PROTECTION", "phone:1.15,:2.0,tablet:1.1")
	t.Setenv("BULEN_ENABLE_FAUCET", "true")
	t.Setenv("BULEN_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg := Default()
	ApplyEnv(&cfg)

	require.Len(t, cfg.LoyaltyBoostSteps, 2, "malformed entries are skipped, not fatal")
	assert.Equal(t, 30, cfg.LoyaltyBoostSteps[0].Days)
	assert.Equal(t, 180, cfg.LoyaltyBoostSteps[1].Days)

	assert.Equal(t, 1.15, cfg.DeviceProtectionBoosts["phone"])
	assert.Equal(t, 1.1, cfg.DeviceProtectionBoosts["tablet"])

	assert.True(t, cfg.EnableFaucet)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestApplyEnv_LoyaltyStepsSortedByDaysRegardlessOfEnvOrder(t *testing.T) {
	t.Setenv("BULEN_LOYALTY_STEPS", "180:1.1,30:1.05,90:1.08")

	cfg := Default()
	ApplyEnv(&cfg)

	require.Len(t, cfg.LoyaltyBoostSteps, 3)
	assert.Equal(t, 30, cfg.LoyaltyBoostSteps[0].Days)
	assert.Equal(t, 90, cfg.LoyaltyBoostSteps[1].Days)
	assert.Equal(t, 180, cfg.LoyaltyBoostSteps[2].Days)
}

func TestApplyEnv_MalformedLoyaltyStepsLeavesDefault(t *testing.T) {
	t.Setenv("BULEN_LOYALTY_STEPS", "not-a-valid-entry")

	cfg := Default()
	ApplyEnv(&cfg)
	assert.Nil(t, cfg.LoyaltyBoostSteps, "an entirely malformed value is rejected wholesale, not partially applied")
}
