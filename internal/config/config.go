// Package config loads node configuration in ascending priority: compiled
// defaults, an optional TOML file, environment variables, then CLI flags —
// each layer only overriding what it explicitly sets.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"

	"github.com/bulengerk/bulennode/internal/reward"
)

// Config is a node's full runtime configuration.
type Config struct {
	ChainID         string   `toml:"chain_id"`
	NodeID          string   `toml:"node_id"`
	DataDir         string   `toml:"data_dir"`
	HTTPAddr        string   `toml:"http_addr"`
	Peers           []string `toml:"peers"`
	P2PToken        string   `toml:"p2p_token"`
	ProtocolVersion string   `toml:"protocol_version"`

	BlockIntervalMS      int64 `toml:"block_interval_ms"`
	PeerSyncIntervalMS   int64 `toml:"peer_sync_interval_ms"`
	RateLimitWindowMS    int64 `toml:"rate_limit_window_ms"`
	RateLimitMaxRequests int   `toml:"rate_limit_max_requests"`
	MaxBodyBytes         int64 `toml:"max_body_bytes"`

	RequireSignatures       bool     `toml:"require_signatures"`
	EnableFaucet            bool     `toml:"enable_faucet"`
	CORSOrigins             []string `toml:"cors_origins"`
	RewardWeight            float64  `toml:"reward_weight"`
	BaseUptimeRewardPerHour float64  `toml:"base_uptime_reward_per_hour"`
	DeviceClass             string   `toml:"device_class"`

	// LoyaltyBoostSteps and DeviceProtectionBoosts override reward's
	// compiled-in defaults when non-empty (spec §6).
	LoyaltyBoostSteps      []reward.LoyaltyTier `toml:"-"`
	DeviceProtectionBoosts map[string]float64   `toml:"-"`
}

// Default returns the compiled-in configuration every node starts from.
func Default() Config {
	return Config{
		ChainID:                 "bulencoin-devnet-1",
		NodeID:                  "node-" + uuid.NewString(),
		DataDir:                 "./data",
		HTTPAddr:                ":5100",
		Peers:                   nil,
		P2PToken:                "",
		ProtocolVersion:         "1.0.0",
		BlockIntervalMS:         8000,
		PeerSyncIntervalMS:      5000,
		RateLimitWindowMS:       15000,
		RateLimitMaxRequests:    60,
		MaxBodyBytes:            131072,
		RequireSignatures:       true,
		RewardWeight:            0.8,
		BaseUptimeRewardPerHour: 1.0,
		DeviceClass:             "",
	}
}

// BlockInterval returns BlockIntervalMS as a time.Duration.
func (c Config) BlockInterval() time.Duration {
	return time.Duration(c.BlockIntervalMS) * time.Millisecond
}

// PeerSyncInterval returns PeerSyncIntervalMS as a time.Duration.
func (c Config) PeerSyncInterval() time.Duration {
	return time.Duration(c.PeerSyncIntervalMS) * time.Millisecond
}

// RateLimitWindow returns RateLimitWindowMS as a time.Duration.
func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMS) * time.Millisecond
}

// LoadTOML overlays the TOML document at path onto cfg. A missing file is
// not an error — it simply leaves cfg untouched, since a TOML file is
// optional.
func LoadTOML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// envPrefix namespaces every environment variable this node reads.
const envPrefix = "BULEN_"

// ApplyEnv overlays any BULEN_* environment variables found onto cfg.
func ApplyEnv(cfg *Config) {
	if v, ok := lookupEnv("CHAIN_ID"); ok {
		cfg.ChainID = v
	}
	if v, ok := lookupEnv("NODE_ID"); ok {
		cfg.NodeID = v
	}
	if v, ok := lookupEnv("DATA_DIR"); ok {
		cfg.DataDir = v
	}
	if v, ok := lookupEnv("HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := lookupEnv("PEERS"); ok {
		cfg.Peers = splitNonEmpty(v, ",")
	}
	if v, ok := lookupEnv("P2P_TOKEN"); ok {
		cfg.P2PToken = v
	}
	if v, ok := lookupEnv("PROTOCOL_VERSION"); ok {
		cfg.ProtocolVersion = v
	}
	if v, ok := lookupEnvInt64("BLOCK_INTERVAL_MS"); ok {
		cfg.BlockIntervalMS = v
	}
	if v, ok := lookupEnvInt64("PEER_SYNC_INTERVAL_MS"); ok {
		cfg.PeerSyncIntervalMS = v
	}
	if v, ok := lookupEnvInt64("RATE_LIMIT_WINDOW_MS"); ok {
		cfg.RateLimitWindowMS = v
	}
	if v, ok := lookupEnvInt("RATE_LIMIT_MAX_REQUESTS"); ok {
		cfg.RateLimitMaxRequests = v
	}
	if v, ok := lookupEnvInt64("MAX_BODY_BYTES"); ok {
		cfg.MaxBodyBytes = v
	}
	if v, ok := lookupEnvBool("REQUIRE_SIGNATURES"); ok {
		cfg.RequireSignatures = v
	}
	if v, ok := lookupEnvBool("ENABLE_FAUCET"); ok {
		cfg.EnableFaucet = v
	}
	if v, ok := lookupEnv("CORS_ORIGINS"); ok {
		cfg.CORSOrigins = splitNonEmpty(v, ",")
	}
	if v, ok := lookupEnvFloat("REWARD_WEIGHT"); ok {
		cfg.RewardWeight = v
	}
	if v, ok := lookupEnvFloat("BASE_UPTIME_REWARD_PER_HOUR"); ok {
		cfg.BaseUptimeRewardPerHour = v
	}
	if v, ok := lookupEnv("DEVICE_CLASS"); ok {
		cfg.DeviceClass = v
	}
	if v, ok := lookupEnv("LOYALTY_STEPS"); ok {
		if steps, err := parseLoyaltySteps(v); err == nil {
			cfg.LoyaltyBoostSteps = steps
		}
	}
	if v, ok := lookupEnv("DEVICE_PROTECTION"); ok {
		cfg.DeviceProtectionBoosts = parseDeviceBoosts(v)
	}
}

// parseLoyaltySteps parses the original implementation's compact
// "days:multiplier,days:multiplier,..." grammar, e.g. "30:1.05,180:1.1".
// A malformed entry is skipped, not fatal (spec's own behavior).
func parseLoyaltySteps(s string) ([]reward.LoyaltyTier, error) {
	var steps []reward.LoyaltyTier
	for _, part := range splitNonEmpty(s, ",") {
		days, mult, ok := strings.Cut(part, ":")
		if !ok {
			continue
		}
		d, err := strconv.Atoi(strings.TrimSpace(days))
		if err != nil {
			continue
		}
		m, err := strconv.ParseFloat(strings.TrimSpace(mult), 64)
		if err != nil {
			continue
		}
		steps = append(steps, reward.LoyaltyTier{Days: d, Multiplier: m})
	}
	if len(steps) == 0 {
		return nil, fmt.Errorf("config: no valid loyalty steps in %q", s)
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Days < steps[j].Days })
	return steps, nil
}

// parseDeviceBoosts parses "class:multiplier,class:multiplier,..." the same
// way. Malformed entries are skipped, never fatal.
func parseDeviceBoosts(s string) map[string]float64 {
	boosts := make(map[string]float64)
	for _, part := range splitNonEmpty(s, ",") {
		class, mult, ok := strings.Cut(part, ":")
		class = strings.TrimSpace(class)
		if !ok || class == "" {
			continue
		}
		m, err := strconv.ParseFloat(strings.TrimSpace(mult), 64)
		if err != nil {
			continue
		}
		boosts[class] = m
	}
	return boosts
}

func lookupEnv(name string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + name)
	return v, ok && v != ""
}

func lookupEnvInt64(name string) (int64, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	return n, err == nil
}

func lookupEnvInt(name string) (int, bool) {
	v, ok := lookupEnvInt64(name)
	return int(v), ok
}

func lookupEnvFloat(name string) (float64, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	return f, err == nil
}

func lookupEnvBool(name string) (bool, bool) {
	v, ok := lookupEnv(name)
	if !ok {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	return b, err == nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Flags returns the urfave/cli flags a bulennode binary exposes, each
// falling back to d's corresponding field when unset.
func Flags(d Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "config", Usage: "path to a TOML config file", Category: "NODE"},
		&cli.StringFlag{Name: "chain-id", Value: d.ChainID, Usage: "chain identifier advertised to peers", Category: "NODE"},
		&cli.StringFlag{Name: "node-id", Value: d.NodeID, Usage: "this node's identifier", Category: "NODE"},
		&cli.StringFlag{Name: "datadir", Value: d.DataDir, Usage: "directory for persisted state", Category: "NODE"},
		&cli.StringFlag{Name: "http-addr", Value: d.HTTPAddr, Usage: "HTTP listen address", Category: "NETWORK"},
		&cli.StringSliceFlag{Name: "peer", Usage: "peer base URL (repeatable)", Category: "NETWORK"},
		&cli.StringFlag{Name: "p2p-token", Value: d.P2PToken, Usage: "shared secret peers must present", Category: "NETWORK"},
		&cli.Int64Flag{Name: "block-interval-ms", Value: d.BlockIntervalMS, Usage: "milliseconds between sealed blocks", Category: "CONSENSUS"},
		&cli.Int64Flag{Name: "peer-sync-interval-ms", Value: d.PeerSyncIntervalMS, Usage: "milliseconds between peer catch-up probes", Category: "CONSENSUS"},
		&cli.BoolFlag{Name: "require-signatures", Value: d.RequireSignatures, Usage: "reject transactions without a valid signature", Category: "CONSENSUS"},
		&cli.BoolFlag{Name: "enable-faucet", Value: d.EnableFaucet, Usage: "expose POST /api/faucet for development balance credits", Category: "NETWORK"},
		&cli.StringSliceFlag{Name: "cors-origin", Usage: "allowed CORS origin (repeatable, default *)", Category: "NETWORK"},
		&cli.Float64Flag{Name: "reward-weight", Value: d.RewardWeight, Usage: "multiplier applied to the base uptime reward", Category: "REWARDS"},
		&cli.Float64Flag{Name: "base-uptime-reward-per-hour", Value: d.BaseUptimeRewardPerHour, Usage: "base reward pool per hour of uptime", Category: "REWARDS"},
		&cli.StringFlag{Name: "device-class", Value: d.DeviceClass, Usage: "device class for reward weighting (phone, tablet, raspberry)", Category: "REWARDS"},
	}
}

// ApplyCLI overlays flags explicitly set on ctx onto cfg.
func ApplyCLI(ctx *cli.Context, cfg *Config) {
	if ctx.IsSet("chain-id") {
		cfg.ChainID = ctx.String("chain-id")
	}
	if ctx.IsSet("node-id") {
		cfg.NodeID = ctx.String("node-id")
	}
	if ctx.IsSet("datadir") {
		cfg.DataDir = ctx.String("datadir")
	}
	if ctx.IsSet("http-addr") {
		cfg.HTTPAddr = ctx.String("http-addr")
	}
	if ctx.IsSet("peer") {
		cfg.Peers = ctx.StringSlice("peer")
	}
	if ctx.IsSet("p2p-token") {
		cfg.P2PToken = ctx.String("p2p-token")
	}
	if ctx.IsSet("block-interval-ms") {
		cfg.BlockIntervalMS = ctx.Int64("block-interval-ms")
	}
	if ctx.IsSet("peer-sync-interval-ms") {
		cfg.PeerSyncIntervalMS = ctx.Int64("peer-sync-interval-ms")
	}
	if ctx.IsSet("require-signatures") {
		cfg.RequireSignatures = ctx.Bool("require-signatures")
	}
	if ctx.IsSet("enable-faucet") {
		cfg.EnableFaucet = ctx.Bool("enable-faucet")
	}
	if ctx.IsSet("cors-origin") {
		cfg.CORSOrigins = ctx.StringSlice("cors-origin")
	}
	if ctx.IsSet("reward-weight") {
		cfg.RewardWeight = ctx.Float64("reward-weight")
	}
	if ctx.IsSet("base-uptime-reward-per-hour") {
		cfg.BaseUptimeRewardPerHour = ctx.Float64("base-uptime-reward-per-hour")
	}
	if ctx.IsSet("device-class") {
		cfg.DeviceClass = ctx.String("device-class")
	}
}
