// Package reward computes the per-block reward credited to a block's
// producer, based on node uptime and declared device class.
package reward

import "time"

// LoyaltyTier is one step of the uptime loyalty schedule: nodes with at
// least Days of continuous uptime earn Multiplier instead of the previous
// tier's.
type LoyaltyTier struct {
	Days       int
	Multiplier float64
}

// DefaultLoyaltyTiers mirrors the original protocol's loyalty schedule.
var DefaultLoyaltyTiers = []LoyaltyTier{
	{Days: 30, Multiplier: 1.05},
	{Days: 180, Multiplier: 1.10},
	{Days: 365, Multiplier: 1.20},
}

// DefaultDeviceMultipliers mirrors the original protocol's device-class
// weighting. A device class absent from this map earns a multiplier of 1.0.
var DefaultDeviceMultipliers = map[string]float64{
	"phone":     1.15,
	"tablet":    1.10,
	"raspberry": 1.12,
}

// Config holds the tunables of the reward formula. Zero-value Config is
// not usable; construct via DefaultConfig and override as needed.
type Config struct {
	BaseUptimeRewardPerHour float64
	RewardWeight            float64
	BlockInterval           time.Duration
	LoyaltyTiers            []LoyaltyTier
	DeviceMultipliers       map[string]float64
	DeviceClass             string
}

// DefaultConfig returns the reward configuration used when a node does not
// override it, given the node's configured block production interval.
func DefaultConfig(blockInterval time.Duration) Config {
	return Config{
		BaseUptimeRewardPerHour: 1.0,
		RewardWeight:            0.8,
		BlockInterval:           blockInterval,
		LoyaltyTiers:            DefaultLoyaltyTiers,
		DeviceMultipliers:       DefaultDeviceMultipliers,
		DeviceClass:             "",
	}
}

// BlocksPerHour returns how many blocks this node expects to produce per
// hour at its configured interval.
func (c Config) BlocksPerHour() float64 {
	if c.BlockInterval <= 0 {
		return 1
	}
	return time.Hour.Seconds() / c.BlockInterval.Seconds()
}

// Calculator computes the reward credited to a producer for sealing one
// block, given the node's current uptime.
type Calculator struct {
	cfg Config
}

// NewCalculator builds a Calculator from cfg.
func NewCalculator(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// loyaltyMultiplier returns the highest tier's multiplier reached by
// uptime, or 1.0 if uptime has not reached the first tier.
func (c *Calculator) loyaltyMultiplier(uptime time.Duration) float64 {
	days := uptime.Hours() / 24
	mult := 1.0
	for _, tier := range c.cfg.LoyaltyTiers {
		if days >= float64(tier.Days) {
			mult = tier.Multiplier
		}
	}
	return mult
}

// deviceMultiplier returns the configured multiplier for the node's
// declared device class, defaulting to 1.0 for an unknown or empty class.
func (c *Calculator) deviceMultiplier() float64 {
	if m, ok := c.cfg.DeviceMultipliers[c.cfg.DeviceClass]; ok {
		return m
	}
	return 1.0
}

// PerBlock computes the reward for sealing one block after uptime has
// elapsed: (base * weight * loyalty(uptime) * device) / blocksPerHour.
func (c *Calculator) PerBlock(uptime time.Duration) float64 {
	numerator := c.cfg.BaseUptimeRewardPerHour * c.cfg.RewardWeight * c.loyaltyMultiplier(uptime) * c.deviceMultiplier()
	return numerator / c.cfg.BlocksPerHour()
}
