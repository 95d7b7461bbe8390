package live

import "time"

// Config holds the coordination tunables. Grace period and token expiry
// are deliberately separate clocks: a flapping connection must not re-arm
// leave detection forever, while a slow client with a still-valid token
// can redeem it after the first grace window lapsed.
type Config struct {
	// GracePeriod is how long a dropped participant counts as
	// "reconnecting" before being treated as a genuine leave.
	GracePeriod time.Duration
	// TokenTTL is how long a reconnection token stays redeemable.
	TokenTTL time.Duration
	// MaxReconnectAttempts bounds redemptions per token against retry storms.
	MaxReconnectAttempts int
	// MaxSessionDuration is the live-session ceiling enforced by the reaper.
	MaxSessionDuration time.Duration
	// ReaperInterval is how often the stale-session reaper scans.
	ReaperInterval time.Duration
	// QualityHistorySize bounds the per-participant telemetry ring buffer.
	QualityHistorySize int
	// QualityWeights combines the four quality sub-scores. Zero value
	// falls back to the defaults.
	QualityWeights QualityWeights
	// BreakoutRetention keeps a closed breakout config queryable during teardown.
	BreakoutRetention time.Duration
	// BreakoutWarningLead is how long before auto-close the warning fires.
	BreakoutWarningLead time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		GracePeriod:          2 * time.Minute,
		TokenTTL:             30 * time.Minute,
		MaxReconnectAttempts: 5,
		MaxSessionDuration:   6 * time.Hour,
		ReaperInterval:       5 * time.Minute,
		QualityHistorySize:   30,
		QualityWeights:       DefaultQualityWeights(),
		BreakoutRetention:    5 * time.Minute,
		BreakoutWarningLead:  time.Minute,
	}
}
