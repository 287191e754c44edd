package gateway

import "time"

// DefaultRecoverAfterTime applies when expected data nodes are configured
// but no recover_after_time is.
const DefaultRecoverAfterTime = 5 * time.Minute

// Settings control when an elected master starts recovery. -1 (any negative
// value for RecoverAfterTime) means unset.
type Settings struct {
	ExpectedDataNodes     int           `yaml:"expected_data_nodes"`
	RecoverAfterTime      time.Duration `yaml:"recover_after_time"`
	RecoverAfterDataNodes int           `yaml:"recover_after_data_nodes"`
}

func DefaultSettings() Settings {
	return Settings{
		ExpectedDataNodes:     -1,
		RecoverAfterTime:      -1,
		RecoverAfterDataNodes: -1,
	}
}

// EffectiveRecoverAfterTime is the configured recover_after_time, or the
// default when only expected data nodes are configured. Zero means no wait.
func (s Settings) EffectiveRecoverAfterTime() time.Duration {
	if s.RecoverAfterTime >= 0 {
		return s.RecoverAfterTime
	}
	if s.ExpectedDataNodes >= 0 {
		return DefaultRecoverAfterTime
	}
	return 0
}
