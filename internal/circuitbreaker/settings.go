package circuitbreaker

import "time"

// Settings tune one breaker. Zero fields take the defaults of the
// dependency kind.
type Settings struct {
	MaxRequests      uint32        `mapstructure:"max_requests"`
	Interval         time.Duration `mapstructure:"interval"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	SuccessThreshold uint32        `mapstructure:"success_threshold"`
}

// Kind-specific defaults.
var (
	HTTPDefaults = Settings{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
	DatabaseDefaults = Settings{
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
	}
	RedisDefaults = Settings{
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 3,
		SuccessThreshold: 2,
	}
)

// Merge fills zero fields of s from base.
func (s Settings) Merge(base Settings) Settings {
	if s.MaxRequests == 0 {
		s.MaxRequests = base.MaxRequests
	}
	if s.Interval == 0 {
		s.Interval = base.Interval
	}
	if s.Timeout == 0 {
		s.Timeout = base.Timeout
	}
	if s.FailureThreshold == 0 {
		s.FailureThreshold = base.FailureThreshold
	}
	if s.SuccessThreshold == 0 {
		s.SuccessThreshold = base.SuccessThreshold
	}
	return s
}

func (s Settings) withDefaults() Settings {
	s = s.Merge(HTTPDefaults)
	if s.SuccessThreshold > s.MaxRequests {
		s.SuccessThreshold = s.MaxRequests
	}
	return s
}
