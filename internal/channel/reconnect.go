package channel

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

type ReconnectConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Initial    time.Duration `yaml:"initial"`
	Max        time.Duration `yaml:"max"`
	MaxElapsed time.Duration `yaml:"max_elapsed"` // 0 = retry forever
}

const (
	DefaultReconnectInitial = 500 * time.Millisecond
	DefaultReconnectMax     = 30 * time.Second
)

// ReconnectPolicy spaces out reconnect attempts with exponential backoff.
// It is reset after every successful connect.
type ReconnectPolicy struct {
	b *backoff.ExponentialBackOff
}

// NewReconnectPolicy returns nil when reconnecting is disabled.
func NewReconnectPolicy(cfg ReconnectConfig) *ReconnectPolicy {
	if !cfg.Enabled {
		return nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.Initial
	if b.InitialInterval <= 0 {
		b.InitialInterval = DefaultReconnectInitial
	}
	b.MaxInterval = cfg.Max
	if b.MaxInterval <= 0 {
		b.MaxInterval = DefaultReconnectMax
	}
	b.MaxElapsedTime = cfg.MaxElapsed
	b.Reset()
	return &ReconnectPolicy{b: b}
}

// Next returns the delay before the next attempt, or false once the policy
// has given up.
func (p *ReconnectPolicy) Next() (time.Duration, bool) {
	d := p.b.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	return d, true
}

func (p *ReconnectPolicy) Reset() {
	p.b.Reset()
}
