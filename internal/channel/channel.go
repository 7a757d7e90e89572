// Package channel wraps client sessions with a reconnect policy and exposes
// them to consumers under a name.
package channel

import (
	"context"
	"time"

	"github.com/ghalamif/como/internal/client"
	"github.com/ghalamif/como/internal/ports"
)

// Channel is one monitored publisher as seen by a consumer.
type Channel interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect()
	SetUpdateThrottle(d time.Duration)
	Events() <-chan client.Event
	State() client.State
	// Done is closed once the channel has stopped and sent its last event.
	Done() <-chan struct{}
}

type Config struct {
	Name      string          `yaml:"name"`
	Type      string          `yaml:"type"`
	Address   string          `yaml:"address"`
	Client    client.Config   `yaml:",inline"`
	Reconnect ReconnectConfig `yaml:"reconnect"`

	Observability ports.Observability `yaml:"-"`
}
