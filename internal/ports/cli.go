package ports

import (
	"context"

	"github.com/mikey-austin/nowbar/pkg/nb"
)

// Broker is the MQTT side of the nb CLI.
type Broker interface {
	ReplyTopic() string
	PublishCommand(ctx context.Context, nodeID string, cmd nb.CommandEnvelope) (nb.ReplyEnvelope, error)
	ListPresence(ctx context.Context) ([]nb.Presence, error)
	GetState(ctx context.Context, nodeID string) (nb.State, error)
	WatchState(ctx context.Context, nodeID string) (<-chan nb.State, <-chan nb.Event, <-chan error)
}

// Local is a media service running inside the CLI process.
type Local interface {
	State(ctx context.Context) (nb.State, error)
	// Send runs one of the nb.Command* types.
	Send(ctx context.Context, cmdType string) error
	WatchState(ctx context.Context) (<-chan nb.State, <-chan nb.Event, <-chan error)
}

// Clock provides time.
type Clock interface {
	NowUnix() int64
}

// IDGen provides unique IDs.
type IDGen interface {
	NewID() string
}
