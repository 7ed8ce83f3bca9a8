// Package channel fans bus events out to observers of the daemon: the HUD
// websocket feed and the Telegram mirror.
package channel

import (
	"context"

	"github.com/stellarlinkco/ambient/internal/buffer"
	"github.com/stellarlinkco/ambient/internal/bus"
)

type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Notify(ev bus.Event) error
}

// Sink accepts observations arriving through a channel.
type Sink interface {
	PushFeedItem(text string, priority int, source buffer.Source, channel string)
	PushSenseEvent(ev buffer.SenseEvent) bool
}

// Controls answers operator commands such as "digest", "status" or "tick".
type Controls interface {
	Command(ctx context.Context, name string) (string, error)
}
