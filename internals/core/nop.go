package core

import (
	"context"

	"github.com/mycelia-live/sfu-core/internals/media"
	"github.com/mycelia-live/sfu-core/internals/rights"
)

// NopTransport discards egress. Stands in until a real transport stack is
// attached to the coordinator.
type NopTransport struct{}

func (NopTransport) Send(string, media.Packet) error { return nil }

// NopIndexPublisher ignores directory announcements.
type NopIndexPublisher struct{}

func (NopIndexPublisher) Publish(context.Context, string, string, string, rights.Rights) error {
	return nil
}

func (NopIndexPublisher) Withdraw(context.Context, string, string, string) error {
	return nil
}
