package backend

import (
	"context"
	"fmt"

	"github.com/parsec-cloud/parsec-sync/internal/model"
)

// EventsSubscribeParams registers which notifications this connection
// wants delivered through EventsListen (spec.md §6 table).
type EventsSubscribeParams struct {
	MessageReceived bool
	BeaconUpdated   []model.EntryID
	Pinged          []string
}

func (c *Client) EventsSubscribe(ctx context.Context, p EventsSubscribeParams) error {
	_, err := c.call(ctx, MethodEventsSubscribe, p)
	return err
}

// EventPayload is one notification delivered by EventsListen.
type EventPayload struct {
	Kind     string // "message_received", "beacon_updated", "pinged"
	BeaconID model.EntryID
	Message  string
}

// EventsListen waits for (or, if wait=false, polls for) the next event on
// this connection. Per spec.md §9, events_listen uses a dedicated
// long-poll connection — ctx governs how long this call is willing to
// block. Returns ErrNoEvents if wait is false and nothing is pending.
func (c *Client) EventsListen(ctx context.Context, wait bool) (EventPayload, error) {
	raw, err := c.call(ctx, MethodEventsListen, struct{ Wait bool }{Wait: wait})
	if err != nil {
		return EventPayload{}, err
	}
	ev, ok := raw.(EventPayload)
	if !ok {
		return EventPayload{}, fmt.Errorf("backend: %w: events_listen returned %T", model.ErrInvalidResponse, raw)
	}
	return ev, nil
}

// Ping round-trips a liveness check; useful to detect backend
// online/offline transitions for the event bus's backend.online/offline
// topics (spec.md §4.8).
func (c *Client) Ping(ctx context.Context, payload string) (string, error) {
	raw, err := c.call(ctx, MethodPing, struct{ Ping string }{Ping: payload})
	if err != nil {
		return "", err
	}
	pong, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("backend: %w: ping returned %T", model.ErrInvalidResponse, raw)
	}
	return pong, nil
}
