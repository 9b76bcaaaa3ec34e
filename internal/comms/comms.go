// Package comms provides the per-identity coordination context: a thin
// adapter over the mailbox client that sends, broadcasts, and receives typed
// protocol messages on behalf of one identity within a session.
package comms

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/zjrosen/convoy/internal/log"
	"github.com/zjrosen/convoy/internal/mailbox"
	"github.com/zjrosen/convoy/internal/protocol"
)

// retryInterval paces the sleep-retry fallback when the mailbox client has no
// server-side long-poll support.
const retryInterval = 500 * time.Millisecond

// Received is one decoded incoming message with its delivery metadata.
type Received struct {
	Sender    string
	Msg       protocol.Message
	FromRoom  bool
	Timestamp time.Time
}

// Cursor tracks the last server timestamp consumed per stream. The caller
// owns it; passing the same cursor across Receive calls deduplicates the
// non-consuming room history.
type Cursor struct {
	Inbox time.Time
	Room  time.Time
}

// Context bundles one identity's mailbox credentials with the session's
// coordination room. Workers hold one; the coordinator holds one for its own
// identity.
type Context struct {
	client        mailbox.Client
	ns            string
	identity      mailbox.Identity
	coordinatorID string
	roomID        string
}

// New creates a coordination context for the given identity.
func New(client mailbox.Client, ns string, identity mailbox.Identity, coordinatorID, roomID string) *Context {
	return &Context{
		client:        client,
		ns:            ns,
		identity:      identity,
		coordinatorID: coordinatorID,
		roomID:        roomID,
	}
}

// IdentityID returns the identity this context sends as.
func (c *Context) IdentityID() string { return c.identity.ID }

// RoomID returns the session's coordination room.
func (c *Context) RoomID() string { return c.roomID }

// Namespace returns the session's namespace handle.
func (c *Context) Namespace() string { return c.ns }

// Send serializes msg and delivers it directly to peerID's inbox.
func (c *Context) Send(ctx context.Context, peerID string, msg protocol.Message) error {
	body, contentType, err := protocol.EncodeAuto(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	if err := c.client.SendMessage(ctx, c.ns, peerID, body, c.identity.Secret, contentType); err != nil {
		return fmt.Errorf("sending %s to %s: %w", msg.Type(), peerID, err)
	}
	log.Debug(log.CatComms, "Sent direct message", "type", msg.Type(), "to", peerID)
	return nil
}

// Broadcast serializes msg and appends it to the coordination room.
func (c *Context) Broadcast(ctx context.Context, msg protocol.Message) error {
	body, contentType, err := protocol.EncodeAuto(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	if err := c.client.SendRoomMessage(ctx, c.ns, c.roomID, body, c.identity.Secret, contentType); err != nil {
		return fmt.Errorf("broadcasting %s: %w", msg.Type(), err)
	}
	log.Debug(log.CatComms, "Broadcast message", "type", msg.Type(), "room", c.roomID)
	return nil
}

// SendToCoordinator delivers msg to the session's coordinator identity.
// Workers use this as their default upstream channel.
func (c *Context) SendToCoordinator(ctx context.Context, msg protocol.Message) error {
	return c.Send(ctx, c.coordinatorID, msg)
}

// Receive polls the identity's inbox (and the coordination room when
// includeRoom is set) for messages newer than the cursor, returning them in
// server-timestamp order and advancing the cursor past everything observed.
//
// wait == 0 is non-blocking. A positive wait is a client-side upper bound:
// the call blocks via the mailbox's long-poll when available, or a bounded
// sleep-retry loop otherwise, and returns as soon as at least one decodable
// message arrives. Malformed and unknown-type envelopes are skipped with a
// log entry, never raised.
func (c *Context) Receive(ctx context.Context, cursor *Cursor, wait time.Duration, includeRoom bool) ([]Received, error) {
	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}

		out, err := c.collect(ctx, cursor, remaining, includeRoom)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 || wait == 0 || time.Now().After(deadline) {
			sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
			return out, nil
		}

		// The long-poll path already blocked inside collect; only the
		// fallback needs pacing here.
		if _, ok := c.client.(mailbox.LongPoller); !ok {
			pause := retryInterval
			if until := time.Until(deadline); until < pause {
				pause = until
			}
			timer := time.NewTimer(pause)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// collect performs one fetch pass over the inbox and optionally the room,
// decoding envelopes and advancing the cursor.
func (c *Context) collect(ctx context.Context, cursor *Cursor, wait time.Duration, includeRoom bool) ([]Received, error) {
	var envs []mailbox.Envelope
	var err error
	if lp, ok := c.client.(mailbox.LongPoller); ok && wait > 0 {
		envs, err = lp.WaitInbox(ctx, c.ns, c.identity.ID, c.identity.Secret, cursor.Inbox, wait)
	} else {
		envs, err = c.client.GetInbox(ctx, c.ns, c.identity.ID, c.identity.Secret, cursor.Inbox)
	}
	if err != nil {
		return nil, fmt.Errorf("reading inbox: %w", err)
	}

	var out []Received
	for _, env := range envs {
		if ts := env.Time(); ts.After(cursor.Inbox) {
			cursor.Inbox = ts
		}
		if rcv, ok := c.decode(env, false); ok {
			out = append(out, rcv)
		}
	}

	if includeRoom {
		roomEnvs, err := c.client.GetRoomMessages(ctx, c.ns, c.roomID, c.identity.Secret, cursor.Room)
		if err != nil {
			return nil, fmt.Errorf("reading room: %w", err)
		}
		for _, env := range roomEnvs {
			if ts := env.Time(); ts.After(cursor.Room) {
				cursor.Room = ts
			}
			// Own broadcasts echo back through the room; drop them.
			if env.Sender() == c.identity.ID {
				continue
			}
			if rcv, ok := c.decode(env, true); ok {
				out = append(out, rcv)
			}
		}
	}
	return out, nil
}

func (c *Context) decode(env mailbox.Envelope, fromRoom bool) (Received, bool) {
	msg, err := protocol.Decode(env.Body, env.ContentType)
	if err != nil {
		log.Warn(log.CatComms, "Skipping undecodable envelope",
			"sender", env.Sender(), "room", fromRoom, "error", err)
		return Received{}, false
	}
	return Received{
		Sender:    env.Sender(),
		Msg:       msg,
		FromRoom:  fromRoom,
		Timestamp: env.Time(),
	}, true
}
