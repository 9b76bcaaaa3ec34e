// Package mailbox defines the client abstraction for the deaddrop mailbox
// service: authenticated identities, per-identity inboxes, and shared rooms,
// all scoped to a namespace. The coordination core consumes this interface
// only; implementations live in subpackages (memory, sqlite) or out of tree
// (the remote HTTP client).
package mailbox

import (
	"context"
	"errors"
	"time"
)

// Errors are classified into two kinds: transport (network or backend
// failure, recoverable by re-invoking the tool) and auth (credential
// rejected). The core never retries internally.
var (
	ErrTransport = errors.New("mailbox transport error")
	ErrAuth      = errors.New("mailbox authorization error")
)

// Namespace is the tenancy unit issued by the mailbox service. The secret
// grants identity-creation rights within the namespace.
type Namespace struct {
	NS     string `json:"ns"`
	Secret string `json:"ns_secret"`
}

// Identity is an (id, secret) pair granting send/receive rights.
type Identity struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
}

// Member describes a room member.
type Member struct {
	IdentityID  string `json:"identity_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// RoomInfo describes a room visible to an identity.
type RoomInfo struct {
	RoomID      string `json:"room_id"`
	DisplayName string `json:"display_name,omitempty"`
}

// Envelope is a raw stored message as the mailbox returns it. Different
// backends name the sender and timestamp fields differently; Sender and Time
// normalize over both spellings.
type Envelope struct {
	From        string    `json:"from,omitempty"`
	SenderID    string    `json:"sender_id,omitempty"`
	Body        []byte    `json:"body"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at,omitzero"`
	Timestamp   time.Time `json:"timestamp,omitzero"`
}

// Sender returns the sender identity id regardless of field spelling.
func (e Envelope) Sender() string {
	if e.From != "" {
		return e.From
	}
	return e.SenderID
}

// Time returns the server-assigned timestamp regardless of field spelling.
func (e Envelope) Time() time.Time {
	if !e.CreatedAt.IsZero() {
		return e.CreatedAt
	}
	return e.Timestamp
}

// Client is the mailbox service interface the coordination core consumes.
//
// Ordering guarantees relied upon: messages from one sender to one recipient
// arrive in send order, and room messages carry a total order observable via
// GetRoomMessages. Nothing stronger is assumed.
type Client interface {
	// CreateNamespace allocates a new tenancy unit.
	CreateNamespace(ctx context.Context, displayName string) (Namespace, error)

	// CreateIdentity allocates an identity within a namespace. Requires the
	// namespace secret.
	CreateIdentity(ctx context.Context, ns, displayName, nsSecret string) (Identity, error)

	// CreateRoom creates a room; the creator (identified by secret) becomes a
	// member with add rights.
	CreateRoom(ctx context.Context, ns, creatorSecret, displayName string) (string, error)

	// AddRoomMember adds an identity to a room. The secret must belong to an
	// existing member with add rights. Adding an existing member is not an
	// error.
	AddRoomMember(ctx context.Context, ns, roomID, identityID, secret string) error

	// ListRoomMembers returns the members of a room.
	ListRoomMembers(ctx context.Context, ns, roomID, secret string) ([]Member, error)

	// ListRooms returns the rooms the identity owning secret belongs to.
	ListRooms(ctx context.Context, ns, secret string) ([]RoomInfo, error)

	// SendMessage delivers a direct message to an identity's inbox.
	SendMessage(ctx context.Context, ns, toID string, body []byte, fromSecret, contentType string) error

	// SendRoomMessage appends a message to a room's ordered log.
	SendRoomMessage(ctx context.Context, ns, roomID string, body []byte, secret, contentType string) error

	// GetInbox reads and consumes the identity's pending inbox messages with
	// server timestamp after since (zero since means everything), ascending.
	GetInbox(ctx context.Context, ns, identityID, secret string, since time.Time) ([]Envelope, error)

	// GetRoomMessages reads room history after since without consuming it,
	// ascending by server timestamp.
	GetRoomMessages(ctx context.Context, ns, roomID, secret string, since time.Time) ([]Envelope, error)
}

// LongPoller is implemented by mailbox clients that can block server-side
// until inbox messages arrive. Clients lacking it are polled with a bounded
// sleep-retry loop instead.
type LongPoller interface {
	// WaitInbox behaves like GetInbox but blocks up to wait for at least one
	// message when the inbox is empty. Returns an empty slice on timeout.
	WaitInbox(ctx context.Context, ns, identityID, secret string, since time.Time, wait time.Duration) ([]Envelope, error)
}
