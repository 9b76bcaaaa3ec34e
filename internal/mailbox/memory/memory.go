// Package memory provides an in-memory mailbox service. It implements the
// full deaddrop contract (namespaces, identities, rooms, inboxes, monotonic
// server timestamps, long-poll) without external state, which makes it both
// the test double for the coordination core and a usable backend for
// single-process runs.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/convoy/internal/mailbox"
)

// Service is an in-memory implementation of mailbox.Client.
// All operations are safe for concurrent use.
type Service struct {
	mu         sync.Mutex
	namespaces map[string]*namespace
}

type namespace struct {
	secret      string
	displayName string
	identities  map[string]*identity
	rooms       map[string]*room
	inboxes     map[string][]mailbox.Envelope
	// notify holds a channel per identity, closed when mail arrives.
	notify map[string]chan struct{}
	// lastTS drives monotonic server timestamps within the namespace.
	lastTS time.Time
}

type identity struct {
	secret      string
	displayName string
}

type room struct {
	displayName string
	members     map[string]struct{}
	log         []mailbox.Envelope
}

var (
	_ mailbox.Client     = (*Service)(nil)
	_ mailbox.LongPoller = (*Service)(nil)
)

// New creates an empty in-memory mailbox service.
func New() *Service {
	return &Service{namespaces: make(map[string]*namespace)}
}

// CreateNamespace allocates a new tenancy unit.
func (s *Service) CreateNamespace(_ context.Context, displayName string) (mailbox.Namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns := mailbox.Namespace{
		NS:     "ns-" + uuid.NewString(),
		Secret: uuid.NewString(),
	}
	s.namespaces[ns.NS] = &namespace{
		secret:      ns.Secret,
		displayName: displayName,
		identities:  make(map[string]*identity),
		rooms:       make(map[string]*room),
		inboxes:     make(map[string][]mailbox.Envelope),
		notify:      make(map[string]chan struct{}),
	}
	return ns, nil
}

// CreateIdentity allocates an identity; the namespace secret is required.
func (s *Service) CreateIdentity(_ context.Context, ns, displayName, nsSecret string) (mailbox.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nsp, err := s.lookup(ns)
	if err != nil {
		return mailbox.Identity{}, err
	}
	if nsp.secret != nsSecret {
		return mailbox.Identity{}, fmt.Errorf("%w: namespace secret rejected", mailbox.ErrAuth)
	}

	id := mailbox.Identity{
		ID:     "id-" + uuid.NewString(),
		Secret: uuid.NewString(),
	}
	nsp.identities[id.ID] = &identity{secret: id.Secret, displayName: displayName}
	nsp.inboxes[id.ID] = nil
	return id, nil
}

// CreateRoom creates a room; the creator becomes its first member.
func (s *Service) CreateRoom(_ context.Context, ns, creatorSecret, displayName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nsp, err := s.lookup(ns)
	if err != nil {
		return "", err
	}
	creatorID, err := nsp.identityBySecret(creatorSecret)
	if err != nil {
		return "", err
	}

	roomID := "room-" + uuid.NewString()
	nsp.rooms[roomID] = &room{
		displayName: displayName,
		members:     map[string]struct{}{creatorID: {}},
	}
	return roomID, nil
}

// AddRoomMember adds an identity to a room. Idempotent in effect.
func (s *Service) AddRoomMember(_ context.Context, ns, roomID, identityID, secret string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nsp, err := s.lookup(ns)
	if err != nil {
		return err
	}
	rm, err := nsp.room(roomID)
	if err != nil {
		return err
	}
	callerID, err := nsp.identityBySecret(secret)
	if err != nil {
		return err
	}
	if _, ok := rm.members[callerID]; !ok {
		return fmt.Errorf("%w: %s is not a member of %s", mailbox.ErrAuth, callerID, roomID)
	}
	if _, ok := nsp.identities[identityID]; !ok {
		return fmt.Errorf("%w: unknown identity %s", mailbox.ErrTransport, identityID)
	}

	rm.members[identityID] = struct{}{}
	return nil
}

// ListRoomMembers returns the members of a room.
func (s *Service) ListRoomMembers(_ context.Context, ns, roomID, secret string) ([]mailbox.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nsp, err := s.lookup(ns)
	if err != nil {
		return nil, err
	}
	rm, err := nsp.room(roomID)
	if err != nil {
		return nil, err
	}
	if _, err := nsp.identityBySecret(secret); err != nil {
		return nil, err
	}

	members := make([]mailbox.Member, 0, len(rm.members))
	for id := range rm.members {
		m := mailbox.Member{IdentityID: id}
		if ident, ok := nsp.identities[id]; ok {
			m.DisplayName = ident.displayName
		}
		members = append(members, m)
	}
	return members, nil
}

// ListRooms returns the rooms the caller's identity belongs to.
func (s *Service) ListRooms(_ context.Context, ns, secret string) ([]mailbox.RoomInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nsp, err := s.lookup(ns)
	if err != nil {
		return nil, err
	}
	callerID, err := nsp.identityBySecret(secret)
	if err != nil {
		return nil, err
	}

	var rooms []mailbox.RoomInfo
	for id, rm := range nsp.rooms {
		if _, ok := rm.members[callerID]; ok {
			rooms = append(rooms, mailbox.RoomInfo{RoomID: id, DisplayName: rm.displayName})
		}
	}
	return rooms, nil
}

// SendMessage delivers a direct message to an identity's inbox.
func (s *Service) SendMessage(_ context.Context, ns, toID string, body []byte, fromSecret, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nsp, err := s.lookup(ns)
	if err != nil {
		return err
	}
	fromID, err := nsp.identityBySecret(fromSecret)
	if err != nil {
		return err
	}
	if _, ok := nsp.identities[toID]; !ok {
		return fmt.Errorf("%w: unknown recipient %s", mailbox.ErrTransport, toID)
	}

	nsp.inboxes[toID] = append(nsp.inboxes[toID], mailbox.Envelope{
		From:        fromID,
		Body:        cloneBody(body),
		ContentType: contentType,
		CreatedAt:   nsp.stamp(),
	})
	nsp.wake(toID)
	return nil
}

// SendRoomMessage appends a message to a room's ordered log. The sender must
// be a member.
func (s *Service) SendRoomMessage(_ context.Context, ns, roomID string, body []byte, secret, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nsp, err := s.lookup(ns)
	if err != nil {
		return err
	}
	rm, err := nsp.room(roomID)
	if err != nil {
		return err
	}
	fromID, err := nsp.identityBySecret(secret)
	if err != nil {
		return err
	}
	if _, ok := rm.members[fromID]; !ok {
		return fmt.Errorf("%w: %s is not a member of %s", mailbox.ErrAuth, fromID, roomID)
	}

	rm.log = append(rm.log, mailbox.Envelope{
		From:        fromID,
		Body:        cloneBody(body),
		ContentType: contentType,
		CreatedAt:   nsp.stamp(),
	})
	return nil
}

// GetInbox reads and consumes pending inbox messages after since, ascending.
func (s *Service) GetInbox(_ context.Context, ns, identityID, secret string, since time.Time) ([]mailbox.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.drainInboxLocked(ns, identityID, secret, since)
}

// WaitInbox blocks up to wait for inbox messages, returning early as soon as
// at least one arrives. A zero wait degenerates to GetInbox.
func (s *Service) WaitInbox(ctx context.Context, ns, identityID, secret string, since time.Time, wait time.Duration) ([]mailbox.Envelope, error) {
	deadline := time.Now().Add(wait)
	for {
		s.mu.Lock()
		got, err := s.drainInboxLocked(ns, identityID, secret, since)
		if err != nil || len(got) > 0 {
			s.mu.Unlock()
			return got, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			s.mu.Unlock()
			return nil, nil
		}
		signal := s.namespaces[ns].signalFor(identityID)
		s.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-signal:
			timer.Stop()
			// Mail arrived; loop and drain.
		}
	}
}

// GetRoomMessages reads room history after since without consuming it.
func (s *Service) GetRoomMessages(_ context.Context, ns, roomID, secret string, since time.Time) ([]mailbox.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nsp, err := s.lookup(ns)
	if err != nil {
		return nil, err
	}
	rm, err := nsp.room(roomID)
	if err != nil {
		return nil, err
	}
	callerID, err := nsp.identityBySecret(secret)
	if err != nil {
		return nil, err
	}
	if _, ok := rm.members[callerID]; !ok {
		return nil, fmt.Errorf("%w: %s is not a member of %s", mailbox.ErrAuth, callerID, roomID)
	}

	var out []mailbox.Envelope
	for _, env := range rm.log {
		if env.CreatedAt.After(since) {
			out = append(out, env)
		}
	}
	return out, nil
}

func (s *Service) drainInboxLocked(ns, identityID, secret string, since time.Time) ([]mailbox.Envelope, error) {
	nsp, err := s.lookup(ns)
	if err != nil {
		return nil, err
	}
	ident, ok := nsp.identities[identityID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown identity %s", mailbox.ErrTransport, identityID)
	}
	if ident.secret != secret {
		return nil, fmt.Errorf("%w: identity secret rejected", mailbox.ErrAuth)
	}

	pending := nsp.inboxes[identityID]
	if len(pending) == 0 {
		return nil, nil
	}

	var out, kept []mailbox.Envelope
	for _, env := range pending {
		if env.CreatedAt.After(since) {
			out = append(out, env)
		} else {
			kept = append(kept, env)
		}
	}
	nsp.inboxes[identityID] = kept
	return out, nil
}

func (s *Service) lookup(ns string) (*namespace, error) {
	nsp, ok := s.namespaces[ns]
	if !ok {
		return nil, fmt.Errorf("%w: unknown namespace %s", mailbox.ErrTransport, ns)
	}
	return nsp, nil
}

func (n *namespace) identityBySecret(secret string) (string, error) {
	for id, ident := range n.identities {
		if ident.secret == secret {
			return id, nil
		}
	}
	if n.secret == secret {
		// The namespace secret grants no messaging rights.
		return "", fmt.Errorf("%w: namespace secret is not an identity", mailbox.ErrAuth)
	}
	return "", fmt.Errorf("%w: secret rejected", mailbox.ErrAuth)
}

func (n *namespace) room(roomID string) (*room, error) {
	rm, ok := n.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown room %s", mailbox.ErrTransport, roomID)
	}
	return rm, nil
}

// stamp returns a server timestamp strictly greater than any previously
// issued within the namespace.
func (n *namespace) stamp() time.Time {
	now := time.Now().UTC()
	if !now.After(n.lastTS) {
		now = n.lastTS.Add(time.Microsecond)
	}
	n.lastTS = now
	return now
}

// signalFor returns the channel closed when identityID next receives mail.
func (n *namespace) signalFor(identityID string) <-chan struct{} {
	ch, ok := n.notify[identityID]
	if !ok {
		ch = make(chan struct{})
		n.notify[identityID] = ch
	}
	return ch
}

// wake releases any long-pollers blocked on identityID's inbox.
func (n *namespace) wake(identityID string) {
	if ch, ok := n.notify[identityID]; ok {
		close(ch)
		delete(n.notify, identityID)
	}
}

func cloneBody(body []byte) []byte {
	out := make([]byte, len(body))
	copy(out, body)
	return out
}
