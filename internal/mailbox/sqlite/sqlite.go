package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/convoy/internal/mailbox"
)

// Service is a SQLite-backed implementation of mailbox.Client. It shares the
// auth and ordering semantics of the in-memory service; server timestamps are
// unix microseconds made strictly monotonic per namespace via the last_ts
// column. It deliberately does not implement mailbox.LongPoller: callers fall
// back to bounded sleep-retry polling.
type Service struct {
	db *sql.DB
}

var _ mailbox.Client = (*Service)(nil)

// New wraps an already-migrated database handle. Use NewDB to open one.
func New(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreateNamespace allocates a new tenancy unit.
func (s *Service) CreateNamespace(ctx context.Context, displayName string) (mailbox.Namespace, error) {
	ns := mailbox.Namespace{
		NS:     "ns-" + uuid.NewString(),
		Secret: uuid.NewString(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO namespaces (ns, secret, display_name) VALUES (?, ?, ?)`,
		ns.NS, ns.Secret, displayName)
	if err != nil {
		return mailbox.Namespace{}, transport("creating namespace", err)
	}
	return ns, nil
}

// CreateIdentity allocates an identity; the namespace secret is required.
func (s *Service) CreateIdentity(ctx context.Context, ns, displayName, nsSecret string) (mailbox.Identity, error) {
	var secret string
	err := s.db.QueryRowContext(ctx, `SELECT secret FROM namespaces WHERE ns = ?`, ns).Scan(&secret)
	if errors.Is(err, sql.ErrNoRows) {
		return mailbox.Identity{}, fmt.Errorf("%w: unknown namespace %s", mailbox.ErrTransport, ns)
	}
	if err != nil {
		return mailbox.Identity{}, transport("looking up namespace", err)
	}
	if secret != nsSecret {
		return mailbox.Identity{}, fmt.Errorf("%w: namespace secret rejected", mailbox.ErrAuth)
	}

	id := mailbox.Identity{
		ID:     "id-" + uuid.NewString(),
		Secret: uuid.NewString(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO identities (ns, id, secret, display_name) VALUES (?, ?, ?, ?)`,
		ns, id.ID, id.Secret, displayName)
	if err != nil {
		return mailbox.Identity{}, transport("creating identity", err)
	}
	return id, nil
}

// CreateRoom creates a room; the creator becomes its first member.
func (s *Service) CreateRoom(ctx context.Context, ns, creatorSecret, displayName string) (string, error) {
	creatorID, err := s.identityBySecret(ctx, ns, creatorSecret)
	if err != nil {
		return "", err
	}

	roomID := "room-" + uuid.NewString()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", transport("beginning room creation", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rooms (ns, id, display_name) VALUES (?, ?, ?)`,
		ns, roomID, displayName); err != nil {
		return "", transport("creating room", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO room_members (ns, room_id, identity_id) VALUES (?, ?, ?)`,
		ns, roomID, creatorID); err != nil {
		return "", transport("adding room creator", err)
	}
	if err := tx.Commit(); err != nil {
		return "", transport("committing room creation", err)
	}
	return roomID, nil
}

// AddRoomMember adds an identity to a room. Idempotent in effect.
func (s *Service) AddRoomMember(ctx context.Context, ns, roomID, identityID, secret string) error {
	callerID, err := s.identityBySecret(ctx, ns, secret)
	if err != nil {
		return err
	}
	if err := s.roomExists(ctx, ns, roomID); err != nil {
		return err
	}
	member, err := s.isMember(ctx, ns, roomID, callerID)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%w: %s is not a member of %s", mailbox.ErrAuth, callerID, roomID)
	}
	if err := s.identityExists(ctx, ns, identityID); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO room_members (ns, room_id, identity_id) VALUES (?, ?, ?)`,
		ns, roomID, identityID)
	if err != nil {
		return transport("adding room member", err)
	}
	return nil
}

// ListRoomMembers returns the members of a room.
func (s *Service) ListRoomMembers(ctx context.Context, ns, roomID, secret string) ([]mailbox.Member, error) {
	if _, err := s.identityBySecret(ctx, ns, secret); err != nil {
		return nil, err
	}
	if err := s.roomExists(ctx, ns, roomID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.identity_id, COALESCE(i.display_name, '')
		FROM room_members m
		LEFT JOIN identities i ON i.ns = m.ns AND i.id = m.identity_id
		WHERE m.ns = ? AND m.room_id = ?
		ORDER BY m.identity_id`, ns, roomID)
	if err != nil {
		return nil, transport("listing room members", err)
	}
	defer rows.Close()

	var members []mailbox.Member
	for rows.Next() {
		var m mailbox.Member
		if err := rows.Scan(&m.IdentityID, &m.DisplayName); err != nil {
			return nil, transport("scanning room member", err)
		}
		members = append(members, m)
	}
	if err := rows.Err(); err != nil {
		return nil, transport("listing room members", err)
	}
	return members, nil
}

// ListRooms returns the rooms the caller's identity belongs to.
func (s *Service) ListRooms(ctx context.Context, ns, secret string) ([]mailbox.RoomInfo, error) {
	callerID, err := s.identityBySecret(ctx, ns, secret)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.display_name
		FROM rooms r
		JOIN room_members m ON m.ns = r.ns AND m.room_id = r.id
		WHERE r.ns = ? AND m.identity_id = ?
		ORDER BY r.id`, ns, callerID)
	if err != nil {
		return nil, transport("listing rooms", err)
	}
	defer rows.Close()

	var rooms []mailbox.RoomInfo
	for rows.Next() {
		var r mailbox.RoomInfo
		if err := rows.Scan(&r.RoomID, &r.DisplayName); err != nil {
			return nil, transport("scanning room", err)
		}
		rooms = append(rooms, r)
	}
	if err := rows.Err(); err != nil {
		return nil, transport("listing rooms", err)
	}
	return rooms, nil
}

// SendMessage delivers a direct message to an identity's inbox.
func (s *Service) SendMessage(ctx context.Context, ns, toID string, body []byte, fromSecret, contentType string) error {
	fromID, err := s.identityBySecret(ctx, ns, fromSecret)
	if err != nil {
		return err
	}
	if err := s.identityExists(ctx, ns, toID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transport("beginning send", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts, err := stamp(ctx, tx, ns)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO inbox_messages (ns, recipient_id, sender_id, body, content_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ns, toID, fromID, body, contentType, ts); err != nil {
		return transport("inserting message", err)
	}
	if err := tx.Commit(); err != nil {
		return transport("committing send", err)
	}
	return nil
}

// SendRoomMessage appends a message to a room's ordered log. The sender must
// be a member.
func (s *Service) SendRoomMessage(ctx context.Context, ns, roomID string, body []byte, secret, contentType string) error {
	fromID, err := s.identityBySecret(ctx, ns, secret)
	if err != nil {
		return err
	}
	if err := s.roomExists(ctx, ns, roomID); err != nil {
		return err
	}
	member, err := s.isMember(ctx, ns, roomID, fromID)
	if err != nil {
		return err
	}
	if !member {
		return fmt.Errorf("%w: %s is not a member of %s", mailbox.ErrAuth, fromID, roomID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transport("beginning room send", err)
	}
	defer func() { _ = tx.Rollback() }()

	ts, err := stamp(ctx, tx, ns)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO room_messages (ns, room_id, sender_id, body, content_type, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ns, roomID, fromID, body, contentType, ts); err != nil {
		return transport("inserting room message", err)
	}
	if err := tx.Commit(); err != nil {
		return transport("committing room send", err)
	}
	return nil
}

// GetInbox reads and consumes pending inbox messages after since, ascending.
// Read and delete run in one transaction so a crash never drops mail.
func (s *Service) GetInbox(ctx context.Context, ns, identityID, secret string, since time.Time) ([]mailbox.Envelope, error) {
	if err := s.checkIdentitySecret(ctx, ns, identityID, secret); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, transport("beginning inbox read", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, sender_id, body, content_type, created_at
		FROM inbox_messages
		WHERE ns = ? AND recipient_id = ? AND created_at > ?
		ORDER BY created_at ASC, id ASC`,
		ns, identityID, since.UnixMicro())
	if err != nil {
		return nil, transport("reading inbox", err)
	}

	var out []mailbox.Envelope
	var ids []int64
	for rows.Next() {
		var (
			id        int64
			env       mailbox.Envelope
			createdAt int64
		)
		if err := rows.Scan(&id, &env.From, &env.Body, &env.ContentType, &createdAt); err != nil {
			_ = rows.Close()
			return nil, transport("scanning inbox message", err)
		}
		env.CreatedAt = time.UnixMicro(createdAt).UTC()
		out = append(out, env)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, transport("reading inbox", err)
	}
	_ = rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM inbox_messages WHERE id = ?`, id); err != nil {
			return nil, transport("consuming inbox message", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, transport("committing inbox read", err)
	}
	return out, nil
}

// GetRoomMessages reads room history after since without consuming it.
func (s *Service) GetRoomMessages(ctx context.Context, ns, roomID, secret string, since time.Time) ([]mailbox.Envelope, error) {
	callerID, err := s.identityBySecret(ctx, ns, secret)
	if err != nil {
		return nil, err
	}
	if err := s.roomExists(ctx, ns, roomID); err != nil {
		return nil, err
	}
	member, err := s.isMember(ctx, ns, roomID, callerID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, fmt.Errorf("%w: %s is not a member of %s", mailbox.ErrAuth, callerID, roomID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT sender_id, body, content_type, created_at
		FROM room_messages
		WHERE ns = ? AND room_id = ? AND created_at > ?
		ORDER BY created_at ASC, id ASC`,
		ns, roomID, since.UnixMicro())
	if err != nil {
		return nil, transport("reading room messages", err)
	}
	defer rows.Close()

	var out []mailbox.Envelope
	for rows.Next() {
		var (
			env       mailbox.Envelope
			createdAt int64
		)
		if err := rows.Scan(&env.From, &env.Body, &env.ContentType, &createdAt); err != nil {
			return nil, transport("scanning room message", err)
		}
		env.CreatedAt = time.UnixMicro(createdAt).UTC()
		out = append(out, env)
	}
	if err := rows.Err(); err != nil {
		return nil, transport("reading room messages", err)
	}
	return out, nil
}

// identityBySecret resolves the identity owning secret within ns. The
// namespace secret grants no messaging rights.
func (s *Service) identityBySecret(ctx context.Context, ns, secret string) (string, error) {
	if err := s.namespaceExists(ctx, ns); err != nil {
		return "", err
	}

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM identities WHERE ns = ? AND secret = ?`, ns, secret).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: secret rejected", mailbox.ErrAuth)
	}
	if err != nil {
		return "", transport("resolving identity", err)
	}
	return id, nil
}

func (s *Service) checkIdentitySecret(ctx context.Context, ns, identityID, secret string) error {
	if err := s.namespaceExists(ctx, ns); err != nil {
		return err
	}

	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT secret FROM identities WHERE ns = ? AND id = ?`, ns, identityID).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: unknown identity %s", mailbox.ErrTransport, identityID)
	}
	if err != nil {
		return transport("looking up identity", err)
	}
	if stored != secret {
		return fmt.Errorf("%w: identity secret rejected", mailbox.ErrAuth)
	}
	return nil
}

func (s *Service) namespaceExists(ctx context.Context, ns string) error {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM namespaces WHERE ns = ?`, ns).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: unknown namespace %s", mailbox.ErrTransport, ns)
	}
	if err != nil {
		return transport("looking up namespace", err)
	}
	return nil
}

func (s *Service) identityExists(ctx context.Context, ns, identityID string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM identities WHERE ns = ? AND id = ?`, ns, identityID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: unknown identity %s", mailbox.ErrTransport, identityID)
	}
	if err != nil {
		return transport("looking up identity", err)
	}
	return nil
}

func (s *Service) roomExists(ctx context.Context, ns, roomID string) error {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM rooms WHERE ns = ? AND id = ?`, ns, roomID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: unknown room %s", mailbox.ErrTransport, roomID)
	}
	if err != nil {
		return transport("looking up room", err)
	}
	return nil
}

func (s *Service) isMember(ctx context.Context, ns, roomID, identityID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM room_members WHERE ns = ? AND room_id = ? AND identity_id = ?`,
		ns, roomID, identityID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, transport("checking membership", err)
	}
	return true, nil
}

// stamp issues a server timestamp strictly greater than any previously issued
// within the namespace, in unix microseconds.
func stamp(ctx context.Context, tx *sql.Tx, ns string) (int64, error) {
	var last int64
	if err := tx.QueryRowContext(ctx,
		`SELECT last_ts FROM namespaces WHERE ns = ?`, ns).Scan(&last); err != nil {
		return 0, transport("reading namespace clock", err)
	}

	now := time.Now().UTC().UnixMicro()
	if now <= last {
		now = last + 1
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE namespaces SET last_ts = ? WHERE ns = ?`, now, ns); err != nil {
		return 0, transport("advancing namespace clock", err)
	}
	return now, nil
}

func transport(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", mailbox.ErrTransport, op, err)
}
