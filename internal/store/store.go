// Package store implements the durable store adapter (spec.md section
// 4.6): the authoritative relational row per document, channel, and
// user, backed by SQLite as the teacher's pkg/database did.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kolabdoc/core/internal/chunk"
	"github.com/kolabdoc/core/internal/lseq"
	"github.com/kolabdoc/core/internal/model"
	"github.com/kolabdoc/core/internal/oplog"
	"github.com/kolabdoc/core/internal/version"
)

// Store wraps a SQLite connection holding the durable rows.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at dsn and
// runs pending migrations.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// --- users & logins (external-surface support tables; see spec.md
// section 1's "out of scope" list — the core only needs these to
// exist so the auth boundary has somewhere to upsert into) ---

// UpsertUser inserts or touches a user row keyed by external subject
// id, returning the internal user id.
func (s *Store) UpsertUser(subject, displayName string) (string, error) {
	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO users (id, display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, updated_at = excluded.updated_at
	`, subject, displayName, now, now)
	if err != nil {
		return "", fmt.Errorf("store: upsert user: %w", err)
	}
	return subject, nil
}

// RecordLogin appends a login audit row.
func (s *Store) RecordLogin(userID, platform, ip, userAgent string) error {
	_, err := s.db.Exec(`
		INSERT INTO logins (user_id, platform, ip, user_agent, at) VALUES (?, ?, ?, ?, ?)
	`, userID, platform, ip, userAgent, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: record login: %w", err)
	}
	return nil
}

// --- channels ---

// CreateChannel creates a channel row and adds creator as a member.
func (s *Store) CreateChannel(id, name, createdBy string) error {
	now := time.Now().UTC()
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: create channel: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT INTO channels (id, name, created_by, created_at) VALUES (?, ?, ?, ?)`,
		id, name, createdBy, now); err != nil {
		return fmt.Errorf("store: create channel: %w", err)
	}
	if _, err := tx.Exec(`INSERT INTO channel_members (channel_id, user_id, joined_at) VALUES (?, ?, ?)`,
		id, createdBy, now); err != nil {
		return fmt.Errorf("store: add creator membership: %w", err)
	}
	return tx.Commit()
}

// IsMember reports whether userID belongs to channelID.
func (s *Store) IsMember(channelID, userID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM channel_members WHERE channel_id = ? AND user_id = ?`,
		channelID, userID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("store: is member: %w", err)
	}
	return n > 0, nil
}

// AddMember joins userID to channelID.
func (s *Store) AddMember(channelID, userID string) error {
	_, err := s.db.Exec(`
		INSERT INTO channel_members (channel_id, user_id, joined_at) VALUES (?, ?, ?)
		ON CONFLICT(channel_id, user_id) DO NOTHING
	`, channelID, userID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store: add member: %w", err)
	}
	return nil
}

// RemoveMember removes userID from channelID ("quit channel").
func (s *Store) RemoveMember(channelID, userID string) error {
	_, err := s.db.Exec(`DELETE FROM channel_members WHERE channel_id = ? AND user_id = ?`, channelID, userID)
	if err != nil {
		return fmt.Errorf("store: remove member: %w", err)
	}
	return nil
}

// --- documents (the core's durable surface, spec.md section 4.6) ---

// CreateDoc inserts a brand-new document row at d.Version (service.0.0
// for documents built by the server's createDoc). SQLite
// treats NULL parent_id as distinct in a UNIQUE index, so the
// (channel_id, parent_id, name) key is additionally enforced here at
// the application level to cover root-level (parent_id IS NULL)
// documents.
func (s *Store) CreateDoc(d *model.Document) error {
	var conflictCount int
	var err error
	if d.ParentID == nil {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM document_data WHERE channel_id = ? AND parent_id IS NULL AND name = ?`,
			d.ChannelID, d.Name).Scan(&conflictCount)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM document_data WHERE channel_id = ? AND parent_id = ? AND name = ?`,
			d.ChannelID, *d.ParentID, d.Name).Scan(&conflictCount)
	}
	if err != nil {
		return fmt.Errorf("store: create doc uniqueness check: %w", err)
	}
	if conflictCount > 0 {
		return fmt.Errorf("store: create doc: name %q already exists under parent", d.Name)
	}

	chunksJSON, err := json.Marshal(d.Chunks)
	if err != nil {
		return fmt.Errorf("store: encode chunks: %w", err)
	}
	opLogJSON, err := json.Marshal(d.OpLog)
	if err != nil {
		return fmt.Errorf("store: encode op log: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO document_data
			(id, channel_id, parent_id, name, content, chunks, op_log,
			 version_service, version_snapshot, version_log,
			 is_directory, status, created_by, created_at, updated_at, otp)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, d.ID, d.ChannelID, d.ParentID, d.Name, d.Content, string(chunksJSON), string(opLogJSON),
		d.Version.Service, d.Version.Snapshot, d.Version.Log,
		d.IsDirectory, int(d.Status), d.CreatedBy, d.CreatedAt, d.UpdatedAt, d.OTP)
	if err != nil {
		return fmt.Errorf("store: create doc: %w", err)
	}
	return nil
}

// LoadDoc returns the full row for id, or (nil, nil) if absent.
// Soft-deleted rows are returned (with Status == StatusDeleted) so the
// caller can evict rather than silently vanishing.
func (s *Store) LoadDoc(id string) (*model.Document, error) {
	var d model.Document
	var parentID, otp sql.NullString
	var chunksJSON, opLogJSON string
	var status int

	err := s.db.QueryRow(`
		SELECT id, channel_id, parent_id, name, content, chunks, op_log,
		       version_service, version_snapshot, version_log,
		       is_directory, status, created_by, created_at, updated_at, otp
		FROM document_data WHERE id = ?
	`, id).Scan(&d.ID, &d.ChannelID, &parentID, &d.Name, &d.Content, &chunksJSON, &opLogJSON,
		&d.Version.Service, &d.Version.Snapshot, &d.Version.Log,
		&d.IsDirectory, &status, &d.CreatedBy, &d.CreatedAt, &d.UpdatedAt, &otp)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load doc: %w", err)
	}
	if parentID.Valid {
		d.ParentID = &parentID.String
	}
	if otp.Valid {
		d.OTP = &otp.String
	}
	d.Status = model.Status(status)

	if err := json.Unmarshal([]byte(chunksJSON), &d.Chunks); err != nil {
		return nil, fmt.Errorf("store: decode chunks: %w", err)
	}
	if err := json.Unmarshal([]byte(opLogJSON), &d.OpLog); err != nil {
		return nil, fmt.Errorf("store: decode op log: %w", err)
	}

	// Rehydration priority 3 (spec.md section 4.6): a row with content
	// but no chunks (e.g. seeded outside the chunk model, or written by
	// an older schema revision) gets a single synthesized chunk
	// covering the whole string, so the chunk model and content stay in
	// sync instead of entering the cache desynced.
	if len(d.Chunks) == 0 && d.Content != "" {
		id, err := lseq.Between(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("store: synthesize chunk for content-only row: %w", err)
		}
		d.Chunks = []chunk.Chunk{{ID: id, Text: d.Content}}
	}
	return &d, nil
}

// WriteThroughInput is the payload for a write-through update.
type WriteThroughInput struct {
	Content string
	Chunks  []chunk.Chunk
	OpLog   []oplog.Entry
	Version version.Version
}

// WriteThrough updates the durable row only if in.Version strictly
// exceeds the stored version (invariant 7: durable store version is
// monotone).
func (s *Store) WriteThrough(id string, in WriteThroughInput) error {
	var storedService, storedSnapshot, storedLog int
	err := s.db.QueryRow(`SELECT version_service, version_snapshot, version_log FROM document_data WHERE id = ?`, id).
		Scan(&storedService, &storedSnapshot, &storedLog)
	if err == sql.ErrNoRows {
		return fmt.Errorf("store: write through: document %s not found", id)
	}
	if err != nil {
		return fmt.Errorf("store: write through: %w", err)
	}
	stored := version.Version{Service: storedService, Snapshot: storedSnapshot, Log: storedLog}
	if version.Compare(in.Version, stored) <= 0 {
		return nil // not newer: no-op, per the monotonicity invariant
	}

	chunksJSON, err := json.Marshal(in.Chunks)
	if err != nil {
		return fmt.Errorf("store: encode chunks: %w", err)
	}
	opLogJSON, err := json.Marshal(in.OpLog)
	if err != nil {
		return fmt.Errorf("store: encode op log: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE document_data
		SET content = ?, chunks = ?, op_log = ?,
		    version_service = ?, version_snapshot = ?, version_log = ?,
		    updated_at = ?
		WHERE id = ?
	`, in.Content, string(chunksJSON), string(opLogJSON),
		in.Version.Service, in.Version.Snapshot, in.Version.Log, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: write through: %w", err)
	}
	return nil
}

// SnapshotInput is the payload for cutting a snapshot.
type SnapshotInput struct {
	Content string
	Chunks  []chunk.Chunk
	Version version.Version
	At      time.Time
}

// Snapshot truncates the op log, replaces chunks with the current
// in-memory chunk list, and stores in.Version, which the caller has
// already advanced with version.BumpSnapshot.
func (s *Store) Snapshot(id string, in SnapshotInput) error {
	chunksJSON, err := json.Marshal(in.Chunks)
	if err != nil {
		return fmt.Errorf("store: encode chunks: %w", err)
	}
	_, err = s.db.Exec(`
		UPDATE document_data
		SET content = ?, chunks = ?, op_log = '[]',
		    version_service = ?, version_snapshot = ?, version_log = ?,
		    last_snapshot_at = ?, updated_at = ?
		WHERE id = ?
	`, in.Content, string(chunksJSON),
		in.Version.Service, in.Version.Snapshot, in.Version.Log, in.At, in.At, id)
	if err != nil {
		return fmt.Errorf("store: snapshot: %w", err)
	}
	return nil
}

// SoftDelete sets a document's status to DELETED.
func (s *Store) SoftDelete(id string) error {
	_, err := s.db.Exec(`UPDATE document_data SET status = ?, updated_at = ? WHERE id = ?`,
		int(model.StatusDeleted), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: soft delete: %w", err)
	}
	return nil
}

// RenameInput describes an update-metadata (rename/move) request.
type RenameInput struct {
	Name     *string
	ParentID *string // used only when HasParent is true; nil then means "move to the channel root"
	HasParent bool    // true if ParentID was explicitly supplied (including "root")
}

// Rename updates a document's name and/or parent, enforcing the
// (channel_id, parent_id, name) uniqueness key.
func (s *Store) Rename(id string, in RenameInput) error {
	d, err := s.LoadDoc(id)
	if err != nil {
		return err
	}
	if d == nil {
		return fmt.Errorf("store: rename: document %s not found", id)
	}

	name := d.Name
	if in.Name != nil {
		name = *in.Name
	}
	parentID := d.ParentID
	if in.HasParent {
		parentID = in.ParentID
	}

	var conflictCount int
	if parentID == nil {
		err = s.db.QueryRow(`
			SELECT COUNT(*) FROM document_data
			WHERE channel_id = ? AND parent_id IS NULL AND name = ? AND id != ?`,
			d.ChannelID, name, id).Scan(&conflictCount)
	} else {
		err = s.db.QueryRow(`
			SELECT COUNT(*) FROM document_data
			WHERE channel_id = ? AND parent_id = ? AND name = ? AND id != ?`,
			d.ChannelID, *parentID, name, id).Scan(&conflictCount)
	}
	if err != nil {
		return fmt.Errorf("store: rename uniqueness check: %w", err)
	}
	if conflictCount > 0 {
		return fmt.Errorf("store: rename: name %q already exists under parent", name)
	}

	_, err = s.db.Exec(`UPDATE document_data SET name = ?, parent_id = ?, updated_at = ? WHERE id = ?`,
		name, parentID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: rename: %w", err)
	}
	return nil
}

// SetOTP sets or clears (otp == nil) a document's join password, the
// OTP-gated-join supplement described in SPEC_FULL.md.
func (s *Store) SetOTP(id string, otp *string) error {
	_, err := s.db.Exec(`UPDATE document_data SET otp = ?, updated_at = ? WHERE id = ?`,
		otp, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: set otp: %w", err)
	}
	return nil
}

// ListChannelDocs lists non-deleted documents in a channel, for
// listDoc and enterChannel.
func (s *Store) ListChannelDocs(channelID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM document_data WHERE channel_id = ? AND status != ?`,
		channelID, int(model.StatusDeleted))
	if err != nil {
		return nil, fmt.Errorf("store: list channel docs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: list channel docs: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListAllNonDeleted lists every non-deleted document id across all
// channels, for startup prefetch.
func (s *Store) ListAllNonDeleted() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM document_data WHERE status != ?`, int(model.StatusDeleted))
	if err != nil {
		return nil, fmt.Errorf("store: list all docs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: list all docs: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
