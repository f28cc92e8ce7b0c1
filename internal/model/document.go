// Package model holds the shared document record shape used by the
// cache, the durable store adapter, and the dispatcher — the single
// definition of spec.md section 3's Document data model.
package model

import (
	"time"

	"github.com/kolabdoc/core/internal/chunk"
	"github.com/kolabdoc/core/internal/oplog"
	"github.com/kolabdoc/core/internal/version"
)

// Status is a document's runtime lifecycle status.
type Status int

// Status encodings match the persisted layout in spec.md section 6:
// 0 normal, 1 deleted, 2 locked. LOCKED is transient and need not
// survive a restart (spec.md's open question on this point).
const (
	StatusNormal Status = iota
	StatusDeleted
	StatusLocked
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "NORMAL"
	case StatusDeleted:
		return "DELETED"
	case StatusLocked:
		return "LOCKED"
	default:
		return "UNKNOWN"
	}
}

// Document is a channel's file or directory entry, including its
// live editing state. IsDirectory documents are created with no
// chunks or op log; the edit dispatcher does not refuse edits to them.
type Document struct {
	ID          string
	ChannelID   string
	Name        string
	ParentID    *string // nil denotes the channel root
	IsDirectory bool
	Status      Status
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time

	Version version.Version
	Content string // derived: concatenation of chunk texts in id order
	Chunks  []chunk.Chunk
	OpLog   []oplog.Entry

	// OTP optionally gates enterDoc (supplemented feature, see
	// SPEC_FULL.md); nil means the document is open to any channel
	// member.
	OTP *string

	LastSnapshotAt *time.Time
}

// Clone returns a deep-enough copy safe to hand to a caller outside
// the cache's lock (chunks and op log are copied; nested values within
// entries are not further copied, as they are never mutated in place).
func (d *Document) Clone() *Document {
	cp := *d
	cp.Chunks = append([]chunk.Chunk(nil), d.Chunks...)
	cp.OpLog = append([]oplog.Entry(nil), d.OpLog...)
	if d.ParentID != nil {
		p := *d.ParentID
		cp.ParentID = &p
	}
	if d.OTP != nil {
		o := *d.OTP
		cp.OTP = &o
	}
	return &cp
}
