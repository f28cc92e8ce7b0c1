// Package oplog defines the append-only operation log and its
// deterministic replay onto a chunk snapshot.
package oplog

import (
	"time"

	"github.com/kolabdoc/core/internal/lseq"
)

// Kind discriminates the tagged union of op-log entry variants.
type Kind int

const (
	KindInsert Kind = iota
	KindSplit
	KindDelete
	KindTrim
)

func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "insert"
	case KindSplit:
		return "split"
	case KindDelete:
		return "delete"
	case KindTrim:
		return "trim"
	default:
		return "unknown"
	}
}

// InsertOp is an inter-chunk insertion.
type InsertOp struct {
	ID      lseq.ID
	Text    string
	LeftID  lseq.ID // nil means the document's left boundary
	RightID lseq.ID // nil means the document's right boundary
}

// SplitOp is an in-chunk split insertion.
type SplitOp struct {
	TargetID   lseq.ID
	Offset     int
	LeftText   string
	InsertID   lseq.ID
	InsertText string
	RightID    lseq.ID // nil if the split produced no right remnant
	RightText  string
}

// DeleteOp removes a whole chunk. Text is retained for replay
// observability (spec.md 4.3).
type DeleteOp struct {
	ID   lseq.ID
	Text string
}

// TrimOp removes a character range from within a chunk.
type TrimOp struct {
	ID           lseq.ID
	StartOffset  int
	EndOffset    int
	DeletedText  string
	NewText      string
}

// Entry is one op-log record: a tagged union over the four op kinds,
// plus the originating user and an advisory wall-clock timestamp (not
// used for ordering — log position is the only order that matters).
type Entry struct {
	Kind   Kind
	UserID string
	At     time.Time

	Insert *InsertOp
	Split  *SplitOp
	Delete *DeleteOp
	Trim   *TrimOp
}

// NewInsertEntry builds an insert entry.
func NewInsertEntry(userID string, at time.Time, op InsertOp) Entry {
	return Entry{Kind: KindInsert, UserID: userID, At: at, Insert: &op}
}

// NewSplitEntry builds a split entry.
func NewSplitEntry(userID string, at time.Time, op SplitOp) Entry {
	return Entry{Kind: KindSplit, UserID: userID, At: at, Split: &op}
}

// NewDeleteEntry builds a delete entry.
func NewDeleteEntry(userID string, at time.Time, op DeleteOp) Entry {
	return Entry{Kind: KindDelete, UserID: userID, At: at, Delete: &op}
}

// NewTrimEntry builds a trim entry.
func NewTrimEntry(userID string, at time.Time, op TrimOp) Entry {
	return Entry{Kind: KindTrim, UserID: userID, At: at, Trim: &op}
}
