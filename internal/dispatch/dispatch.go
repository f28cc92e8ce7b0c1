// Package dispatch implements the edit dispatcher (spec.md section
// 4.9): the validation pipeline and single-writer lane that turns a
// client's editDoc/editDocBatch request into chunk mutations, op-log
// entries, and a version bump, never raising an error itself but
// always returning a tagged Outcome (spec.md section 7's
// "propagation" rule).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kolabdoc/core/internal/chunk"
	"github.com/kolabdoc/core/internal/doccache"
	"github.com/kolabdoc/core/internal/lseq"
	"github.com/kolabdoc/core/internal/model"
	"github.com/kolabdoc/core/internal/oplog"
	"github.com/kolabdoc/core/internal/session"
	"github.com/kolabdoc/core/internal/version"
)

// Op is one requested mutation, translated from the wire layer's
// editDoc/editDocBatch payload. Intent discriminates which of the
// remaining fields apply. LeftID/RightID/ID/TargetID are the dotted
// string rendering of an lseq.ID, "" meaning a document boundary (for
// LeftID/RightID) or, prefixed "temp_", a placeholder introduced
// earlier in the same batch (spec.md section 9).
type Op struct {
	Intent      string
	TempID      string
	Text        string
	LeftID      string
	RightID     string
	ID          string
	TargetID    string
	Offset      int
	StartOffset int
	EndOffset   int
}

// OutcomeKind discriminates the dispatcher's tagged result.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRejected
	OutcomeSystemMessage
	OutcomeProtocolError
)

// Outcome is the dispatcher's never-raises result, per spec.md
// section 7: the wire layer converts it to the matching envelope.
type Outcome struct {
	Kind    OutcomeKind
	Reason  string // set for Rejected/SystemMessage/ProtocolError
	Entries []oplog.Entry
	Doc     *model.Document // the updated document, set on Success
}

// errSkip aborts a doccache.Update mutator without persisting; the
// Outcome describing why was already recorded by the caller.
var errSkip = errors.New("dispatch: validation stopped the update")

// Dispatcher owns the per-document write lane: concurrent edit
// requests against the same document are serialized here, never
// inside the cache (spec.md section 5's ordering guarantee).
type Dispatcher struct {
	cache      *doccache.Cache
	reg        *session.Registry
	maxDocSize int // bytes; 0 disables the check

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Dispatcher over the given cache and session registry.
// maxDocSize is the configured maximum document content size in bytes
// (spec.md section 6's max_document_size_kb); 0 disables the check.
func New(cache *doccache.Cache, reg *session.Registry, maxDocSize int) *Dispatcher {
	return &Dispatcher{cache: cache, reg: reg, maxDocSize: maxDocSize, locks: make(map[string]*sync.Mutex)}
}

func (d *Dispatcher) lockFor(docID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.locks[docID]
	if !ok {
		l = &sync.Mutex{}
		d.locks[docID] = l
	}
	return l
}

// EditBatch validates and applies every op in ops against docID as a
// single pass under that document's write lane, appending one op-log
// entry per op that actually changed something (idempotent deletes
// and trims against an already-absent chunk produce no entry, per
// invariant 6).
func (d *Dispatcher) EditBatch(ctx context.Context, sessionID uint64, docID string, ops []Op) Outcome {
	sess, ok := d.reg.Get(sessionID)
	if !ok || sess.CurrentDoc != docID {
		return Outcome{Kind: OutcomeProtocolError, Reason: "not viewing document"}
	}

	lock := d.lockFor(docID)
	lock.Lock()
	defer lock.Unlock()

	var outcome Outcome
	_, err := d.cache.Update(ctx, docID, func(cur *model.Document) (*model.Document, error) {
		if cur.Status == model.StatusLocked {
			outcome = Outcome{Kind: OutcomeRejected, Reason: "document is locked"}
			return nil, errSkip
		}
		if cur.Status == model.StatusDeleted {
			outcome = Outcome{Kind: OutcomeRejected, Reason: "document is deleted"}
			return nil, errSkip
		}

		list := chunk.NewList(cur.Chunks)
		tempIDs := make(map[string]lseq.ID)
		var entries []oplog.Entry
		for _, op := range ops {
			entry, err := applyOp(list, tempIDs, op, sess.UserID)
			if err != nil {
				outcome = Outcome{Kind: OutcomeSystemMessage, Reason: err.Error()}
				return nil, errSkip
			}
			if entry != nil {
				entries = append(entries, *entry)
			}
		}

		content := list.Content()
		if d.maxDocSize > 0 && len(content) > d.maxDocSize {
			outcome = Outcome{Kind: OutcomeRejected, Reason: fmt.Sprintf(
				"resulting document size %d exceeds maximum of %d bytes", len(content), d.maxDocSize)}
			return nil, errSkip
		}

		next := cur.Clone()
		next.Chunks = list.Chunks()
		next.Content = content
		next.OpLog = append(next.OpLog, entries...)
		for range entries {
			next.Version = version.BumpLog(next.Version)
		}
		outcome = Outcome{Kind: OutcomeSuccess, Entries: entries, Doc: next}
		return next, nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		return Outcome{Kind: OutcomeProtocolError, Reason: err.Error()}
	}
	return outcome
}

// Edit is EditBatch with a single op, for the editDoc event.
func (d *Dispatcher) Edit(ctx context.Context, sessionID uint64, docID string, op Op) Outcome {
	return d.EditBatch(ctx, sessionID, docID, []Op{op})
}

func resolveID(raw string, tempIDs map[string]lseq.ID) (lseq.ID, error) {
	if raw == "" {
		return nil, nil
	}
	if strings.HasPrefix(raw, "temp_") {
		id, ok := tempIDs[raw]
		if !ok {
			return nil, fmt.Errorf("unresolved placeholder %q", raw)
		}
		return id, nil
	}
	return lseq.Parse(raw)
}

// applyOp applies one op to list, returning the op-log entry to
// append or nil if the op was a no-op (idempotent delete/trim against
// an absent chunk).
func applyOp(list *chunk.List, tempIDs map[string]lseq.ID, op Op, userID string) (*oplog.Entry, error) {
	now := time.Now()
	switch op.Intent {
	case "insert":
		if op.Text == "" {
			return nil, fmt.Errorf("insert requires nonempty text")
		}
		left, err := resolveID(op.LeftID, tempIDs)
		if err != nil {
			return nil, fmt.Errorf("insert leftId: %w", err)
		}
		right, err := resolveID(op.RightID, tempIDs)
		if err != nil {
			return nil, fmt.Errorf("insert rightId: %w", err)
		}
		c, err := list.InsertChunk(left, right, op.Text)
		if err != nil {
			return nil, err
		}
		if op.TempID != "" {
			tempIDs[op.TempID] = c.ID
		}
		entry := oplog.NewInsertEntry(userID, now, oplog.InsertOp{ID: c.ID, Text: op.Text, LeftID: left, RightID: right})
		return &entry, nil

	case "split":
		if op.Text == "" {
			return nil, fmt.Errorf("split requires nonempty text")
		}
		target, err := resolveID(op.TargetID, tempIDs)
		if err != nil || target == nil {
			return nil, fmt.Errorf("split requires a valid targetId")
		}
		res, err := list.SplitAndInsert(target, op.Offset, op.Text)
		if err != nil {
			return nil, err
		}
		if op.TempID != "" {
			tempIDs[op.TempID] = res.Insert.ID
		}
		var leftText, rightText string
		var rightID lseq.ID
		if res.Left != nil {
			leftText = res.Left.Text
		}
		if res.Right != nil {
			rightText = res.Right.Text
			rightID = res.Right.ID
		}
		entry := oplog.NewSplitEntry(userID, now, oplog.SplitOp{
			TargetID: target, Offset: op.Offset, LeftText: leftText,
			InsertID: res.Insert.ID, InsertText: op.Text, RightID: rightID, RightText: rightText,
		})
		return &entry, nil

	case "delete":
		id, err := resolveID(op.ID, tempIDs)
		if err != nil || id == nil {
			return nil, fmt.Errorf("delete requires a valid id")
		}
		res := list.DeleteChunk(id)
		if res.AlreadyDeleted {
			return nil, nil
		}
		entry := oplog.NewDeleteEntry(userID, now, oplog.DeleteOp{ID: id, Text: res.Text})
		return &entry, nil

	case "trim":
		id, err := resolveID(op.ID, tempIDs)
		if err != nil || id == nil {
			return nil, fmt.Errorf("trim requires a valid id")
		}
		res, err := list.Trim(id, op.StartOffset, op.EndOffset)
		if err != nil {
			return nil, err
		}
		if res.AlreadyDeleted {
			return nil, nil
		}
		entry := oplog.NewTrimEntry(userID, now, oplog.TrimOp{
			ID: id, StartOffset: op.StartOffset, EndOffset: op.EndOffset,
			DeletedText: res.DeletedText, NewText: res.NewText,
		})
		return &entry, nil

	default:
		return nil, fmt.Errorf("unknown edit intent %q", op.Intent)
	}
}
