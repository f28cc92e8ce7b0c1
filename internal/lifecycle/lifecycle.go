// Package lifecycle implements the lifecycle controller (spec.md
// section 4.10): document lock/unlock around owner-initiated sync and
// snapshot cycles, the last-viewer write-through trigger, and the
// process startup/shutdown sequences.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kolabdoc/core/internal/doccache"
	"github.com/kolabdoc/core/internal/logger"
	"github.com/kolabdoc/core/internal/model"
	"github.com/kolabdoc/core/internal/protocol"
	"github.com/kolabdoc/core/internal/room"
	"github.com/kolabdoc/core/internal/session"
	"github.com/kolabdoc/core/internal/store"
	"github.com/kolabdoc/core/internal/version"
)

// OutcomeKind discriminates the result of an owner-gated lifecycle
// operation.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRejected
)

// Outcome is the result of Sync or Snapshot.
type Outcome struct {
	Kind    OutcomeKind
	Reason  string
	Version version.Version
}

// Controller owns document lock state transitions and the
// write-through/snapshot cycles that run under them.
type Controller struct {
	cache *doccache.Cache
	st    *store.Store
	bcast *room.Broadcaster
	reg   *session.Registry

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Controller.
func New(cache *doccache.Cache, st *store.Store, bcast *room.Broadcaster, reg *session.Registry) *Controller {
	return &Controller{cache: cache, st: st, bcast: bcast, reg: reg, locks: make(map[string]*sync.Mutex)}
}

func (c *Controller) lockFor(docID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[docID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[docID] = l
	}
	return l
}

// Startup flushes the hot tier (a cache populated by a prior,
// possibly crashed process must not be trusted) and prefetches every
// non-deleted document from the durable store so the first enterDoc
// for each is served from the cache rather than a cold store read.
func (c *Controller) Startup(ctx context.Context) error {
	c.cache.Flush(ctx)

	ids, err := c.st.ListAllNonDeleted()
	if err != nil {
		return fmt.Errorf("lifecycle: startup prefetch: %w", err)
	}
	for _, id := range ids {
		doc, err := c.st.LoadDoc(id)
		if err != nil {
			logger.Component("lifecycle", "startup-load", "id=%s: %v", id, err)
			continue
		}
		if doc == nil {
			continue
		}
		c.cache.Put(ctx, id, doc)
	}
	logger.Info("lifecycle: startup prefetched %d documents", len(ids))
	return nil
}

// Shutdown write-throughs every document currently resident in the
// hot tier. Socket teardown is the wire layer's responsibility; by the
// time Shutdown runs no further edits should be in flight.
func (c *Controller) Shutdown(ctx context.Context) {
	for _, id := range c.cache.Keys() {
		doc, ok := c.cache.Get(ctx, id)
		if !ok {
			continue
		}
		if err := c.writeThrough(doc); err != nil {
			logger.Component("lifecycle", "shutdown-write-through", "id=%s: %v", id, err)
		}
	}
}

// OnLastViewerLeave is invoked once a document's viewer count reaches
// zero; it write-throughs the cached state so the durable store is
// never more than one edit behind a document with no active viewers.
func (c *Controller) OnLastViewerLeave(ctx context.Context, docID string) {
	lock := c.lockFor(docID)
	lock.Lock()
	defer lock.Unlock()

	doc, ok := c.cache.Get(ctx, docID)
	if !ok {
		return
	}
	if err := c.writeThrough(doc); err != nil {
		logger.Component("lifecycle", "last-viewer-write-through", "id=%s: %v", docID, err)
	}
}

func (c *Controller) writeThrough(doc *model.Document) error {
	return c.st.WriteThrough(doc.ID, store.WriteThroughInput{
		Content: doc.Content,
		Chunks:  doc.Chunks,
		OpLog:   doc.OpLog,
		Version: doc.Version,
	})
}

// Sync runs the owner-only write-through-and-unlock cycle requested
// by syncDoc: lock, write through, unlock, broadcast docSyncCompleted.
// Edits arriving between lock and unlock are rejected by the
// dispatcher (spec.md scenario S6); Sync itself never touches the op
// log or chunk list.
func (c *Controller) Sync(ctx context.Context, docID, requesterUserID string) Outcome {
	lock := c.lockFor(docID)
	lock.Lock()
	defer lock.Unlock()

	doc, ok := c.cache.Get(ctx, docID)
	if !ok {
		return Outcome{Kind: OutcomeRejected, Reason: "document not open"}
	}
	if doc.CreatedBy != requesterUserID {
		return Outcome{Kind: OutcomeRejected, Reason: "only the owner may sync this document"}
	}

	if err := c.setStatus(ctx, docID, model.StatusLocked); err != nil {
		return Outcome{Kind: OutcomeRejected, Reason: err.Error()}
	}
	defer c.setStatus(ctx, docID, model.StatusNormal)

	doc, _ = c.cache.Get(ctx, docID)
	if err := c.writeThrough(doc); err != nil {
		logger.Component("lifecycle", "sync-write-through", "id=%s: %v", docID, err)
		return Outcome{Kind: OutcomeRejected, Reason: "durable store unavailable"}
	}

	payload := protocol.DocSyncCompletedPayload{
		Timestamped: protocol.Timestamped{Time: time.Now().UnixMilli()},
		DocID:       docID,
		Version:     doc.Version.String(),
	}
	c.bcast.BroadcastDoc(docID, protocol.EventDocSyncCompleted, payload, nil)
	return Outcome{Kind: OutcomeSuccess, Version: doc.Version}
}

// Snapshot runs the owner-only snapshot cycle requested by
// snapshotDoc: lock, write through, cut the snapshot (truncating the
// durable op log and bumping the snapshot version component), reload
// into the cache, unlock, broadcast docSnapshotCreated.
func (c *Controller) Snapshot(ctx context.Context, docID, requesterUserID string) Outcome {
	lock := c.lockFor(docID)
	lock.Lock()
	defer lock.Unlock()

	doc, ok := c.cache.Get(ctx, docID)
	if !ok {
		return Outcome{Kind: OutcomeRejected, Reason: "document not open"}
	}
	if doc.CreatedBy != requesterUserID {
		return Outcome{Kind: OutcomeRejected, Reason: "only the owner may snapshot this document"}
	}

	if err := c.setStatus(ctx, docID, model.StatusLocked); err != nil {
		return Outcome{Kind: OutcomeRejected, Reason: err.Error()}
	}
	defer c.setStatus(ctx, docID, model.StatusNormal)

	doc, _ = c.cache.Get(ctx, docID)
	if err := c.writeThrough(doc); err != nil {
		logger.Component("lifecycle", "snapshot-write-through", "id=%s: %v", docID, err)
		return Outcome{Kind: OutcomeRejected, Reason: "durable store unavailable"}
	}

	next := version.BumpSnapshot(doc.Version)
	now := time.Now()
	if err := c.st.Snapshot(docID, store.SnapshotInput{
		Content: doc.Content,
		Chunks:  doc.Chunks,
		Version: next,
		At:      now,
	}); err != nil {
		logger.Component("lifecycle", "snapshot", "id=%s: %v", docID, err)
		return Outcome{Kind: OutcomeRejected, Reason: "durable store unavailable"}
	}

	doc.OpLog = nil
	doc.Version = next
	doc.LastSnapshotAt = &now
	c.cache.Put(ctx, docID, doc)

	payload := protocol.DocSnapshotCreatedPayload{
		Timestamped: protocol.Timestamped{Time: now.UnixMilli()},
		DocID:       docID,
		Version:     next.String(),
	}
	c.bcast.BroadcastDoc(docID, protocol.EventDocSnapshotCreated, payload, nil)
	return Outcome{Kind: OutcomeSuccess, Version: next}
}

// EvictIdle write-throughs and drops from the hot tier every document
// that has had no cache activity since cutoff and currently has no
// viewer attached (SPEC_FULL.md's hot-tier eviction supplement,
// generalized from the teacher's idle-document cleaner). A document
// with an active viewer is skipped regardless of idle time: its
// chunks/op log are still being read on every keystroke, so evicting it
// would just force an immediate reload from the durable store.
func (c *Controller) EvictIdle(ctx context.Context, cutoff time.Time) int {
	evicted := 0
	for _, docID := range c.cache.IdleSince(cutoff) {
		if c.reg.DocUserCount(docID) > 0 {
			continue
		}
		lock := c.lockFor(docID)
		lock.Lock()
		doc, ok := c.cache.Get(ctx, docID)
		if !ok {
			lock.Unlock()
			continue
		}
		if c.reg.DocUserCount(docID) > 0 {
			lock.Unlock()
			continue
		}
		if err := c.writeThrough(doc); err != nil {
			logger.Component("lifecycle", "evict-write-through", "id=%s: %v", docID, err)
			lock.Unlock()
			continue
		}
		c.cache.Evict(docID)
		lock.Unlock()
		evicted++
	}
	return evicted
}

func (c *Controller) setStatus(ctx context.Context, docID string, status model.Status) error {
	_, err := c.cache.Update(ctx, docID, func(cur *model.Document) (*model.Document, error) {
		next := cur.Clone()
		next.Status = status
		return next, nil
	})
	return err
}
