// Package doccache implements the hot tier described in spec.md
// section 4.5: a shared external key-value layer holding the live
// state of open documents, fronted by a process-local materialized
// index so that already-resident documents keep serving reads and
// writes even if the backing Redis instance is unreachable.
//
// Grounded on the retrieved pack's Redis-backed datastore pattern
// (edirooss-zmux-server's internal/infrastructure/datastore): a single
// mutex serializes the process-local index, Redis holds the
// authoritative encoded value per key, and every operation goes
// through the lock before touching Redis.
package doccache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kolabdoc/core/internal/logger"
	"github.com/kolabdoc/core/internal/model"
)

const keyPrefix = "kolabdoc:doc:"

// Cache is the document hot tier. A nil *redis.Client degrades every
// operation to the process-local map only (used for tests and for
// HOT_TIER_URL-unset deployments).
type Cache struct {
	mu         sync.Mutex
	local      map[string]*model.Document
	lastAccess map[string]time.Time
	rdb        *redis.Client
}

// New constructs a Cache. addr == "" disables the Redis-backed tier
// and runs purely in-process.
func New(addr string) *Cache {
	c := &Cache{local: make(map[string]*model.Document), lastAccess: make(map[string]time.Time)}
	if addr != "" {
		c.rdb = redis.NewClient(&redis.Options{Addr: addr, MaxRetries: 3})
	}
	return c
}

// Close releases the Redis client, if any.
func (c *Cache) Close() error {
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// Flush clears the hot tier at process startup: a cache populated by a
// prior, possibly crashed, process must not be trusted (spec.md 4.10
// "startup"). The durable store is the source of truth for
// rehydration afterward.
func (c *Cache) Flush(ctx context.Context) {
	c.mu.Lock()
	c.local = make(map[string]*model.Document)
	c.lastAccess = make(map[string]time.Time)
	c.mu.Unlock()

	if c.rdb == nil {
		return
	}
	iter := c.rdb.Scan(ctx, 0, keyPrefix+"*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		logger.Component("doccache", "flush-scan", "%v", err)
		return
	}
	if len(keys) > 0 {
		if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
			logger.Component("doccache", "flush-del", "%v", err)
		}
	}
}

// Get returns the cached record for id, or (nil, false) if absent or
// if the backing store is unavailable.
func (c *Cache) Get(ctx context.Context, id string) (*model.Document, bool) {
	c.mu.Lock()
	if doc, ok := c.local[id]; ok {
		c.lastAccess[id] = time.Now()
		c.mu.Unlock()
		return doc.Clone(), true
	}
	c.mu.Unlock()

	if c.rdb == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, keyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		logger.Component("doccache", "get", "id=%s: %v", id, err)
		return nil, false
	}
	var doc model.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		logger.Component("doccache", "get-decode", "id=%s: %v", id, err)
		return nil, false
	}

	c.mu.Lock()
	c.local[id] = &doc
	c.lastAccess[id] = time.Now()
	c.mu.Unlock()
	return doc.Clone(), true
}

// Put stores doc under id. Returns false if the write could not be
// durably mirrored to Redis (the process-local copy is still updated
// regardless, so in-process readers keep seeing it).
func (c *Cache) Put(ctx context.Context, id string, doc *model.Document) bool {
	cp := doc.Clone()
	c.mu.Lock()
	c.local[id] = cp
	c.lastAccess[id] = time.Now()
	c.mu.Unlock()

	return c.mirror(ctx, id, cp)
}

// Delete removes id from both tiers.
func (c *Cache) Delete(ctx context.Context, id string) bool {
	c.mu.Lock()
	delete(c.local, id)
	delete(c.lastAccess, id)
	c.mu.Unlock()

	if c.rdb == nil {
		return true
	}
	if err := c.rdb.Del(ctx, keyPrefix+id).Err(); err != nil {
		logger.Component("doccache", "delete", "id=%s: %v", id, err)
		return false
	}
	return true
}

// Mutator transforms a document record. Returning an error aborts the
// update without storing anything.
type Mutator func(*model.Document) (*model.Document, error)

// Update performs a read-modify-write against the process-local
// index. Redis round trips are not atomic across the network, so
// concurrent callers for the same id must be externally serialized —
// the edit dispatcher and lifecycle controller each hold a per-document
// lock across their own read -> mutate -> write sequence (spec.md
// section 5), making this safe in practice despite Update itself only
// locking for the duration of the in-process map access.
func (c *Cache) Update(ctx context.Context, id string, fn Mutator) (*model.Document, error) {
	c.mu.Lock()
	cur, ok := c.local[id]
	c.mu.Unlock()

	if !ok {
		var found bool
		cur, found = c.Get(ctx, id)
		if !found {
			return nil, fmt.Errorf("doccache: update on absent document %s", id)
		}
	} else {
		cur = cur.Clone()
	}

	next, err := fn(cur)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.local[id] = next.Clone()
	c.lastAccess[id] = time.Now()
	c.mu.Unlock()
	c.mirror(ctx, id, next)
	return next, nil
}

// Keys returns the ids currently resident in the process-local index,
// for the lifecycle controller's shutdown write-through pass.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.local))
	for id := range c.local {
		keys = append(keys, id)
	}
	return keys
}

// IdleSince returns the ids that have not been touched by Get, Put, or
// Update since before the cutoff. The lifecycle controller write-throughs
// and evicts these on a timer (SPEC_FULL.md's hot-tier eviction
// supplement), so a resident document that nobody is viewing does not
// sit in memory forever.
func (c *Cache) IdleSince(cutoff time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id, t := range c.lastAccess {
		if t.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Evict drops id from the process-local index only, leaving Redis (if
// any) untouched. Callers must write-through any dirty state before
// calling Evict; eviction is a memory-pressure relief, not a delete.
func (c *Cache) Evict(id string) {
	c.mu.Lock()
	delete(c.local, id)
	delete(c.lastAccess, id)
	c.mu.Unlock()
}

func (c *Cache) mirror(ctx context.Context, id string, doc *model.Document) bool {
	if c.rdb == nil {
		return true
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		logger.Component("doccache", "put-encode", "id=%s: %v", id, err)
		return false
	}
	mctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.rdb.Set(mctx, keyPrefix+id, raw, 0).Err(); err != nil {
		logger.Component("doccache", "put", "id=%s: %v", id, err)
		return false
	}
	return true
}
