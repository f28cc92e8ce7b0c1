package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/kolabdoc/core/internal/authext"
	"github.com/kolabdoc/core/internal/config"
	"github.com/kolabdoc/core/internal/doccache"
	"github.com/kolabdoc/core/internal/lseq"
	"github.com/kolabdoc/core/internal/model"
	"github.com/kolabdoc/core/internal/protocol"
	"github.com/kolabdoc/core/internal/store"
)

// testServer builds a Server with an in-memory durable store and
// process-local hot tier, test-friendly timeouts, and no document size
// cap unless a case overrides it directly on the returned Server.
func testServer(t *testing.T) (*Server, *authext.Verifier) {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cache := doccache.New("")
	verifier := authext.New("test-secret", 1)

	cfg := config.Config{
		ServiceVersion:      1,
		WSReadTimeout:       5 * time.Second,
		WSWriteTimeout:      2 * time.Second,
		BroadcastBufferSize: 64,
		CleanupInterval:     time.Hour,
		IdleTimeout:         time.Hour,
	}
	return New(cfg, st, cache, verifier), verifier
}

// dial opens a WebSocket connection to ts authenticated as userID.
func dial(t *testing.T, ts *httptest.Server, verifier *authext.Verifier, userID string) *websocket.Conn {
	t.Helper()

	token, err := verifier.Issue(userID, userID)
	if err != nil {
		t.Fatalf("Issue token: %v", err)
	}

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?token=" + token
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// sendEvent encodes payload as the data of an {event, data} envelope
// and writes it to conn.
func sendEvent(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()

	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, conn, protocol.Envelope{Event: event, Data: data}); err != nil {
		t.Fatalf("send %s: %v", event, err)
	}
}

// readEvent reads the next envelope off conn.
func readEvent(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var env protocol.Envelope
	if err := wsjson.Read(ctx, conn, &env); err != nil {
		t.Fatalf("read event: %v", err)
	}
	return env
}

// readEventInto reads the next envelope and decodes its data into out,
// failing the test unless the event name matches want.
func readEventInto(t *testing.T, conn *websocket.Conn, want string, out any) {
	t.Helper()

	env := readEvent(t, conn)
	if env.Event != want {
		t.Fatalf("expected event %q, got %q (data=%s)", want, env.Event, env.Data)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			t.Fatalf("decode %s payload: %v", want, err)
		}
	}
}

// enterFreshDoc drives createChannel -> enterChannel -> createDoc ->
// enterDoc on conn as owner, returning the new document's id. The
// caller ends up attached to both the channel and document room.
func enterFreshDoc(t *testing.T, conn *websocket.Conn) string {
	t.Helper()

	sendEvent(t, conn, protocol.EventCreateChannel, protocol.CreateChannelPayload{Name: "general"})
	var joined protocol.ChannelJoinedPayload
	readEventInto(t, conn, protocol.EventChannelJoined, &joined)

	sendEvent(t, conn, protocol.EventEnterChannel, protocol.EnterChannelPayload{ChannelID: joined.ChannelID})
	var entered protocol.ChannelEnteredPayload
	readEventInto(t, conn, protocol.EventChannelEntered, &entered)

	sendEvent(t, conn, protocol.EventCreateDoc, protocol.CreateDocPayload{ChannelID: joined.ChannelID, Name: "notes.md"})
	var created protocol.DocCreatedPayload
	readEventInto(t, conn, protocol.EventDocCreated, &created)
	// createDoc also broadcasts docListChanged to the whole channel,
	// including the creator (spec.md section 4.8 has no self-exclusion
	// for this broadcast).
	readEventInto(t, conn, protocol.EventDocListChanged, nil)

	sendEvent(t, conn, protocol.EventEnterDoc, protocol.EnterDocPayload{DocID: created.Doc.ID})
	var docEntered protocol.DocEnteredPayload
	readEventInto(t, conn, protocol.EventDocEntered, &docEntered)
	if docEntered.Content != "" {
		t.Fatalf("expected a fresh document to start empty, got %q", docEntered.Content)
	}
	return created.Doc.ID
}

// TestSeedScenarioSingleUserInsertDelete drives spec.md scenario S1: a
// single user inserts into an empty document, then deletes what they
// inserted, and observes the log version advance by one each time.
func TestSeedScenarioSingleUserInsertDelete(t *testing.T) {
	srv, verifier := testServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, ts, verifier, "alice")
	docID := enterFreshDoc(t, conn)

	sendEvent(t, conn, protocol.EventEditDocBatch, protocol.EditDocBatchPayload{
		DocID: docID,
		Ops:   []protocol.EditOpPayload{{Intent: "insert", Text: "hello"}},
	})
	var inserted protocol.DocOpBatchPayload
	readEventInto(t, conn, protocol.EventDocOpBatch, &inserted)
	if len(inserted.Ops) != 1 || inserted.Ops[0].Kind != "insert" {
		t.Fatalf("expected one insert op, got %+v", inserted.Ops)
	}
	if inserted.LogVersion != "1.0.1" {
		t.Errorf("expected log version %q, got %q", "1.0.1", inserted.LogVersion)
	}
	insertedID := inserted.Ops[0].ID

	sendEvent(t, conn, protocol.EventEditDoc, protocol.EditDocPayload{
		DocID: docID,
		Op:    protocol.EditOpPayload{Intent: "delete", ID: insertedID},
	})
	var deleted protocol.DocOpPayload
	readEventInto(t, conn, protocol.EventDocOp, &deleted)
	if deleted.Op.Kind != "delete" || deleted.Op.ID != insertedID {
		t.Fatalf("expected delete of %s, got %+v", insertedID, deleted.Op)
	}
	if deleted.LogVersion != "1.0.2" {
		t.Errorf("expected log version %q, got %q", "1.0.2", deleted.LogVersion)
	}
}

// TestSeedScenarioInChunkSplitInsert drives spec.md scenario S3: a
// single chunk is split by an in-the-middle insert, producing three
// ordered chunks that reassemble into the expected content.
func TestSeedScenarioInChunkSplitInsert(t *testing.T) {
	srv, verifier := testServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, ts, verifier, "alice")
	docID := enterFreshDoc(t, conn)

	sendEvent(t, conn, protocol.EventEditDocBatch, protocol.EditDocBatchPayload{
		DocID: docID,
		Ops:   []protocol.EditOpPayload{{Intent: "insert", Text: "abcdef"}},
	})
	var inserted protocol.DocOpBatchPayload
	readEventInto(t, conn, protocol.EventDocOpBatch, &inserted)
	targetID := inserted.Ops[0].ID

	sendEvent(t, conn, protocol.EventEditDocBatch, protocol.EditDocBatchPayload{
		DocID: docID,
		Ops:   []protocol.EditOpPayload{{Intent: "split", TargetID: targetID, Offset: 3, Text: "Z"}},
	})
	var split protocol.DocOpBatchPayload
	readEventInto(t, conn, protocol.EventDocOpBatch, &split)
	if len(split.Ops) != 1 || split.Ops[0].Kind != "split" {
		t.Fatalf("expected one split op, got %+v", split.Ops)
	}
	op := split.Ops[0]
	if op.LeftText != "abc" || op.InsertText != "Z" || op.RightText != "def" {
		t.Fatalf("expected split into %q/%q/%q, got %q/%q/%q", "abc", "Z", "def", op.LeftText, op.InsertText, op.RightText)
	}

	left, err := lseq.Parse(targetID)
	if err != nil {
		t.Fatalf("parse left id %q: %v", targetID, err)
	}
	mid, err := lseq.Parse(op.InsertID)
	if err != nil {
		t.Fatalf("parse inserted id %q: %v", op.InsertID, err)
	}
	right, err := lseq.Parse(*op.RightID)
	if err != nil {
		t.Fatalf("parse right id %q: %v", *op.RightID, err)
	}
	if !lseq.Less(left, mid) || !lseq.Less(mid, right) {
		t.Errorf("expected %s < %s < %s", left, mid, right)
	}
}

// TestSeedScenarioSnapshotClearsLog drives spec.md scenario S5: the
// owner requests a snapshot, which write-throughs the current state,
// truncates the durable op log, and bumps the snapshot version
// component, broadcasting docSnapshotCreated to every viewer exactly
// once.
func TestSeedScenarioSnapshotClearsLog(t *testing.T) {
	srv, verifier := testServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, ts, verifier, "alice")
	docID := enterFreshDoc(t, conn)

	for i := 0; i < 3; i++ {
		sendEvent(t, conn, protocol.EventEditDocBatch, protocol.EditDocBatchPayload{
			DocID: docID,
			Ops:   []protocol.EditOpPayload{{Intent: "insert", Text: "x"}},
		})
		readEventInto(t, conn, protocol.EventDocOpBatch, nil)
	}

	sendEvent(t, conn, protocol.EventSnapshotDoc, protocol.SnapshotDocPayload{DocID: docID})

	var broadcast protocol.DocSnapshotCreatedPayload
	readEventInto(t, conn, protocol.EventDocSnapshotCreated, &broadcast)
	if broadcast.Version != "1.1.0" {
		t.Errorf("expected broadcast version %q, got %q", "1.1.0", broadcast.Version)
	}

	var reply protocol.SnapshotCreatedPayload
	readEventInto(t, conn, protocol.EventSnapshotCreated, &reply)
	if reply.Version != "1.1.0" {
		t.Errorf("expected reply version %q, got %q", "1.1.0", reply.Version)
	}

	got, err := srv.store.LoadDoc(docID)
	if err != nil {
		t.Fatalf("LoadDoc after snapshot: %v", err)
	}
	if len(got.OpLog) != 0 {
		t.Errorf("expected durable op log truncated, got %d entries", len(got.OpLog))
	}
	if got.Content != "xxx" {
		t.Errorf("expected durable content %q, got %q", "xxx", got.Content)
	}
}

// TestSeedScenarioEditDuringLock drives spec.md scenario S6: an edit
// arriving while a document is locked is rejected without mutating the
// op log, and a fresh edit after the document unlocks succeeds. The
// lock window itself is set up directly against the hot tier (the same
// state internal/lifecycle's Sync/Snapshot hold it under) rather than
// racing goroutines over the wire, so the assertion is deterministic.
func TestSeedScenarioEditDuringLock(t *testing.T) {
	srv, verifier := testServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dial(t, ts, verifier, "alice")
	docID := enterFreshDoc(t, conn)

	ctx := context.Background()
	if _, err := srv.cache.Update(ctx, docID, func(cur *model.Document) (*model.Document, error) {
		next := cur.Clone()
		next.Status = model.StatusLocked
		return next, nil
	}); err != nil {
		t.Fatalf("lock document: %v", err)
	}

	sendEvent(t, conn, protocol.EventEditDoc, protocol.EditDocPayload{
		DocID: docID,
		Op:    protocol.EditOpPayload{Intent: "insert", Text: "x"},
	})
	var rejected protocol.EditRejectedPayload
	readEventInto(t, conn, protocol.EventEditRejected, &rejected)
	if rejected.DocID != docID || rejected.Reason == "" {
		t.Fatalf("expected a populated editRejected, got %+v", rejected)
	}

	locked, found := srv.cache.Get(ctx, docID)
	if !found || len(locked.OpLog) != 0 {
		t.Fatalf("expected op log untouched while locked, got %+v", locked)
	}

	if _, err := srv.cache.Update(ctx, docID, func(cur *model.Document) (*model.Document, error) {
		next := cur.Clone()
		next.Status = model.StatusNormal
		return next, nil
	}); err != nil {
		t.Fatalf("unlock document: %v", err)
	}

	sendEvent(t, conn, protocol.EventEditDoc, protocol.EditDocPayload{
		DocID: docID,
		Op:    protocol.EditOpPayload{Intent: "insert", Text: "x"},
	})
	var applied protocol.DocOpPayload
	readEventInto(t, conn, protocol.EventDocOp, &applied)
	if applied.Op.Kind != "insert" {
		t.Fatalf("expected the post-unlock edit to apply, got %+v", applied)
	}
}
