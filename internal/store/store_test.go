package store

import (
	"testing"
	"time"

	"github.com/kolabdoc/core/internal/model"
	"github.com/kolabdoc/core/internal/version"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testDoc(id, channelID, name string, parentID *string) *model.Document {
	now := time.Now().UTC()
	return &model.Document{
		ID: id, ChannelID: channelID, Name: name, ParentID: parentID,
		CreatedBy: "alice", CreatedAt: now, UpdatedAt: now,
		Status: model.StatusNormal, Version: version.New(1),
	}
}

func TestCreateAndLoadDoc(t *testing.T) {
	s := testStore(t)
	doc := testDoc("doc1", "chan1", "notes.md", nil)

	if err := s.CreateDoc(doc); err != nil {
		t.Fatalf("CreateDoc: %v", err)
	}

	got, err := s.LoadDoc("doc1")
	if err != nil {
		t.Fatalf("LoadDoc: %v", err)
	}
	if got == nil {
		t.Fatal("expected document, got nil")
	}
	if got.Name != "notes.md" || got.ChannelID != "chan1" {
		t.Errorf("unexpected loaded doc: %+v", got)
	}
}

func TestLoadDocAbsentReturnsNilNil(t *testing.T) {
	s := testStore(t)
	got, err := s.LoadDoc("nope")
	if err != nil {
		t.Fatalf("LoadDoc: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for absent doc, got %+v", got)
	}
}

func TestCreateDocRejectsDuplicateNameUnderSameParent(t *testing.T) {
	s := testStore(t)
	if err := s.CreateDoc(testDoc("doc1", "chan1", "notes.md", nil)); err != nil {
		t.Fatalf("first CreateDoc: %v", err)
	}
	if err := s.CreateDoc(testDoc("doc2", "chan1", "notes.md", nil)); err == nil {
		t.Error("expected error creating a second root document with the same name")
	}
}

func TestWriteThroughRequiresNewerVersion(t *testing.T) {
	s := testStore(t)
	doc := testDoc("doc1", "chan1", "notes.md", nil)
	doc.Version = version.Version{Service: 1, Snapshot: 0, Log: 2}
	if err := s.CreateDoc(doc); err != nil {
		t.Fatalf("CreateDoc: %v", err)
	}

	// A stale write-through (older or equal version) must be a silent
	// no-op per the monotonicity invariant.
	if err := s.WriteThrough("doc1", WriteThroughInput{
		Content: "stale", Version: version.Version{Service: 1, Snapshot: 0, Log: 1},
	}); err != nil {
		t.Fatalf("WriteThrough (stale): %v", err)
	}
	got, _ := s.LoadDoc("doc1")
	if got.Content == "stale" {
		t.Error("expected stale write-through to be ignored")
	}

	if err := s.WriteThrough("doc1", WriteThroughInput{
		Content: "fresh", Version: version.Version{Service: 1, Snapshot: 0, Log: 3},
	}); err != nil {
		t.Fatalf("WriteThrough (fresh): %v", err)
	}
	got, _ = s.LoadDoc("doc1")
	if got.Content != "fresh" {
		t.Errorf("expected fresh write-through to apply, got %q", got.Content)
	}
}

func TestSnapshotTruncatesOpLogAndBumpsVersion(t *testing.T) {
	s := testStore(t)
	doc := testDoc("doc1", "chan1", "notes.md", nil)
	if err := s.CreateDoc(doc); err != nil {
		t.Fatalf("CreateDoc: %v", err)
	}

	next := version.BumpSnapshot(doc.Version)
	now := time.Now().UTC()
	if err := s.Snapshot("doc1", SnapshotInput{Content: "hello", Version: next, At: now}); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	got, _ := s.LoadDoc("doc1")
	if got.Content != "hello" {
		t.Errorf("expected snapshot content %q, got %q", "hello", got.Content)
	}
	if len(got.OpLog) != 0 {
		t.Errorf("expected op log truncated after snapshot, got %d entries", len(got.OpLog))
	}
	if got.Version != next {
		t.Errorf("expected version %v, got %v", next, got.Version)
	}
}

func TestRenameEnforcesUniquenessUnderNewParent(t *testing.T) {
	s := testStore(t)
	if err := s.CreateDoc(testDoc("dir1", "chan1", "folder", nil)); err != nil {
		t.Fatalf("CreateDoc dir1: %v", err)
	}
	dirID := "dir1"
	if err := s.CreateDoc(testDoc("doc1", "chan1", "a.md", &dirID)); err != nil {
		t.Fatalf("CreateDoc doc1: %v", err)
	}
	if err := s.CreateDoc(testDoc("doc2", "chan1", "a.md", nil)); err != nil {
		t.Fatalf("CreateDoc doc2 at root: %v", err)
	}

	// Moving doc2 into dir1 should collide with doc1's existing "a.md".
	if err := s.Rename("doc2", RenameInput{ParentID: &dirID, HasParent: true}); err == nil {
		t.Error("expected rename to fail on a name collision under the new parent")
	}

	newName := "b.md"
	if err := s.Rename("doc2", RenameInput{Name: &newName, ParentID: &dirID, HasParent: true}); err != nil {
		t.Fatalf("expected rename with a non-colliding name to succeed: %v", err)
	}
}

func TestSoftDeleteMarksStatusDeleted(t *testing.T) {
	s := testStore(t)
	if err := s.CreateDoc(testDoc("doc1", "chan1", "notes.md", nil)); err != nil {
		t.Fatalf("CreateDoc: %v", err)
	}
	if err := s.SoftDelete("doc1"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}
	got, _ := s.LoadDoc("doc1")
	if got.Status != model.StatusDeleted {
		t.Errorf("expected status DELETED, got %v", got.Status)
	}

	ids, err := s.ListChannelDocs("chan1")
	if err != nil {
		t.Fatalf("ListChannelDocs: %v", err)
	}
	for _, id := range ids {
		if id == "doc1" {
			t.Error("expected soft-deleted document to be excluded from ListChannelDocs")
		}
	}
}

func TestLoadDocSynthesizesChunkForContentOnlyRow(t *testing.T) {
	s := testStore(t)
	doc := testDoc("doc1", "chan1", "notes.md", nil)
	doc.Content = "hello world"
	// doc.Chunks deliberately left empty, simulating a row written
	// without the chunk model populated.
	if err := s.CreateDoc(doc); err != nil {
		t.Fatalf("CreateDoc: %v", err)
	}

	got, err := s.LoadDoc("doc1")
	if err != nil {
		t.Fatalf("LoadDoc: %v", err)
	}
	if len(got.Chunks) != 1 {
		t.Fatalf("expected one synthesized chunk, got %d", len(got.Chunks))
	}
	if got.Chunks[0].Text != "hello world" {
		t.Errorf("expected synthesized chunk text %q, got %q", "hello world", got.Chunks[0].Text)
	}
	if !got.Chunks[0].ID.Valid() {
		t.Errorf("expected synthesized chunk id to be valid, got %v", got.Chunks[0].ID)
	}
}

func TestSetOTPPersistsAndClears(t *testing.T) {
	s := testStore(t)
	if err := s.CreateDoc(testDoc("doc1", "chan1", "notes.md", nil)); err != nil {
		t.Fatalf("CreateDoc: %v", err)
	}

	otp := "abc123"
	if err := s.SetOTP("doc1", &otp); err != nil {
		t.Fatalf("SetOTP: %v", err)
	}
	got, _ := s.LoadDoc("doc1")
	if got.OTP == nil || *got.OTP != otp {
		t.Errorf("expected OTP %q, got %v", otp, got.OTP)
	}

	if err := s.SetOTP("doc1", nil); err != nil {
		t.Fatalf("SetOTP (clear): %v", err)
	}
	got, _ = s.LoadDoc("doc1")
	if got.OTP != nil {
		t.Errorf("expected OTP cleared, got %v", got.OTP)
	}
}

func TestChannelMembership(t *testing.T) {
	s := testStore(t)
	if err := s.CreateChannel("chan1", "general", "alice"); err != nil {
		t.Fatalf("CreateChannel: %v", err)
	}

	isMember, err := s.IsMember("chan1", "alice")
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if !isMember {
		t.Error("expected creator to be a member")
	}

	if err := s.AddMember("chan1", "bob"); err != nil {
		t.Fatalf("AddMember: %v", err)
	}
	isMember, _ = s.IsMember("chan1", "bob")
	if !isMember {
		t.Error("expected bob to be a member after AddMember")
	}

	if err := s.RemoveMember("chan1", "bob"); err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	isMember, _ = s.IsMember("chan1", "bob")
	if isMember {
		t.Error("expected bob to no longer be a member after RemoveMember")
	}
}
