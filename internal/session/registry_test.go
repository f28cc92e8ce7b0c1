package session

import "testing"

func TestAttachChannelThenDoc(t *testing.T) {
	r := New()
	r.Register(1, "alice")

	if err := r.AttachChannel(1, "chan1"); err != nil {
		t.Fatalf("AttachChannel: %v", err)
	}
	if err := r.AttachDoc(1, "doc1"); err != nil {
		t.Fatalf("AttachDoc: %v", err)
	}

	s, ok := r.Get(1)
	if !ok {
		t.Fatal("expected session to be present")
	}
	if s.CurrentChannel != "chan1" || s.CurrentDoc != "doc1" {
		t.Errorf("unexpected session state: %+v", s)
	}
	if got := r.DocSessions("doc1"); len(got) != 1 || got[0] != 1 {
		t.Errorf("DocSessions(doc1) = %v, want [1]", got)
	}
}

func TestAttachDocWithoutChannelFails(t *testing.T) {
	r := New()
	r.Register(1, "alice")
	if err := r.AttachDoc(1, "doc1"); err == nil {
		t.Error("expected error attaching doc without a current channel")
	}
}

func TestDetachChannelAlsoDetachesDoc(t *testing.T) {
	r := New()
	r.Register(1, "alice")
	r.AttachChannel(1, "chan1")
	r.AttachDoc(1, "doc1")

	if err := r.DetachChannel(1); err != nil {
		t.Fatalf("DetachChannel: %v", err)
	}
	s, _ := r.Get(1)
	if s.CurrentChannel != "" || s.CurrentDoc != "" {
		t.Errorf("expected both channel and doc cleared, got %+v", s)
	}
	if got := r.DocUserCount("doc1"); got != 0 {
		t.Errorf("DocUserCount(doc1) = %d, want 0", got)
	}
}

func TestUnregisterRemovesFromBothIndexes(t *testing.T) {
	r := New()
	r.Register(1, "alice")
	r.AttachChannel(1, "chan1")
	r.AttachDoc(1, "doc1")

	r.Unregister(1)

	if _, ok := r.Get(1); ok {
		t.Error("expected session to be gone after Unregister")
	}
	if got := r.ChannelSessions("chan1"); len(got) != 0 {
		t.Errorf("ChannelSessions(chan1) = %v, want empty", got)
	}
	if got := r.DocSessions("doc1"); len(got) != 0 {
		t.Errorf("DocSessions(doc1) = %v, want empty", got)
	}
}

func TestChannelUsersDeduplicatesByUser(t *testing.T) {
	r := New()
	r.Register(1, "alice")
	r.Register(2, "alice") // same user, two sockets
	r.Register(3, "bob")
	r.AttachChannel(1, "chan1")
	r.AttachChannel(2, "chan1")
	r.AttachChannel(3, "chan1")
	r.AttachDoc(1, "doc1")

	users := r.ChannelUsers("chan1")
	if len(users) != 2 {
		t.Fatalf("expected 2 distinct users, got %d: %+v", len(users), users)
	}
}

func TestAttachDocMovesBetweenDocsWithinChannel(t *testing.T) {
	r := New()
	r.Register(1, "alice")
	r.AttachChannel(1, "chan1")
	r.AttachDoc(1, "doc1")
	r.AttachDoc(1, "doc2")

	if got := r.DocUserCount("doc1"); got != 0 {
		t.Errorf("expected doc1 to have no viewers after move, got %d", got)
	}
	if got := r.DocUserCount("doc2"); got != 1 {
		t.Errorf("expected doc2 to have one viewer, got %d", got)
	}
}
