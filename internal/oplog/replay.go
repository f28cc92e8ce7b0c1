package oplog

import "github.com/kolabdoc/core/internal/chunk"

// Replay applies entries in order onto snapshot, returning the
// resulting chunk list. Replay is total: an entry whose referenced
// chunk id is absent (already deleted, or arriving out of order in a
// permuted log) is skipped rather than erroring, so a log full of
// apparent no-ops still replays to completion.
func Replay(snapshot []chunk.Chunk, entries []Entry) *chunk.List {
	list := chunk.NewList(snapshot)
	for _, e := range entries {
		applyOne(list, e)
	}
	return list
}

func applyOne(list *chunk.List, e Entry) {
	switch e.Kind {
	case KindInsert:
		op := e.Insert
		// A duplicate id (the insert already present, e.g. a permuted
		// or replayed-twice entry) is itself a form of no-op.
		_ = list.InsertWithID(op.ID, op.Text)

	case KindSplit:
		op := e.Split
		_, _ = list.ReplaySplit(op.TargetID, op.LeftText, op.InsertID, op.InsertText, op.RightID, op.RightText)

	case KindDelete:
		op := e.Delete
		list.DeleteChunk(op.ID)

	case KindTrim:
		op := e.Trim
		_, _ = list.Trim(op.ID, op.StartOffset, op.EndOffset)
	}
}
