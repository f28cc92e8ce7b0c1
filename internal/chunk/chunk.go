// Package chunk implements the in-memory ordered chunk sequence for a
// single open document: insert, split, delete, and trim over a list
// of {id, text} pairs strictly increasing by LSEQ id.
package chunk

import (
	"fmt"
	"sort"

	"github.com/kolabdoc/core/internal/lseq"
)

// Chunk is a maximal contiguous run of text owned by one LSEQ id.
type Chunk struct {
	ID   lseq.ID
	Text string
}

// List is a mutable, strictly id-ordered sequence of chunks for one
// document. Not safe for concurrent use; callers serialize access per
// document (see internal/dispatch).
type List struct {
	chunks []Chunk
}

// NewList builds a list from an already-ordered snapshot, as loaded
// from the durable store or a prior in-memory state. The caller
// asserts the input is strictly ordered and chunk texts are nonempty;
// NewList does not re-sort.
func NewList(snapshot []Chunk) *List {
	cp := make([]Chunk, len(snapshot))
	copy(cp, snapshot)
	return &List{chunks: cp}
}

// Chunks returns a defensive copy of the current chunk sequence.
func (l *List) Chunks() []Chunk {
	cp := make([]Chunk, len(l.chunks))
	copy(cp, l.chunks)
	return cp
}

// Content returns the concatenation of chunk texts in id order.
func (l *List) Content() string {
	var total int
	for _, c := range l.chunks {
		total += len(c.Text)
	}
	buf := make([]byte, 0, total)
	for _, c := range l.chunks {
		buf = append(buf, c.Text...)
	}
	return string(buf)
}

// Len returns the number of chunks.
func (l *List) Len() int { return len(l.chunks) }

// indexOf returns the index of the chunk with the given id via binary
// search, or (-1, false) if absent.
func (l *List) indexOf(id lseq.ID) (int, bool) {
	i := sort.Search(len(l.chunks), func(i int) bool {
		return !lseq.Less(l.chunks[i].ID, id)
	})
	if i < len(l.chunks) && lseq.Equal(l.chunks[i].ID, id) {
		return i, true
	}
	return i, false
}

// idAt returns the id immediately following index i-1 (i.e.
// the "next" id after the insertion point i), or nil if i is past the
// end.
func (l *List) idAt(i int) lseq.ID {
	if i < 0 || i >= len(l.chunks) {
		return nil
	}
	return l.chunks[i].ID
}

// InsertChunk allocates id = Between(leftID, rightID) and inserts
// {id, text}. Returns an error if text is empty or if allocation
// somehow collides with an existing id (duplicate ids are refused per
// invariant 1).
func (l *List) InsertChunk(leftID, rightID lseq.ID, text string) (Chunk, error) {
	if text == "" {
		return Chunk{}, fmt.Errorf("chunk: cannot insert empty text")
	}
	id, err := lseq.Between(leftID, rightID)
	if err != nil {
		return Chunk{}, fmt.Errorf("chunk: allocate id: %w", err)
	}
	if err := l.insertAt(Chunk{ID: id, Text: text}); err != nil {
		return Chunk{}, err
	}
	return Chunk{ID: id, Text: text}, nil
}

// InsertWithID inserts a chunk whose id was already allocated
// (replay, or a batch operation resolving a prior placeholder).
// Duplicate ids are refused.
func (l *List) InsertWithID(id lseq.ID, text string) error {
	if text == "" {
		return fmt.Errorf("chunk: cannot insert empty text")
	}
	return l.insertAt(Chunk{ID: id, Text: text})
}

func (l *List) insertAt(c Chunk) error {
	i := sort.Search(len(l.chunks), func(i int) bool {
		return !lseq.Less(l.chunks[i].ID, c.ID)
	})
	if i < len(l.chunks) && lseq.Equal(l.chunks[i].ID, c.ID) {
		return fmt.Errorf("chunk: duplicate id %s", c.ID)
	}
	l.chunks = append(l.chunks, Chunk{})
	copy(l.chunks[i+1:], l.chunks[i:])
	l.chunks[i] = c
	return nil
}

// SplitResult describes the chunks produced by a split-and-insert.
type SplitResult struct {
	Left   *Chunk // the remnant keeping the original target id, nil if offset==0
	Insert Chunk  // the newly inserted middle chunk
	Right  *Chunk // the right remnant with a freshly allocated id, nil if offset==len(target text)
}

// SplitAndInsert locates the chunk with targetID, requires
// 0 <= offset <= len(text), and replaces it with up to three chunks:
// a left remnant keeping targetID, the new inserted text, and a right
// remnant with a fresh id. offset==0 or offset==len(text) degrades to
// a plain neighbor insert with no orphan empty chunks, per spec.md's
// round-trip law.
func (l *List) SplitAndInsert(targetID lseq.ID, offset int, text string) (SplitResult, error) {
	if text == "" {
		return SplitResult{}, fmt.Errorf("chunk: cannot insert empty text")
	}
	idx, ok := l.indexOf(targetID)
	if !ok {
		return SplitResult{}, fmt.Errorf("chunk: target id %s not found", targetID)
	}
	target := l.chunks[idx]
	if offset < 0 || offset > len(target.Text) {
		return SplitResult{}, fmt.Errorf("chunk: offset %d out of bounds [0,%d]", offset, len(target.Text))
	}

	leftText := target.Text[:offset]
	rightText := target.Text[offset:]
	nextID := l.idAt(idx + 1)

	insertID, err := lseq.Between(targetID, nextID)
	if err != nil {
		return SplitResult{}, fmt.Errorf("chunk: allocate insert id: %w", err)
	}

	var rightID lseq.ID
	if rightText != "" {
		rightID, err = lseq.Between(insertID, nextID)
		if err != nil {
			return SplitResult{}, fmt.Errorf("chunk: allocate right id: %w", err)
		}
	}

	replacement := make([]Chunk, 0, 3)
	var res SplitResult
	if leftText != "" {
		c := Chunk{ID: targetID, Text: leftText}
		replacement = append(replacement, c)
		res.Left = &c
	}
	insertChunk := Chunk{ID: insertID, Text: text}
	replacement = append(replacement, insertChunk)
	res.Insert = insertChunk
	if rightText != "" {
		c := Chunk{ID: rightID, Text: rightText}
		replacement = append(replacement, c)
		res.Right = &c
	}

	l.chunks = append(l.chunks[:idx], append(replacement, l.chunks[idx+1:]...)...)
	return res, nil
}

// DeleteResult reports whether a delete actually removed a chunk.
type DeleteResult struct {
	AlreadyDeleted bool
	Text           string // the removed chunk's text, for op-log replay observability
}

// DeleteChunk removes the chunk with id. Idempotent: a second call on
// an absent id returns AlreadyDeleted=true without mutating anything.
func (l *List) DeleteChunk(id lseq.ID) DeleteResult {
	idx, ok := l.indexOf(id)
	if !ok {
		return DeleteResult{AlreadyDeleted: true}
	}
	text := l.chunks[idx].Text
	l.chunks = append(l.chunks[:idx], l.chunks[idx+1:]...)
	return DeleteResult{Text: text}
}

// TrimResult reports what trim actually removed.
type TrimResult struct {
	AlreadyDeleted bool // the target chunk was already absent
	DeletedText    string
	NewText        string // the chunk's remaining text, or "" if the chunk was fully consumed and removed
	Removed        bool   // true if the chunk became empty and was removed from the list
}

// ReplaySplit reconstructs a recorded split without reallocating ids:
// it replaces the chunk at targetID with the given left/insert/right
// pieces (any of which may be absent, mirroring the original split's
// degenerate-offset collapsing). ok is false if targetID is no longer
// present, in which case callers should skip the entry (oplog replay
// is total).
func (l *List) ReplaySplit(targetID lseq.ID, leftText string, insertID lseq.ID, insertText string, rightID lseq.ID, rightText string) (ok bool, err error) {
	idx, found := l.indexOf(targetID)
	if !found {
		return false, nil
	}

	replacement := make([]Chunk, 0, 3)
	if leftText != "" {
		replacement = append(replacement, Chunk{ID: targetID, Text: leftText})
	}
	if insertText != "" {
		replacement = append(replacement, Chunk{ID: insertID, Text: insertText})
	}
	if rightText != "" {
		replacement = append(replacement, Chunk{ID: rightID, Text: rightText})
	}
	l.chunks = append(l.chunks[:idx], append(replacement, l.chunks[idx+1:]...)...)
	return true, nil
}

// Trim removes characters [startOffset, endOffset) from the chunk with
// id. If the chunk becomes empty it is removed from the list.
func (l *List) Trim(id lseq.ID, startOffset, endOffset int) (TrimResult, error) {
	idx, ok := l.indexOf(id)
	if !ok {
		return TrimResult{AlreadyDeleted: true}, nil
	}
	text := l.chunks[idx].Text
	if startOffset < 0 || endOffset > len(text) || startOffset > endOffset {
		return TrimResult{}, fmt.Errorf("chunk: trim bounds [%d,%d) out of range for length %d", startOffset, endOffset, len(text))
	}

	deleted := text[startOffset:endOffset]
	newText := text[:startOffset] + text[endOffset:]

	if newText == "" {
		l.chunks = append(l.chunks[:idx], l.chunks[idx+1:]...)
		return TrimResult{DeletedText: deleted, Removed: true}, nil
	}

	l.chunks[idx].Text = newText
	return TrimResult{DeletedText: deleted, NewText: newText}, nil
}
