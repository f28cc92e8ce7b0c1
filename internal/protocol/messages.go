// Package protocol defines the WebSocket message protocol between
// client and server: a generic {event, data} envelope (spec.md section
// 4.11) plus the per-event payload shapes carried in data.
package protocol

import "encoding/json"

// Envelope is the single wire shape every message takes in both
// directions: {event: string, data: object}.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Encode builds an Envelope for event/data ready to be written to the
// socket.
func Encode(event string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// Decode parses a raw inbound frame into its envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Timestamped is embedded in every server->client payload; spec.md
// section 6 requires a millisecond server timestamp on each one.
type Timestamped struct {
	Time int64 `json:"time"`
}

// --- client-to-server payloads ---

// CreateChannelPayload requests a new channel.
type CreateChannelPayload struct {
	Name string `json:"name"`
}

// JoinChannelPayload requests membership in an existing channel.
type JoinChannelPayload struct {
	ChannelID string `json:"channelId"`
}

// QuitChannelPayload requests the caller leave a channel's membership
// entirely (distinct from leaveChannel, which only leaves the room).
type QuitChannelPayload struct {
	ChannelID string `json:"channelId"`
}

// EnterChannelPayload attaches the session to a channel room.
type EnterChannelPayload struct {
	ChannelID string `json:"channelId"`
}

// CreateDocPayload requests a new document or directory entry.
type CreateDocPayload struct {
	ChannelID   string  `json:"channelId"`
	ParentID    *string `json:"parentId"`
	Name        string  `json:"name"`
	IsDirectory bool    `json:"isDirectory"`
}

// DeleteDocPayload requests a soft-delete of a document.
type DeleteDocPayload struct {
	DocID string `json:"docId"`
}

// ListDocPayload requests the document tree for a channel.
type ListDocPayload struct {
	ChannelID string `json:"channelId"`
}

// UpdateDocPayload renames and/or moves a document, and may set or
// clear its join OTP (the OTP-gated-join supplement described in
// SPEC_FULL.md). GenerateOTP takes priority over OTP when both are
// set; sending OTP == "" clears protection.
type UpdateDocPayload struct {
	DocID       string  `json:"docId"`
	Name        *string `json:"name,omitempty"`
	ParentID    *string `json:"parentId,omitempty"`
	HasParent   bool    `json:"hasParent"`
	OTP         *string `json:"otp,omitempty"`
	GenerateOTP bool    `json:"generateOtp,omitempty"`
}

// EnterDocPayload attaches the session to a document room. OTP must
// match the document's configured OTP, if one is set (the
// OTP-gated-join supplement described in SPEC_FULL.md).
type EnterDocPayload struct {
	DocID string  `json:"docId"`
	OTP   *string `json:"otp,omitempty"`
}

// EditOpPayload is one operation within an editDoc/editDocBatch
// request. Intent discriminates which fields apply; tempId lets a
// batch reference an id introduced earlier in the same batch before
// the server has allocated it (resolved via the temp_N placeholder
// mechanism described in spec.md section 9).
type EditOpPayload struct {
	Intent      string  `json:"intent"` // "insert", "split", "delete", "trim"
	TempID      string  `json:"tempId,omitempty"`
	Text        string  `json:"text,omitempty"`
	LeftID      *string `json:"leftId,omitempty"`
	RightID     *string `json:"rightId,omitempty"`
	ID          string  `json:"id,omitempty"`
	TargetID    string  `json:"targetId,omitempty"`
	Offset      int     `json:"offset,omitempty"`
	StartOffset int     `json:"startOffset,omitempty"`
	EndOffset   int     `json:"endOffset,omitempty"`
}

// EditDocPayload carries a single op against one document.
type EditDocPayload struct {
	DocID string        `json:"docId"`
	Op    EditOpPayload `json:"op"`
}

// EditDocBatchPayload carries several ops against one document,
// applied in order as a single dispatcher pass.
type EditDocBatchPayload struct {
	DocID string          `json:"docId"`
	Ops   []EditOpPayload `json:"ops"`
}

// SyncDocPayload requests the owner-only write-through-and-unlock
// cycle described in spec.md's lifecycle controller.
type SyncDocPayload struct {
	DocID string `json:"docId"`
}

// SnapshotDocPayload requests the owner-only snapshot cycle.
type SnapshotDocPayload struct {
	DocID string `json:"docId"`
}

// GetChannelUsersPayload requests the channel room's distinct users.
type GetChannelUsersPayload struct {
	ChannelID string `json:"channelId"`
}

// GetDocUsersPayload requests a document room's distinct viewers.
type GetDocUsersPayload struct {
	DocID string `json:"docId"`
}

// GetDocStatusPayload requests a document's current runtime status.
type GetDocStatusPayload struct {
	DocID string `json:"docId"`
}

// --- shared view types ---

// DocInfo is the document metadata shape sent to clients; it never
// carries chunk/op-log content.
type DocInfo struct {
	ID          string  `json:"id"`
	ChannelID   string  `json:"channelId"`
	ParentID    *string `json:"parentId"`
	Name        string  `json:"name"`
	IsDirectory bool    `json:"isDirectory"`
	Status      int     `json:"status"`
	Protected   bool    `json:"protected"`
}

// ChunkView is the wire form of one chunk, id rendered as its
// canonical dotted string.
type ChunkView struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// OpView is the wire form of one op-log entry. Kind discriminates
// which of the remaining fields apply, mirroring oplog.Entry's
// discriminated-union shape.
type OpView struct {
	Kind        string  `json:"kind"`
	ID          string  `json:"id,omitempty"`
	Text        string  `json:"text,omitempty"`
	LeftID      *string `json:"leftId,omitempty"`
	RightID     *string `json:"rightId,omitempty"`
	TargetID    string  `json:"targetId,omitempty"`
	Offset      int     `json:"offset,omitempty"`
	LeftText    string  `json:"leftText,omitempty"`
	InsertID    string  `json:"insertId,omitempty"`
	InsertText  string  `json:"insertText,omitempty"`
	RightText   string  `json:"rightText,omitempty"`
	StartOffset int     `json:"startOffset,omitempty"`
	EndOffset   int     `json:"endOffset,omitempty"`
	DeletedText string  `json:"deletedText,omitempty"`
	NewText     string  `json:"newText,omitempty"`
	AlreadyDone bool    `json:"alreadyDone,omitempty"`
}

// ChannelUserView is one distinct user's presence within a channel.
type ChannelUserView struct {
	UserID     string `json:"userId"`
	CurrentDoc string `json:"currentDoc,omitempty"`
}

// --- server reply payloads ---

// DocCreatedPayload answers createDoc.
type DocCreatedPayload struct {
	Timestamped
	Doc DocInfo `json:"doc"`
}

// DocEnteredPayload answers enterDoc with the full live state needed
// to render the document.
type DocEnteredPayload struct {
	Timestamped
	DocID   string      `json:"docId"`
	Content string      `json:"content"`
	Chunks  []ChunkView `json:"chunks"`
	Version string      `json:"version"`
}

// DocOpPayload carries a single applied op, echoed to the room.
type DocOpPayload struct {
	Timestamped
	DocID      string `json:"docId"`
	Op         OpView `json:"op"`
	LogVersion string `json:"logVersion"`
}

// DocOpBatchPayload carries every op applied from one editDocBatch
// request.
type DocOpBatchPayload struct {
	Timestamped
	DocID      string   `json:"docId"`
	Ops        []OpView `json:"ops"`
	LogVersion string   `json:"logVersion"`
}

// SnapshotCreatedPayload answers snapshotDoc.
type SnapshotCreatedPayload struct {
	Timestamped
	DocID   string `json:"docId"`
	Version string `json:"version"`
}

// DocSyncedPayload answers syncDoc.
type DocSyncedPayload struct {
	Timestamped
	DocID   string `json:"docId"`
	Version string `json:"version"`
}

// EditRejectedPayload answers an edit that arrived while the document
// was locked, or otherwise failed validation after being accepted for
// dispatch.
type EditRejectedPayload struct {
	Timestamped
	DocID  string `json:"docId"`
	Reason string `json:"reason"`
}

// DocStatusPayload answers getDocStatus.
type DocStatusPayload struct {
	Timestamped
	DocID  string `json:"docId"`
	Status int    `json:"status"`
}

// DocListPayload answers listDoc.
type DocListPayload struct {
	Timestamped
	ChannelID string    `json:"channelId"`
	Docs      []DocInfo `json:"docs"`
}

// ChannelUsersPayload answers getChannelUsers.
type ChannelUsersPayload struct {
	Timestamped
	ChannelID string            `json:"channelId"`
	Users     []ChannelUserView `json:"users"`
}

// DocUsersPayload answers getDocUsers.
type DocUsersPayload struct {
	Timestamped
	DocID   string   `json:"docId"`
	UserIDs []string `json:"userIds"`
}

// ChannelJoinedPayload answers joinChannel.
type ChannelJoinedPayload struct {
	Timestamped
	ChannelID string `json:"channelId"`
}

// ChannelEnteredPayload answers enterChannel with the channel's
// current document tree.
type ChannelEnteredPayload struct {
	Timestamped
	ChannelID string    `json:"channelId"`
	Docs      []DocInfo `json:"docs"`
}

// PongPayload answers ping.
type PongPayload struct {
	Timestamped
}

// --- broadcast payloads ---

// DocListChangedPayload tells a channel room its document tree moved.
type DocListChangedPayload struct {
	Timestamped
	ChannelID string `json:"channelId"`
}

// UserEnteredPayload tells a channel room a user joined.
type UserEnteredPayload struct {
	Timestamped
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

// UserLeftPayload tells a channel room a user left.
type UserLeftPayload struct {
	Timestamped
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
}

// UserEnteredDocPayload tells a doc room a viewer joined.
type UserEnteredDocPayload struct {
	Timestamped
	DocID  string `json:"docId"`
	UserID string `json:"userId"`
}

// UserLeftDocPayload tells a doc room a viewer left.
type UserLeftDocPayload struct {
	Timestamped
	DocID  string `json:"docId"`
	UserID string `json:"userId"`
}

// DocStatusChangedPayload tells a doc room its runtime status changed
// (e.g. locked for sync, unlocked again).
type DocStatusChangedPayload struct {
	Timestamped
	DocID  string `json:"docId"`
	Status int    `json:"status"`
}

// DocDeletedPayload tells a doc room it was soft-deleted.
type DocDeletedPayload struct {
	Timestamped
	DocID string `json:"docId"`
}

// DocUpdatedPayload tells a channel room a document's metadata
// changed (rename/move).
type DocUpdatedPayload struct {
	Timestamped
	Doc DocInfo `json:"doc"`
}

// DocOTPPayload answers an updateDoc request that set or cleared a
// document's join password, delivered only to the requester since the
// OTP itself must not reach the channel-wide docUpdated broadcast.
type DocOTPPayload struct {
	Timestamped
	DocID string  `json:"docId"`
	OTP   *string `json:"otp"`
}

// DocInfoChangedPayload is an alias shape for metadata pushes that
// target a doc room rather than the owning channel room.
type DocInfoChangedPayload struct {
	Timestamped
	Doc DocInfo `json:"doc"`
}

// DocSnapshotCreatedPayload tells a doc room a snapshot completed.
type DocSnapshotCreatedPayload struct {
	Timestamped
	DocID   string `json:"docId"`
	Version string `json:"version"`
}

// DocSyncCompletedPayload tells a doc room a sync completed.
type DocSyncCompletedPayload struct {
	Timestamped
	DocID   string `json:"docId"`
	Version string `json:"version"`
}

// UserDocStatusChangedPayload is a coarse per-user presence cue within
// a doc room (e.g. "viewing", "idle").
type UserDocStatusChangedPayload struct {
	Timestamped
	DocID  string `json:"docId"`
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// --- diagnostics ---

// SystemMessagePayload reports a user-facing validation/authorization
// failure; the connection stays open and no side effect occurred.
type SystemMessagePayload struct {
	Timestamped
	Message string `json:"message"`
}

// ErrorPayload reports a protocol-level failure (malformed envelope,
// unknown event); the connection stays open.
type ErrorPayload struct {
	Timestamped
	OriginalEvent string `json:"originalEvent"`
	Message       string `json:"message"`
}
