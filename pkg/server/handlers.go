package server

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/kolabdoc/core/internal/dispatch"
	"github.com/kolabdoc/core/internal/lifecycle"
	"github.com/kolabdoc/core/internal/model"
	"github.com/kolabdoc/core/internal/oplog"
	"github.com/kolabdoc/core/internal/protocol"
	"github.com/kolabdoc/core/internal/store"
)

// eventHandler processes one decoded event's data payload against the
// connection that received it. A returned error becomes a protocol
// `error` envelope (spec.md section 7); anything user-facing the
// handler itself must send as a `systemmessage` and return nil.
type eventHandler func(ctx context.Context, c *Connection, data []byte) error

var handlers = map[string]eventHandler{
	protocol.EventPing:             handlePing,
	protocol.EventCreateChannel:    handleCreateChannel,
	protocol.EventJoinChannel:      handleJoinChannel,
	protocol.EventListChannel:      handleListChannel,
	protocol.EventQuitChannel:      handleQuitChannel,
	protocol.EventEnterChannel:     handleEnterChannel,
	protocol.EventLeaveChannel:     handleLeaveChannel,
	protocol.EventCreateDoc:        handleCreateDoc,
	protocol.EventDeleteDoc:        handleDeleteDoc,
	protocol.EventListDoc:          handleListDoc,
	protocol.EventUpdateDoc:        handleUpdateDoc,
	protocol.EventEnterDoc:         handleEnterDoc,
	protocol.EventLeaveDoc:         handleLeaveDoc,
	protocol.EventEditDoc:          handleEditDoc,
	protocol.EventEditDocBatch:     handleEditDocBatch,
	protocol.EventSyncDoc:          handleSyncDoc,
	protocol.EventSnapshotDoc:      handleSnapshotDoc,
	protocol.EventGetChannelUsers:  handleGetChannelUsers,
	protocol.EventGetDocUsers:      handleGetDocUsers,
	protocol.EventGetDocStatus:     handleGetDocStatus,
}

func decode[T any](data []byte) (T, error) {
	var v T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return v, fmt.Errorf("decode payload: %w", err)
		}
	}
	return v, nil
}

func systemMessage(c *Connection, message string) {
	c.Enqueue(protocol.EventSystemMessage, protocol.SystemMessagePayload{Timestamped: now(), Message: message})
}

func handlePing(_ context.Context, c *Connection, _ []byte) error {
	c.Enqueue(protocol.EventPong, protocol.PongPayload{Timestamped: now()})
	return nil
}

func handleCreateChannel(_ context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.CreateChannelPayload](data)
	if err != nil {
		return err
	}
	if req.Name == "" {
		systemMessage(c, "channel name is required")
		return nil
	}
	id, err := c.srv.createChannel(req.Name, c.userID)
	if err != nil {
		systemMessage(c, "could not create channel: "+err.Error())
		return nil
	}
	c.Enqueue(protocol.EventChannelJoined, protocol.ChannelJoinedPayload{Timestamped: now(), ChannelID: id})
	return nil
}

func handleJoinChannel(_ context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.JoinChannelPayload](data)
	if err != nil {
		return err
	}
	if err := c.srv.store.AddMember(req.ChannelID, c.userID); err != nil {
		systemMessage(c, "could not join channel")
		return nil
	}
	c.Enqueue(protocol.EventChannelJoined, protocol.ChannelJoinedPayload{Timestamped: now(), ChannelID: req.ChannelID})
	return nil
}

func handleListChannel(_ context.Context, c *Connection, _ []byte) error {
	// Channel membership listing is out of this core's persisted scope
	// beyond per-channel membership checks; clients track their joined
	// channels from createChannel/joinChannel acks.
	systemMessage(c, "listChannel is not supported by this server")
	return nil
}

func handleQuitChannel(_ context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.QuitChannelPayload](data)
	if err != nil {
		return err
	}
	if err := c.srv.store.RemoveMember(req.ChannelID, c.userID); err != nil {
		systemMessage(c, "could not quit channel")
	}
	return nil
}

func handleEnterChannel(ctx context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.EnterChannelPayload](data)
	if err != nil {
		return err
	}
	member, err := c.srv.store.IsMember(req.ChannelID, c.userID)
	if err != nil {
		return err
	}
	if !member {
		systemMessage(c, "not a member of this channel")
		return nil
	}

	c.srv.leaveChannel(ctx, c)
	if err := c.srv.sessions.AttachChannel(c.sessionID, req.ChannelID); err != nil {
		return err
	}
	docs, err := c.srv.listChannelDocs(ctx, req.ChannelID)
	if err != nil {
		return err
	}
	c.Enqueue(protocol.EventChannelEntered, protocol.ChannelEnteredPayload{Timestamped: now(), ChannelID: req.ChannelID, Docs: docs})
	c.srv.broadcaster.BroadcastChannel(req.ChannelID, protocol.EventUserEntered, protocol.UserEnteredPayload{
		Timestamped: now(), ChannelID: req.ChannelID, UserID: c.userID,
	}, &c.sessionID)
	return nil
}

func handleLeaveChannel(ctx context.Context, c *Connection, _ []byte) error {
	c.srv.leaveChannel(ctx, c)
	return nil
}

func (c *Connection) currentChannel() (string, bool) {
	sess, ok := c.srv.sessions.Get(c.sessionID)
	if !ok || sess.CurrentChannel == "" {
		return "", false
	}
	return sess.CurrentChannel, true
}

func handleCreateDoc(_ context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.CreateDocPayload](data)
	if err != nil {
		return err
	}
	channelID, ok := c.currentChannel()
	if !ok || channelID != req.ChannelID {
		systemMessage(c, "enter the channel before creating a document")
		return nil
	}
	if req.Name == "" {
		systemMessage(c, "document name is required")
		return nil
	}
	doc, err := c.srv.createDoc(req.ChannelID, req.ParentID, req.Name, req.IsDirectory, c.userID)
	if err != nil {
		systemMessage(c, "could not create document: "+err.Error())
		return nil
	}
	c.Enqueue(protocol.EventDocCreated, protocol.DocCreatedPayload{Timestamped: now(), Doc: docInfo(doc)})
	c.srv.broadcaster.BroadcastChannel(req.ChannelID, protocol.EventDocListChanged, protocol.DocListChangedPayload{
		Timestamped: now(), ChannelID: req.ChannelID,
	}, nil)
	return nil
}

func handleDeleteDoc(ctx context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.DeleteDocPayload](data)
	if err != nil {
		return err
	}
	doc, err := c.srv.loadDoc(ctx, req.DocID)
	if err != nil {
		return err
	}
	if doc == nil {
		systemMessage(c, "document not found")
		return nil
	}
	if doc.CreatedBy != c.userID {
		systemMessage(c, "only the owner may delete this document")
		return nil
	}
	if err := c.srv.store.SoftDelete(req.DocID); err != nil {
		systemMessage(c, "could not delete document")
		return nil
	}
	c.srv.cache.Delete(ctx, req.DocID)
	c.srv.broadcaster.BroadcastDoc(req.DocID, protocol.EventDocDeleted, protocol.DocDeletedPayload{Timestamped: now(), DocID: req.DocID}, nil)
	c.srv.broadcaster.BroadcastChannel(doc.ChannelID, protocol.EventDocListChanged, protocol.DocListChangedPayload{
		Timestamped: now(), ChannelID: doc.ChannelID,
	}, nil)
	return nil
}

func handleListDoc(ctx context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.ListDocPayload](data)
	if err != nil {
		return err
	}
	docs, err := c.srv.listChannelDocs(ctx, req.ChannelID)
	if err != nil {
		return err
	}
	c.Enqueue(protocol.EventDocList, protocol.DocListPayload{Timestamped: now(), ChannelID: req.ChannelID, Docs: docs})
	return nil
}

func handleUpdateDoc(ctx context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.UpdateDocPayload](data)
	if err != nil {
		return err
	}
	doc, err := c.srv.loadDoc(ctx, req.DocID)
	if err != nil {
		return err
	}
	if doc == nil {
		systemMessage(c, "document not found")
		return nil
	}
	member, err := c.srv.store.IsMember(doc.ChannelID, c.userID)
	if err != nil {
		return err
	}
	if !member {
		systemMessage(c, "not a member of this channel")
		return nil
	}
	if err := c.srv.store.Rename(req.DocID, storeRenameInput(req)); err != nil {
		systemMessage(c, "could not update document: "+err.Error())
		return nil
	}

	if req.GenerateOTP || req.OTP != nil {
		otp := req.OTP
		if req.GenerateOTP {
			generated := GenerateOTP()
			otp = &generated
		} else if *otp == "" {
			otp = nil // empty string clears protection
		}
		if err := c.srv.store.SetOTP(req.DocID, otp); err != nil {
			systemMessage(c, "could not update document password: "+err.Error())
			return nil
		}
		c.Enqueue(protocol.EventDocOTP, protocol.DocOTPPayload{Timestamped: now(), DocID: req.DocID, OTP: otp})
	}

	c.srv.cache.Delete(ctx, req.DocID)
	updated, err := c.srv.loadDoc(ctx, req.DocID)
	if err != nil {
		return err
	}
	c.srv.broadcaster.BroadcastChannel(doc.ChannelID, protocol.EventDocUpdated, protocol.DocUpdatedPayload{Timestamped: now(), Doc: docInfo(updated)}, nil)
	return nil
}

func storeRenameInput(req protocol.UpdateDocPayload) store.RenameInput {
	return store.RenameInput{Name: req.Name, ParentID: req.ParentID, HasParent: req.HasParent}
}

func handleEnterDoc(ctx context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.EnterDocPayload](data)
	if err != nil {
		return err
	}
	channelID, ok := c.currentChannel()
	if !ok {
		systemMessage(c, "enter a channel before entering a document")
		return nil
	}
	doc, err := c.srv.loadDoc(ctx, req.DocID)
	if err != nil {
		return err
	}
	if doc == nil || doc.ChannelID != channelID || doc.Status == model.StatusDeleted {
		systemMessage(c, "document not found")
		return nil
	}
	if doc.OTP != nil && (req.OTP == nil || *req.OTP != *doc.OTP) {
		systemMessage(c, "incorrect document password")
		return nil
	}

	c.srv.leaveDoc(ctx, c)
	if err := c.srv.sessions.AttachDoc(c.sessionID, req.DocID); err != nil {
		return err
	}

	chunks := make([]protocol.ChunkView, 0, len(doc.Chunks))
	for _, ch := range doc.Chunks {
		chunks = append(chunks, protocol.ChunkView{ID: ch.ID.String(), Text: ch.Text})
	}
	c.Enqueue(protocol.EventDocEntered, protocol.DocEnteredPayload{
		Timestamped: now(), DocID: req.DocID, Content: doc.Content, Chunks: chunks, Version: doc.Version.String(),
	})
	c.srv.broadcaster.BroadcastDoc(req.DocID, protocol.EventUserEnteredDoc, protocol.UserEnteredDocPayload{
		Timestamped: now(), DocID: req.DocID, UserID: c.userID,
	}, &c.sessionID)
	return nil
}

func handleLeaveDoc(ctx context.Context, c *Connection, _ []byte) error {
	c.srv.leaveDoc(ctx, c)
	return nil
}

func handleEditDoc(ctx context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.EditDocPayload](data)
	if err != nil {
		return err
	}
	// editDoc is the single-character legacy path (spec.md section
	// 4.9): an insert's value must be exactly one character. Bulk,
	// multi-character inserts go through editDocBatch instead.
	if req.Op.Intent == "insert" && utf8.RuneCountInString(req.Op.Text) != 1 {
		c.Enqueue(protocol.EventError, protocol.ErrorPayload{
			Timestamped: now(), OriginalEvent: protocol.EventEditDoc,
			Message: "editDoc insert requires exactly one character",
		})
		return nil
	}
	outcome := c.srv.dispatcher.Edit(ctx, c.sessionID, req.DocID, toDispatchOp(req.Op))
	c.handleEditOutcome(req.DocID, outcome, false)
	return nil
}

func handleEditDocBatch(ctx context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.EditDocBatchPayload](data)
	if err != nil {
		return err
	}
	ops := make([]dispatch.Op, 0, len(req.Ops))
	for _, op := range req.Ops {
		ops = append(ops, toDispatchOp(op))
	}
	outcome := c.srv.dispatcher.EditBatch(ctx, c.sessionID, req.DocID, ops)
	c.handleEditOutcome(req.DocID, outcome, true)
	return nil
}

func toDispatchOp(op protocol.EditOpPayload) dispatch.Op {
	d := dispatch.Op{
		Intent: op.Intent, TempID: op.TempID, Text: op.Text,
		ID: op.ID, TargetID: op.TargetID, Offset: op.Offset,
		StartOffset: op.StartOffset, EndOffset: op.EndOffset,
	}
	if op.LeftID != nil {
		d.LeftID = *op.LeftID
	}
	if op.RightID != nil {
		d.RightID = *op.RightID
	}
	return d
}

// handleEditOutcome converts a dispatcher Outcome to the matching
// envelope(s): success is echoed to the whole doc room (including the
// sender, so every client applies the server-assigned ids identically);
// rejection/validation failures go only to the sender.
func (c *Connection) handleEditOutcome(docID string, outcome dispatch.Outcome, batch bool) {
	switch outcome.Kind {
	case dispatch.OutcomeSuccess:
		ops := make([]protocol.OpView, 0, len(outcome.Entries))
		for _, e := range outcome.Entries {
			ops = append(ops, opView(e))
		}
		logVersion := outcome.Doc.Version.String()
		if batch {
			c.srv.broadcaster.BroadcastDoc(docID, protocol.EventDocOpBatch, protocol.DocOpBatchPayload{
				Timestamped: now(), DocID: docID, Ops: ops, LogVersion: logVersion,
			}, nil)
		} else {
			var op protocol.OpView
			if len(ops) > 0 {
				op = ops[0]
			}
			c.srv.broadcaster.BroadcastDoc(docID, protocol.EventDocOp, protocol.DocOpPayload{
				Timestamped: now(), DocID: docID, Op: op, LogVersion: logVersion,
			}, nil)
		}
	case dispatch.OutcomeRejected:
		c.Enqueue(protocol.EventEditRejected, protocol.EditRejectedPayload{Timestamped: now(), DocID: docID, Reason: outcome.Reason})
	case dispatch.OutcomeSystemMessage:
		systemMessage(c, outcome.Reason)
	case dispatch.OutcomeProtocolError:
		c.Enqueue(protocol.EventError, protocol.ErrorPayload{Timestamped: now(), OriginalEvent: protocol.EventEditDoc, Message: outcome.Reason})
	}
}

func opView(e oplog.Entry) protocol.OpView {
	v := protocol.OpView{Kind: e.Kind.String()}
	switch e.Kind {
	case oplog.KindInsert:
		v.ID = e.Insert.ID.String()
		v.Text = e.Insert.Text
		if e.Insert.LeftID != nil {
			s := e.Insert.LeftID.String()
			v.LeftID = &s
		}
		if e.Insert.RightID != nil {
			s := e.Insert.RightID.String()
			v.RightID = &s
		}
	case oplog.KindSplit:
		v.TargetID = e.Split.TargetID.String()
		v.Offset = e.Split.Offset
		v.LeftText = e.Split.LeftText
		v.InsertID = e.Split.InsertID.String()
		v.InsertText = e.Split.InsertText
		if e.Split.RightID != nil {
			v.RightID = strPtr(e.Split.RightID.String())
		}
		v.RightText = e.Split.RightText
	case oplog.KindDelete:
		v.ID = e.Delete.ID.String()
		v.Text = e.Delete.Text
	case oplog.KindTrim:
		v.ID = e.Trim.ID.String()
		v.StartOffset = e.Trim.StartOffset
		v.EndOffset = e.Trim.EndOffset
		v.DeletedText = e.Trim.DeletedText
		v.NewText = e.Trim.NewText
	}
	return v
}

func strPtr(s string) *string { return &s }

func handleSyncDoc(ctx context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.SyncDocPayload](data)
	if err != nil {
		return err
	}
	outcome := c.srv.lifecycle.Sync(ctx, req.DocID, c.userID)
	if outcome.Kind == lifecycle.OutcomeRejected {
		systemMessage(c, outcome.Reason)
		return nil
	}
	c.Enqueue(protocol.EventDocSynced, protocol.DocSyncedPayload{Timestamped: now(), DocID: req.DocID, Version: outcome.Version.String()})
	return nil
}

func handleSnapshotDoc(ctx context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.SnapshotDocPayload](data)
	if err != nil {
		return err
	}
	outcome := c.srv.lifecycle.Snapshot(ctx, req.DocID, c.userID)
	if outcome.Kind == lifecycle.OutcomeRejected {
		systemMessage(c, outcome.Reason)
		return nil
	}
	c.Enqueue(protocol.EventSnapshotCreated, protocol.SnapshotCreatedPayload{Timestamped: now(), DocID: req.DocID, Version: outcome.Version.String()})
	return nil
}

func handleGetChannelUsers(_ context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.GetChannelUsersPayload](data)
	if err != nil {
		return err
	}
	users := c.srv.sessions.ChannelUsers(req.ChannelID)
	views := make([]protocol.ChannelUserView, 0, len(users))
	for _, u := range users {
		views = append(views, protocol.ChannelUserView{UserID: u.UserID, CurrentDoc: u.CurrentDoc})
	}
	c.Enqueue(protocol.EventChannelUsers, protocol.ChannelUsersPayload{Timestamped: now(), ChannelID: req.ChannelID, Users: views})
	return nil
}

func handleGetDocUsers(_ context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.GetDocUsersPayload](data)
	if err != nil {
		return err
	}
	users := c.srv.sessions.DocUsers(req.DocID)
	c.Enqueue(protocol.EventDocUsers, protocol.DocUsersPayload{Timestamped: now(), DocID: req.DocID, UserIDs: users})
	return nil
}

func handleGetDocStatus(ctx context.Context, c *Connection, data []byte) error {
	req, err := decode[protocol.GetDocStatusPayload](data)
	if err != nil {
		return err
	}
	doc, err := c.srv.loadDoc(ctx, req.DocID)
	if err != nil {
		return err
	}
	if doc == nil {
		systemMessage(c, "document not found")
		return nil
	}
	c.Enqueue(protocol.EventDocStatus, protocol.DocStatusPayload{Timestamped: now(), DocID: req.DocID, Status: int(doc.Status)})
	return nil
}
