// Package server wires the HTTP/WebSocket external surface (spec.md
// section 6) to the core: session registry, room broadcaster, edit
// dispatcher, and lifecycle controller.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/kolabdoc/core/internal/authext"
	"github.com/kolabdoc/core/internal/config"
	"github.com/kolabdoc/core/internal/dispatch"
	"github.com/kolabdoc/core/internal/doccache"
	"github.com/kolabdoc/core/internal/lifecycle"
	"github.com/kolabdoc/core/internal/logger"
	"github.com/kolabdoc/core/internal/model"
	"github.com/kolabdoc/core/internal/protocol"
	"github.com/kolabdoc/core/internal/room"
	"github.com/kolabdoc/core/internal/session"
	"github.com/kolabdoc/core/internal/store"
	"github.com/kolabdoc/core/internal/version"
)

// Server is the process-wide core: one instance owns every session,
// room, document cache entry, and durable row this process serves.
type Server struct {
	cfg      config.Config
	store    *store.Store
	cache    *doccache.Cache
	verifier *authext.Verifier

	sessions    *session.Registry
	broadcaster *room.Broadcaster
	dispatcher  *dispatch.Dispatcher
	lifecycle   *lifecycle.Controller

	mux *http.ServeMux

	nextSessionID uint64
}

// New builds a Server and registers its HTTP routes.
func New(cfg config.Config, st *store.Store, cache *doccache.Cache, verifier *authext.Verifier) *Server {
	reg := session.New()
	bcast := room.New(reg)
	s := &Server{
		cfg:         cfg,
		store:       st,
		cache:       cache,
		verifier:    verifier,
		sessions:    reg,
		broadcaster: bcast,
		dispatcher:  dispatch.New(cache, reg, cfg.MaxDocumentSize),
		lifecycle:   lifecycle.New(cache, st, bcast, reg),
		mux:         http.NewServeMux(),
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/auth/google", s.handleAuthGoogle)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Startup runs the lifecycle controller's startup sequence and launches
// the idle-document cleaner.
func (s *Server) Startup(ctx context.Context) error {
	if err := s.lifecycle.Startup(ctx); err != nil {
		return err
	}
	go s.runCleaner(ctx)
	return nil
}

// runCleaner periodically evicts documents with no active viewer that
// have sat untouched in the hot tier past cfg.IdleTimeout, write-through
// first so the durable store never falls behind an evicted document.
func (s *Server) runCleaner(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.IdleTimeout)
			if n := s.lifecycle.EvictIdle(ctx, cutoff); n > 0 {
				logger.Info("cleaner: evicted %d idle documents", n)
			}
		}
	}
}

// Shutdown write-throughs every document resident in the hot tier. It
// does not close open sockets and does not stop the HTTP listener or
// refuse new work.
func (s *Server) Shutdown(ctx context.Context) {
	s.lifecycle.Shutdown(ctx)
}

// handleWS upgrades the connection, verifies the bearer token carried
// as ?token=, and runs the session until it disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	userID, err := s.verifier.Verify(token)
	if err != nil {
		conn, acceptErr := websocket.Accept(w, r, &websocket.AcceptOptions{})
		if acceptErr == nil {
			conn.Close(websocket.StatusCode(protocol.CloseAuthFailure), "auth failure")
		} else {
			http.Error(w, "auth failure", http.StatusUnauthorized)
		}
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{CompressionMode: websocket.CompressionDisabled})
	if err != nil {
		logger.Debug("websocket accept failed: %v", err)
		return
	}

	sessionID := atomic.AddUint64(&s.nextSessionID, 1)
	s.sessions.Register(sessionID, userID)
	logger.Info("session %d connected as user %s", sessionID, userID)

	c := NewConnection(s, conn, sessionID, userID, s.cfg.BroadcastBufferSize)
	c.Handle(r.Context())
}

// authRequest is the /auth/google request body (spec.md section 6).
type authRequest struct {
	Code        string `json:"code"`
	Platform    string `json:"platform"`
	RedirectURI string `json:"redirect_uri"`
}

// authResponse is the /auth/google response body.
type authResponse struct {
	Token string      `json:"token"`
	User  userSummary `json:"user"`
}

type userSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
}

// handleAuthGoogle mediates the OAuth code exchange. This is the
// external-surface boundary spec.md explicitly keeps outside the
// core; the code exchange with Google itself is not implemented here,
// only the upsert/login-record/token-issue steps the core depends on.
func (s *Server) handleAuthGoogle(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}

	subject := req.Code // the exchanged external subject id, post code-exchange
	displayName := subject
	userID, err := s.store.UpsertUser(subject, displayName)
	if err != nil {
		logger.Component("server", "auth-upsert", "%v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.store.RecordLogin(userID, req.Platform, r.RemoteAddr, r.UserAgent()); err != nil {
		logger.Component("server", "auth-login", "%v", err)
	}

	token, err := s.verifier.Issue(userID, displayName)
	if err != nil {
		logger.Component("server", "auth-issue", "%v", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(authResponse{Token: token, User: userSummary{ID: userID, DisplayName: displayName}})
}

// --- channel/document management shared by handlers.go ---

func (s *Server) createChannel(name, createdBy string) (string, error) {
	id := uuid.NewString()
	if err := s.store.CreateChannel(id, name, createdBy); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Server) createDoc(channelID string, parentID *string, name string, isDirectory bool, createdBy string) (*model.Document, error) {
	now := time.Now().UTC()
	doc := &model.Document{
		ID:          uuid.NewString(),
		ChannelID:   channelID,
		ParentID:    parentID,
		Name:        name,
		IsDirectory: isDirectory,
		Status:      model.StatusNormal,
		CreatedBy:   createdBy,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     version.New(s.cfg.ServiceVersion),
	}
	if err := s.store.CreateDoc(doc); err != nil {
		return nil, err
	}
	s.cache.Put(context.Background(), doc.ID, doc)
	return doc, nil
}

// loadDoc returns a document from the hot tier, falling back to the
// durable store and populating the cache on a miss.
func (s *Server) loadDoc(ctx context.Context, id string) (*model.Document, error) {
	if doc, ok := s.cache.Get(ctx, id); ok {
		return doc, nil
	}
	doc, err := s.store.LoadDoc(id)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	s.cache.Put(ctx, id, doc)
	return doc, nil
}

func (s *Server) listChannelDocs(ctx context.Context, channelID string) ([]protocol.DocInfo, error) {
	ids, err := s.store.ListChannelDocs(channelID)
	if err != nil {
		return nil, err
	}
	infos := make([]protocol.DocInfo, 0, len(ids))
	for _, id := range ids {
		doc, err := s.loadDoc(ctx, id)
		if err != nil {
			logger.Component("server", "list-doc", "id=%s: %v", id, err)
			continue
		}
		if doc == nil {
			continue
		}
		infos = append(infos, docInfo(doc))
	}
	return infos, nil
}

func docInfo(d *model.Document) protocol.DocInfo {
	return protocol.DocInfo{
		ID: d.ID, ChannelID: d.ChannelID, ParentID: d.ParentID,
		Name: d.Name, IsDirectory: d.IsDirectory, Status: int(d.Status),
		Protected: d.OTP != nil,
	}
}

// leaveDoc detaches c from its current doc room, if any, broadcasting
// userLeftDoc and triggering the last-viewer write-through when the
// room empties.
func (s *Server) leaveDoc(ctx context.Context, c *Connection) {
	sess, ok := s.sessions.Get(c.sessionID)
	if !ok || sess.CurrentDoc == "" {
		return
	}
	docID := sess.CurrentDoc
	s.sessions.DetachDoc(c.sessionID)
	s.broadcaster.BroadcastDoc(docID, protocol.EventUserLeftDoc, protocol.UserLeftDocPayload{
		Timestamped: now(), DocID: docID, UserID: sess.UserID,
	}, nil)
	if s.sessions.DocUserCount(docID) == 0 {
		s.lifecycle.OnLastViewerLeave(ctx, docID)
	}
}

// leaveChannel detaches c from its current channel room (and,
// transitively, its doc room), broadcasting userLeft.
func (s *Server) leaveChannel(ctx context.Context, c *Connection) {
	sess, ok := s.sessions.Get(c.sessionID)
	if !ok || sess.CurrentChannel == "" {
		return
	}
	s.leaveDoc(ctx, c)
	channelID := sess.CurrentChannel
	s.sessions.DetachChannel(c.sessionID)
	s.broadcaster.BroadcastChannel(channelID, protocol.EventUserLeft, protocol.UserLeftPayload{
		Timestamped: now(), ChannelID: channelID, UserID: sess.UserID,
	}, nil)
}
