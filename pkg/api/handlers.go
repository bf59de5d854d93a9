package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"syndicate/pkg/federation"
	"syndicate/pkg/store"
	"syndicate/pkg/types"
)

// CreateFollowRequest is the body for POST /v1/follows.
type CreateFollowRequest struct {
	Target      string `json:"target" validate:"required,max=255"`
	DisplayName string `json:"display_name,omitempty" validate:"omitempty,max=120"`
	Recursive   bool   `json:"recursive,omitempty"`
}

// PublishContentRequest is the body for POST /v1/content.
type PublishContentRequest struct {
	Name             string            `json:"name" validate:"required,max=200"`
	CategoryID       string            `json:"category_id,omitempty" validate:"omitempty,max=80"`
	ContentLocator   string            `json:"content_locator" validate:"required,max=500"`
	ThumbnailLocator string            `json:"thumbnail_locator,omitempty" validate:"omitempty,max=500"`
	Tags             []string          `json:"tags,omitempty" validate:"omitempty,max=32,dive,min=1,max=64"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// IndexQueryRequest is the body for POST /v1/index/query.
type IndexQueryRequest struct {
	Category     string    `json:"category,omitempty" validate:"omitempty,max=80"`
	Tags         []string  `json:"tags,omitempty" validate:"omitempty,max=16,dive,min=1,max=64"`
	Source       string    `json:"source,omitempty" validate:"omitempty,max=255"`
	Title        string    `json:"title,omitempty" validate:"omitempty,max=200"`
	From         time.Time `json:"from,omitempty"`
	To           time.Time `json:"to,omitempty"`
	FeaturedOnly bool      `json:"featured_only,omitempty"`
	PromotedOnly bool      `json:"promoted_only,omitempty"`
	Limit        int       `json:"limit,omitempty" validate:"omitempty,min=1,max=500"`
	Offset       int       `json:"offset,omitempty" validate:"omitempty,min=0"`
}

// CurationRequest is the optional body for feature/promote calls.
type CurationRequest struct {
	Until *time.Time `json:"until,omitempty"`
}

type sessionView struct {
	EdgeID            types.EdgeID `json:"edge_id"`
	Target            string       `json:"target"`
	Status            string       `json:"status"`
	LastActivity      time.Time    `json:"last_activity,omitempty"`
	ReconnectAttempts int          `json:"reconnect_attempts"`
}

// Follow endpoints

func (s *Server) handleCreateFollow(w http.ResponseWriter, r *http.Request) {
	var req CreateFollowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}
	if _, err := federation.ParseAddress(req.Target); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid target address: "+err.Error())
		return
	}

	edge, err := s.svc.AddFollowEdge(r.Context(), req.Target, req.DisplayName, req.Recursive)
	if err != nil {
		s.logger.Warn("Failed to create follow edge",
			zap.String("target", req.Target),
			zap.Error(err))
		switch {
		case errors.Is(err, federation.ErrSelfFollow):
			s.respondError(w, http.StatusBadRequest, "Cannot follow own site")
		case errors.Is(err, federation.ErrDuplicateFollow):
			s.respondError(w, http.StatusConflict, "Target already followed")
		default:
			s.respondError(w, http.StatusInternalServerError, "Failed to create follow edge")
		}
		return
	}

	s.respondJSON(w, http.StatusCreated, edge)
}

func (s *Server) handleListFollows(w http.ResponseWriter, r *http.Request) {
	edges, err := s.svc.ListFollowEdges(r.Context())
	if err != nil {
		s.logger.Error("Failed to list follow edges", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "Failed to list follow edges")
		return
	}
	if edges == nil {
		edges = []types.FollowEdge{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"follows": edges})
}

func (s *Server) handleGetFollow(w http.ResponseWriter, r *http.Request) {
	edgeID := types.EdgeID(chi.URLParam(r, "edgeID"))

	edge, err := s.svc.GetFollowEdge(r.Context(), edgeID)
	if err != nil {
		if errors.Is(err, federation.ErrEdgeNotFound) {
			s.respondError(w, http.StatusNotFound, "Follow edge not found")
			return
		}
		s.logger.Error("Failed to get follow edge", zap.String("edge_id", string(edgeID)), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "Failed to get follow edge")
		return
	}
	s.respondJSON(w, http.StatusOK, edge)
}

func (s *Server) handleDeleteFollow(w http.ResponseWriter, r *http.Request) {
	edgeID := types.EdgeID(chi.URLParam(r, "edgeID"))

	if err := s.svc.RemoveFollowEdge(r.Context(), edgeID); err != nil {
		if errors.Is(err, federation.ErrEdgeNotFound) {
			s.respondError(w, http.StatusNotFound, "Follow edge not found")
			return
		}
		s.logger.Error("Failed to remove follow edge", zap.String("edge_id", string(edgeID)), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "Failed to remove follow edge")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Session endpoints

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.svc.Sessions()
	views := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		views = append(views, sessionView{
			EdgeID:            sess.EdgeID,
			Target:            sess.Target,
			Status:            sess.Status.String(),
			LastActivity:      sess.LastActivity,
			ReconnectAttempts: sess.ReconnectAttempts,
		})
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"sessions": views})
}

// Content endpoints

func (s *Server) handlePublishContent(w http.ResponseWriter, r *http.Request) {
	var req PublishContentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	item, err := s.svc.PublishContent(r.Context(), types.ContentItem{
		Name:             req.Name,
		CategoryID:       types.CategoryID(req.CategoryID),
		ContentLocator:   req.ContentLocator,
		ThumbnailLocator: req.ThumbnailLocator,
		Tags:             req.Tags,
		Metadata:         req.Metadata,
	})
	if err != nil {
		s.logger.Error("Failed to publish content", zap.String("name", req.Name), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "Failed to publish content")
		return
	}
	s.respondJSON(w, http.StatusCreated, item)
}

func (s *Server) handleRetractContent(w http.ResponseWriter, r *http.Request) {
	contentID := types.ContentID(chi.URLParam(r, "contentID"))

	if err := s.svc.RetractContent(r.Context(), contentID); err != nil {
		s.logger.Error("Failed to retract content", zap.String("content_id", string(contentID)), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "Failed to retract content")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Index endpoints

func (s *Server) handleIndexRecent(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r, "limit", 50)
	offset := intParam(r, "offset", 0)
	s.respondEntries(w, s.svc.Index().Recent(r.Context(), limit, offset))
}

func (s *Server) handleIndexCategory(w http.ResponseWriter, r *http.Request) {
	category := types.CategoryID(chi.URLParam(r, "categoryID"))
	s.respondEntries(w, s.svc.Index().ByCategory(r.Context(), category))
}

func (s *Server) handleIndexTags(w http.ResponseWriter, r *http.Request) {
	tags := r.URL.Query()["tag"]
	if len(tags) == 0 {
		s.respondError(w, http.StatusBadRequest, "At least one tag parameter is required")
		return
	}
	s.respondEntries(w, s.svc.Index().ByTags(r.Context(), tags...))
}

func (s *Server) handleIndexSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		s.respondError(w, http.StatusBadRequest, "Query parameter q is required")
		return
	}
	s.respondEntries(w, s.svc.Index().SearchTitle(r.Context(), q))
}

func (s *Server) handleIndexFeatured(w http.ResponseWriter, r *http.Request) {
	s.respondEntries(w, s.svc.Index().Featured(r.Context()))
}

func (s *Server) handleIndexPromoted(w http.ResponseWriter, r *http.Request) {
	s.respondEntries(w, s.svc.Index().Promoted(r.Context()))
}

func (s *Server) handleIndexStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.svc.IndexStats(r.Context()))
}

func (s *Server) handleIndexQuery(w http.ResponseWriter, r *http.Request) {
	var req IndexQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Validation error: "+err.Error())
		return
	}

	entries := s.svc.QueryIndex(r.Context(), federation.IndexQuery{
		Category:     types.CategoryID(req.Category),
		Tags:         req.Tags,
		Source:       req.Source,
		Title:        req.Title,
		From:         req.From,
		To:           req.To,
		FeaturedOnly: req.FeaturedOnly,
		PromotedOnly: req.PromotedOnly,
		Limit:        req.Limit,
		Offset:       req.Offset,
	})
	s.respondEntries(w, entries)
}

func (s *Server) handleFeature(w http.ResponseWriter, r *http.Request) {
	s.handleCuration(w, r, s.svc.Feature)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	s.handleCuration(w, r, s.svc.Promote)
}

func (s *Server) handleCuration(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, id string, until *time.Time) error) {
	entryID := chi.URLParam(r, "entryID")

	var req CurationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	if err := apply(r.Context(), entryID, req.Until); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.respondError(w, http.StatusNotFound, "Index entry not found")
			return
		}
		s.logger.Error("Failed to curate index entry", zap.String("entry_id", entryID), zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, "Failed to update index entry")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Helpers

func (s *Server) respondEntries(w http.ResponseWriter, entries []types.IndexEntry) {
	if entries == nil {
		entries = []types.IndexEntry{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]interface{}{
		"error":   true,
		"message": message,
		"code":    status,
	})
}

func intParam(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
