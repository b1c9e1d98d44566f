package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/mnemo/internal/bus"
	"github.com/nidhogg/mnemo/internal/graph"
	"github.com/nidhogg/mnemo/internal/store"
	"github.com/nidhogg/mnemo/internal/temporal"
	"github.com/nidhogg/mnemo/internal/topic"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine   *topic.Engine
	graph    *graph.Graph
	recaller *graph.Recaller
	tracker  *temporal.Tracker
	events   *bus.Bus
	pg       *store.Store // optional
	logger   *zap.Logger
}

// NewHandler creates a new API handler. pg may be nil when Postgres is not
// configured; the impression endpoint then reports unavailable.
func NewHandler(
	engine *topic.Engine,
	g *graph.Graph,
	recaller *graph.Recaller,
	tracker *temporal.Tracker,
	events *bus.Bus,
	pg *store.Store,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		engine:   engine,
		graph:    g,
		recaller: recaller,
		tracker:  tracker,
		events:   events,
		pg:       pg,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		r.Route("/groups/{groupID}", func(r chi.Router) {
			r.Post("/messages", h.ingestMessage)
			r.Get("/memories", h.listMemories)
			r.Get("/recall", h.recall)
			r.Get("/concepts", h.listConcepts)
			r.Get("/topics", h.listTopics)
			r.Get("/open-topics", h.listOpenTopics)
			r.Get("/impressions", h.listImpressions)
		})
	})

	return r
}

type healthResponse struct {
	Status          string      `json:"status"`
	BusRunning      bool        `json:"bus_running"`
	EventsDropped   uint64      `json:"events_dropped"`
	Graph           graph.Stats `json:"graph"`
	Groups          int         `json:"groups"`
	ActiveClusters  int         `json:"active_clusters"`
	PendingMessages int         `json:"pending_messages"`
	OpenTopics      int         `json:"open_topics"`
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	es := h.engine.Stats()
	resp := healthResponse{
		Status:          "ok",
		BusRunning:      h.events.Running(),
		EventsDropped:   h.events.Dropped(),
		Graph:           h.graph.Stats(),
		Groups:          es.Groups,
		ActiveClusters:  es.ActiveClusters,
		PendingMessages: es.PendingMessages,
		OpenTopics:      h.tracker.PendingCount(),
	}
	status := http.StatusOK
	if !resp.BusRunning {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type ingestRequest struct {
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name"`
	Content    string `json:"content"`
}

func (h *Handler) ingestMessage(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.SenderID == "" || req.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "sender_id and content are required"})
		return
	}

	msg := bus.Message{
		SenderID:   req.SenderID,
		SenderName: req.SenderName,
		Content:    req.Content,
		Timestamp:  time.Now(),
	}
	h.engine.AddMessage(groupID, msg)
	h.tracker.ObserveMessage(groupID, msg)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (h *Handler) listMemories(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"group_id": groupID,
		"memories": h.graph.MemoriesForGroup(groupID),
	})
}

func (h *Handler) recall(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "q parameter is required"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	results, err := h.recaller.Recall(r.Context(), groupID, query, limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"group_id": groupID,
		"query":    query,
		"results":  results,
	})
}

func (h *Handler) listConcepts(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"group_id":    groupID,
		"concepts":    h.graph.ConceptsForGroup(groupID),
		"connections": h.graph.ConnectionsForGroup(groupID),
	})
}

func (h *Handler) listTopics(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	clusters := h.engine.GroupClusters(groupID)
	if clusters == nil {
		clusters = []topic.ClusterInfo{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"group_id": groupID,
		"topics":   clusters,
	})
}

func (h *Handler) listOpenTopics(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"group_id":    groupID,
		"open_topics": h.tracker.GroupOpenTopics(groupID),
	})
}

func (h *Handler) listImpressions(w http.ResponseWriter, r *http.Request) {
	groupID := chi.URLParam(r, "groupID")
	if h.pg == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "impression store not configured"})
		return
	}
	imps, err := h.pg.GroupImpressions(r.Context(), groupID)
	if err != nil {
		h.logger.Error("list impressions failed", zap.String("group_id", groupID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"group_id":    groupID,
		"impressions": imps,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
