// Package httpapi exposes the sync server's HTTP surface: POST
// /api/sync/push, GET /api/sync/pull, and the study endpoint that
// answers a card. It uses a chi router, chi/cors, and a respondJSON
// helper, with every non-2xx response wrapped in a uniform
// {"error":{"code","message"}} envelope and zerolog-based per-request
// logging via hlog.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/nsfisis/kioku/internal/config"
	"github.com/nsfisis/kioku/internal/crdt"
	"github.com/nsfisis/kioku/internal/fsrs"
	"github.com/nsfisis/kioku/internal/localstore"
	"github.com/nsfisis/kioku/internal/model"
	"github.com/nsfisis/kioku/internal/syncengine"
)

// Server wires the sync engine and a per-deck study store into chi
// handlers. Study reads/writes go through the same localstore.Store
// type the client uses, since study sessions in this API operate on
// a server-held replica of the cards under test.
type Server struct {
	Engine    *syncengine.Engine
	Study     *localstore.Store
	Scheduler *fsrs.Scheduler
	Config    config.Config
	Logger    zerolog.Logger
}

// Router builds the chi router: a per-request zerolog logger (hlog,
// used by handlers to log failures; requests themselves are not
// access-logged), panic recovery, RealIP, the identity placeholder
// middleware, and CORS, in front of the sync and study route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(hlog.NewHandler(s.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(requireUser)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.HealthCheck)

		r.Route("/sync", func(r chi.Router) {
			r.Post("/push", s.Push)
			r.Get("/pull", s.Pull)
		})

		r.Get("/decks/{deckId}/study/queue", s.StudyQueue)
		r.Post("/decks/{deckId}/study/{cardId}", s.StudyAnswer)
	})

	return r
}

func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pushRequest struct {
	Documents []crdt.Document `json:"documents"`
}

type pushResponse struct {
	SyncVersions []int64 `json:"syncVersions"`
}

// Push handles POST /api/sync/push.
func (s *Server) Push(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	var req pushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	versions, err := s.Engine.Push(r.Context(), userID, req.Documents, time.Now().UTC())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("sync_push_failed")
		respondError(w, http.StatusInternalServerError, "push_failed", "failed to apply push batch")
		return
	}

	respondJSON(w, http.StatusOK, pushResponse{SyncVersions: versions})
}

type pullResponse struct {
	Documents    []crdt.Document `json:"documents"`
	SyncVersions []int64         `json:"syncVersions"`
	NextCursor   int64           `json:"nextCursor"`
	HasMore      bool            `json:"hasMore"`
}

// Pull handles GET /api/sync/pull?cursor=&limit=.
func (s *Server) Pull(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	cursor := parseInt64Query(r, "cursor", 0)
	limit := int(parseInt64Query(r, "limit", 500))

	docs, versions, nextCursor, hasMore, err := s.Engine.Pull(r.Context(), userID, cursor, limit)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("sync_pull_failed")
		respondError(w, http.StatusInternalServerError, "pull_failed", "failed to read changes")
		return
	}

	respondJSON(w, http.StatusOK, pullResponse{Documents: docs, SyncVersions: versions, NextCursor: nextCursor, HasMore: hasMore})
}

// StudyQueue handles GET /api/decks/{deckId}/study/queue, returning
// the cards due for review plus the day's allotment of new cards, per
// config.Study.NewCardsPerDay.
func (s *Server) StudyQueue(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	deckID, err := uuid.Parse(chi.URLParam(r, "deckId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid deckId")
		return
	}

	rows, err := s.Study.FindDue(deckID, time.Now().UTC(), s.Config.Study.NewCardsPerDay)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup_failed", "failed to load study queue")
		return
	}

	cards := make([]model.Card, 0, len(rows))
	for _, row := range rows {
		if row.UserID != userID {
			continue
		}
		doc, err := crdt.Decode(row.Doc)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "decode_failed", "failed to decode card")
			return
		}
		card, err := crdt.FromDocumentCard(doc, model.Card{Base: model.Base{ID: row.ID, UserID: userID}})
		if err != nil {
			respondError(w, http.StatusInternalServerError, "decode_failed", "failed to materialize card")
			return
		}
		cards = append(cards, card)
	}

	respondJSON(w, http.StatusOK, map[string]any{"cards": cards})
}

type studyAnswerRequest struct {
	Rating      model.Rating `json:"rating"`
	TimeTakenMs int          `json:"timeTakenMs"`
}

// StudyAnswer handles POST /api/decks/{deckId}/study/{cardId},
// scheduling the next review for a card via internal/fsrs.
func (s *Server) StudyAnswer(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
		return
	}

	cardID, err := uuid.Parse(chi.URLParam(r, "cardId"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid cardId")
		return
	}

	var req studyAnswerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	row, found, err := s.Study.Get(model.EntityCard, cardID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "lookup_failed", "failed to load card")
		return
	}
	if !found || row.UserID != userID {
		respondError(w, http.StatusNotFound, "not_found", "card not found")
		return
	}

	doc, err := crdt.Decode(row.Doc)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "decode_failed", "failed to decode card")
		return
	}
	card, err := crdt.FromDocumentCard(doc, model.Card{Base: model.Base{ID: cardID, UserID: userID}})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "decode_failed", "failed to materialize card")
		return
	}

	now := time.Now().UTC()
	next, log, err := s.Scheduler.Schedule(card, req.Rating, now)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_rating", err.Error())
		return
	}
	log.DurationMs = req.TimeTakenMs

	nextDoc, err := crdt.ToDocumentCard(next, crdt.Stamp{Timestamp: now.UnixNano(), ReplicaID: "server"})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "encode_failed", "failed to encode card")
		return
	}
	encoded, err := crdt.Encode(nextDoc)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "encode_failed", "failed to encode card")
		return
	}
	row.Doc = encoded
	row.Due = &next.Due
	row.State = next.State
	row.UpdatedAt = now
	row.Dirty = true
	if err := s.Study.Put(row); err != nil {
		respondError(w, http.StatusInternalServerError, "persist_failed", "failed to persist card")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"card":      next,
		"reviewLog": log,
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// errorBody is the response envelope used for every non-2xx response.
type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	var body errorBody
	body.Error.Code = code
	body.Error.Message = message
	respondJSON(w, status, body)
}

func parseInt64Query(r *http.Request, name string, def int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// userContextKey namespaces the per-request authenticated user id.
type userContextKey struct{}

// requireUser is a placeholder for real authentication: it trusts an
// X-User-Id header rather than verifying a session, so the handlers
// above have a concrete userID to key documents by. See DESIGN.md for
// the authentication decision.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-User-Id")
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "invalid X-User-Id header")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userIDFrom(r *http.Request) (uuid.UUID, bool) {
	id, ok := r.Context().Value(userContextKey{}).(uuid.UUID)
	return id, ok
}
