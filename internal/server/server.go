// Package server exposes the management API and mounts the websocket
// gateway: admins create auctions from stored presets, participants join
// over the auction socket.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/jensholdgaard/draft-auction/internal/auction"
	"github.com/jensholdgaard/draft-auction/internal/config"
	"github.com/jensholdgaard/draft-auction/internal/gateway"
	"github.com/jensholdgaard/draft-auction/internal/notify"
	"github.com/jensholdgaard/draft-auction/internal/store"
)

// InviteSender delivers join links to participants. Implemented by
// notify.Notifier; nil disables invites.
type InviteSender interface {
	SendInvites(ctx context.Context, auctionID string, invites []notify.Invite)
}

// Server wires the HTTP surface together.
type Server struct {
	logger   *slog.Logger
	cfg      config.ServerConfig
	manager  *auction.Manager
	repos    *store.Repositories
	invites  InviteSender
	gw       *gateway.Handler
	validate *validator.Validate
}

// New constructs the server. invites may be nil.
func New(logger *slog.Logger, cfg config.ServerConfig, manager *auction.Manager,
	repos *store.Repositories, invites InviteSender) *Server {
	return &Server{
		logger:   logger,
		cfg:      cfg,
		manager:  manager,
		repos:    repos,
		invites:  invites,
		gw:       gateway.New(logger, manager, cfg.AllowedOrigins),
		validate: validator.New(),
	}
}

// Router builds the HTTP routes: the public auction socket and the
// admin-gated management API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.corsOrigins(),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/auction/{token}", s.gw.ServeWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.adminOnly)
		r.Post("/presets", s.createPreset)
		r.Get("/presets", s.listPresets)
		r.Post("/auctions", s.createAuction)
		r.Get("/auctions/{id}", s.getAuction)
		r.Delete("/auctions/{id}", s.deleteAuction)
		r.Get("/auctions/{id}/result", s.getResult)
	})

	return r
}

func (s *Server) corsOrigins() []string {
	if len(s.cfg.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.AllowedOrigins
}

// adminOnly gates the management API behind a bearer token.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			s.writeError(w, http.StatusForbidden, "admin API disabled")
			return
		}
		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token := auth[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.AdminToken)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type rosterEntryRequest struct {
	UserID   int64 `json:"user_id" validate:"required"`
	IsLeader bool  `json:"is_leader"`
	TeamID   int   `json:"team_id"`
}

type createPresetRequest struct {
	Name        string               `json:"name" validate:"required"`
	Points      int                  `json:"points" validate:"gt=0"`
	MaxTeamSize int                  `json:"max_team_size" validate:"gte=2"`
	Roster      []rosterEntryRequest `json:"roster" validate:"min=2,dive"`
}

func (s *Server) createPreset(w http.ResponseWriter, r *http.Request) {
	var req createPresetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := validateRoster(req.Roster); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := &store.Preset{Name: req.Name, Points: req.Points, MaxTeamSize: req.MaxTeamSize}
	if err := s.repos.Presets.Create(r.Context(), p); err != nil {
		s.logger.Error("creating preset", slog.Any("error", err))
		s.writeError(w, http.StatusInternalServerError, "creating preset failed")
		return
	}
	for _, e := range req.Roster {
		entry := &store.RosterEntry{
			PresetID: p.ID,
			UserID:   e.UserID,
			IsLeader: e.IsLeader,
			TeamID:   e.TeamID,
		}
		if err := s.repos.Presets.AddRosterEntry(r.Context(), entry); err != nil {
			s.logger.Error("adding roster entry", slog.Any("error", err))
			s.writeError(w, http.StatusInternalServerError, "creating preset failed")
			return
		}
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{"preset_id": p.ID})
}

func validateRoster(roster []rosterEntryRequest) error {
	leaders := 0
	teamIDs := make(map[int]struct{})
	userIDs := make(map[int64]struct{})
	for _, e := range roster {
		if _, dup := userIDs[e.UserID]; dup {
			return fmt.Errorf("user %d listed twice", e.UserID)
		}
		userIDs[e.UserID] = struct{}{}
		if !e.IsLeader {
			continue
		}
		leaders++
		if e.TeamID <= 0 {
			return fmt.Errorf("leader %d has no team id", e.UserID)
		}
		if _, dup := teamIDs[e.TeamID]; dup {
			return fmt.Errorf("team %d has two leaders", e.TeamID)
		}
		teamIDs[e.TeamID] = struct{}{}
	}
	if leaders < 2 {
		return fmt.Errorf("a draft needs at least 2 leaders, got %d", leaders)
	}
	return nil
}

func (s *Server) listPresets(w http.ResponseWriter, r *http.Request) {
	presets, err := s.repos.Presets.List(r.Context())
	if err != nil {
		s.logger.Error("listing presets", slog.Any("error", err))
		s.writeError(w, http.StatusInternalServerError, "listing presets failed")
		return
	}
	s.writeJSON(w, http.StatusOK, presets)
}

type createAuctionRequest struct {
	PresetID int64 `json:"preset_id" validate:"required"`
}

type createAuctionResponse struct {
	AuctionID string           `json:"auction_id"`
	JoinURLs  map[int64]string `json:"join_urls"`
}

func (s *Server) createAuction(w http.ResponseWriter, r *http.Request) {
	var req createAuctionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	preset, err := s.repos.Presets.GetByID(r.Context(), req.PresetID)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "preset not found")
		return
	}
	roster, err := s.repos.Presets.Roster(r.Context(), preset.ID)
	if err != nil {
		s.logger.Error("loading roster", slog.Any("error", err))
		s.writeError(w, http.StatusInternalServerError, "loading roster failed")
		return
	}

	teams, queue := buildDraft(preset, roster)
	a, tokens, err := s.manager.AddAuction(r.Context(), preset.ID, teams, queue,
		auction.Settings{MaxTeamSize: preset.MaxTeamSize})
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	joinURLs := make(map[int64]string, len(tokens))
	invites := make([]notify.Invite, 0, len(tokens))
	for _, tok := range tokens {
		url := fmt.Sprintf("%s/auction/%s", s.cfg.BaseURL, tok.Token)
		joinURLs[tok.UserID] = url
		invites = append(invites, notify.Invite{UserID: tok.UserID, URL: url})
	}
	if s.invites != nil {
		go s.invites.SendInvites(context.WithoutCancel(r.Context()), a.ID, invites)
	}

	s.writeJSON(w, http.StatusCreated, createAuctionResponse{AuctionID: a.ID, JoinURLs: joinURLs})
}

// buildDraft turns a stored roster into the engine's team and queue inputs.
// Leaders are seated on their teams; everyone else enters the draft queue.
func buildDraft(preset *store.Preset, roster []store.RosterEntry) ([]auction.Team, []int64) {
	var teams []auction.Team
	var queue []int64
	for _, e := range roster {
		if e.IsLeader {
			teams = append(teams, auction.Team{
				TeamID:    e.TeamID,
				LeaderID:  e.UserID,
				MemberIDs: []int64{e.UserID},
				Points:    preset.Points,
			})
		} else {
			queue = append(queue, e.UserID)
		}
	}
	return teams, queue
}

func (s *Server) getAuction(w http.ResponseWriter, r *http.Request) {
	a, ok := s.manager.GetAuction(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "auction not found")
		return
	}
	s.writeJSON(w, http.StatusOK, a.Snapshot())
}

func (s *Server) deleteAuction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := s.manager.GetAuction(id); !ok {
		s.writeError(w, http.StatusNotFound, "auction not found")
		return
	}
	s.manager.RemoveAuction(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.repos.Results.GetByAuctionID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "result not found")
		return
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encoding response", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
