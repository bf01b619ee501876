package auction

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	mrand "math/rand/v2"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jensholdgaard/draft-auction/internal/clock"
	"github.com/jensholdgaard/draft-auction/internal/metrics"
)

// Token binds a join credential to an auction, a user and the role the user
// holds in it. Tokens are minted at auction creation and die with it.
type Token struct {
	Token     string
	AuctionID string
	UserID    int64
	Role      Role
}

// Hooks let the manager's owner react to auction lifecycle events without
// the auction package depending on storage or messaging.
type Hooks struct {
	// OnCompleted receives the final team snapshots of a completed auction.
	// It runs on a separate goroutine; implementations persist or publish as
	// they see fit.
	OnCompleted func(auctionID string, presetID int64, teams []Team)
}

// Manager is the process-wide registry of live auctions and their tokens.
type Manager struct {
	logger   *slog.Logger
	clk      clock.Clock
	settings Settings
	hooks    Hooks
	tracer   trace.Tracer

	mu       sync.Mutex
	nextID   int64
	auctions map[string]*Auction
	tokens   map[string]Token
}

// NewManager returns an empty registry. settings apply to every auction it
// creates.
func NewManager(logger *slog.Logger, clk clock.Clock, settings Settings, hooks Hooks) *Manager {
	return &Manager{
		logger:   logger,
		clk:      clk,
		settings: settings.withDefaults(),
		hooks:    hooks,
		tracer:   otel.Tracer("draft-auction/auction"),
		auctions: make(map[string]*Auction),
		tokens:   make(map[string]Token),
	}
}

// AddAuction creates an auction for the given teams and draftable users,
// mints one token per participant, shuffles the draft order and registers
// the result. Leaders get leader tokens; everyone else observes. Zero
// fields in overrides fall back to the manager's settings, so callers can
// vary the roster size or timer per auction.
func (m *Manager) AddAuction(ctx context.Context, presetID int64, teams []Team, queue []int64, overrides Settings) (*Auction, []Token, error) {
	_, span := m.tracer.Start(ctx, "Manager.AddAuction",
		trace.WithAttributes(
			attribute.Int64("preset_id", presetID),
			attribute.Int("teams", len(teams)),
			attribute.Int("queue_len", len(queue)),
		),
	)
	defer span.End()

	if len(teams) == 0 {
		return nil, nil, fmt.Errorf("auction needs at least one team")
	}

	leaders := make(map[int64]struct{}, len(teams))
	for _, t := range teams {
		if _, dup := leaders[t.LeaderID]; dup {
			return nil, nil, fmt.Errorf("leader %d bound to more than one team", t.LeaderID)
		}
		leaders[t.LeaderID] = struct{}{}
	}

	shuffled := append([]int64{}, queue...)
	mrand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})

	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id := strconv.FormatInt(m.nextID, 10)
	span.SetAttributes(attribute.String("auction_id", id))

	minted := make([]Token, 0, len(teams)+len(shuffled))
	tokenUsers := make(map[string]int64, cap(minted))
	seen := make(map[int64]struct{}, cap(minted))

	mint := func(uid int64, role Role) error {
		if _, dup := seen[uid]; dup {
			return nil
		}
		seen[uid] = struct{}{}
		tok, err := newToken()
		if err != nil {
			return err
		}
		minted = append(minted, Token{Token: tok, AuctionID: id, UserID: uid, Role: role})
		tokenUsers[tok] = uid
		return nil
	}

	for _, t := range teams {
		if err := mint(t.LeaderID, RoleLeader); err != nil {
			return nil, nil, fmt.Errorf("minting token: %w", err)
		}
	}
	for _, uid := range shuffled {
		if err := mint(uid, RoleObserver); err != nil {
			return nil, nil, fmt.Errorf("minting token: %w", err)
		}
	}

	st := m.settings
	if overrides.TimerDuration > 0 {
		st.TimerDuration = overrides.TimerDuration
	}
	if overrides.WaitingTTL > 0 {
		st.WaitingTTL = overrides.WaitingTTL
	}
	if overrides.TerminateGrace > 0 {
		st.TerminateGrace = overrides.TerminateGrace
	}
	if overrides.MaxTeamSize > 0 {
		st.MaxTeamSize = overrides.MaxTeamSize
	}
	if overrides.MinBidIncrement > 0 {
		st.MinBidIncrement = overrides.MinBidIncrement
	}
	if overrides.TickInterval > 0 {
		st.TickInterval = overrides.TickInterval
	}

	a := New(id, presetID, teams, shuffled, tokenUsers, st, m.clk, m.logger, Callbacks{
		OnTerminated: m.forget,
		OnCompleted:  m.hooks.OnCompleted,
	})

	m.auctions[id] = a
	for _, t := range minted {
		m.tokens[t.Token] = t
	}
	metrics.AuctionsActive.Set(float64(len(m.auctions)))

	m.logger.Info("auction created",
		slog.String("auction_id", id),
		slog.Int64("preset_id", presetID),
		slog.Int("teams", len(teams)),
		slog.Int("queue_len", len(shuffled)),
	)
	return a, minted, nil
}

// GetAuction looks an auction up by id.
func (m *Manager) GetAuction(id string) (*Auction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.auctions[id]
	return a, ok
}

// GetAuctionByToken resolves a join token to its auction and binding.
func (m *Manager) GetAuctionByToken(token string) (*Auction, Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	if !ok {
		return nil, Token{}, false
	}
	a, ok := m.auctions[t.AuctionID]
	if !ok {
		return nil, Token{}, false
	}
	return a, t, true
}

// TokenInfo resolves a token to its binding without touching the auction.
func (m *Manager) TokenInfo(token string) (Token, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[token]
	return t, ok
}

// Tokens returns the tokens minted for one auction.
func (m *Manager) Tokens(auctionID string) []Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Token
	for _, t := range m.tokens {
		if t.AuctionID == auctionID {
			out = append(out, t)
		}
	}
	return out
}

// Count reports the number of registered auctions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.auctions)
}

// RemoveAuction unregisters the auction and terminates it, closing every
// connection. Removing an unknown id is a no-op.
func (m *Manager) RemoveAuction(id string) {
	a, ok := m.GetAuction(id)
	if !ok {
		return
	}
	// Terminate re-enters forget through the callback, which is idempotent.
	a.Terminate()
}

// forget drops the registry state of one auction. Runs as the auction's
// OnTerminated callback.
func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.auctions[id]; !ok {
		return
	}
	delete(m.auctions, id)
	for tok, t := range m.tokens {
		if t.AuctionID == id {
			delete(m.tokens, tok)
		}
	}
	metrics.AuctionsActive.Set(float64(len(m.auctions)))
	m.logger.Info("auction removed", slog.String("auction_id", id))
}

// newToken mints a 192-bit URL-safe join token.
func newToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading randomness: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
