// Package store defines the persistence model: draft presets feeding new
// auctions, and the results written back when they complete.
package store

import (
	"context"
	"time"

	"github.com/lib/pq"
)

// Preset is a saved draft configuration an auction is created from.
type Preset struct {
	ID          int64     `db:"id"`
	Name        string    `db:"name"`
	Points      int       `db:"points"`
	MaxTeamSize int       `db:"max_team_size"`
	CreatedAt   time.Time `db:"created_at"`
}

// RosterEntry is one user in a preset. Leaders carry the team they captain;
// everyone else enters the draft queue.
type RosterEntry struct {
	PresetID int64 `db:"preset_id"`
	UserID   int64 `db:"user_id"`
	IsLeader bool  `db:"is_leader"`
	TeamID   int   `db:"team_id"` // zero for non-leaders
}

// Result is the persisted outcome of one completed auction.
type Result struct {
	ID          int64     `db:"id"`
	AuctionID   string    `db:"auction_id"`
	PresetID    int64     `db:"preset_id"`
	CompletedAt time.Time `db:"completed_at"`
	Teams       []TeamResult
}

// TeamResult is one team's final roster and point balance.
type TeamResult struct {
	ResultID   int64         `db:"result_id"`
	TeamID     int           `db:"team_id"`
	LeaderID   int64         `db:"leader_id"`
	MemberIDs  pq.Int64Array `db:"member_ids"`
	PointsLeft int           `db:"points_left"`
}

// PresetRepository loads draft configurations.
type PresetRepository interface {
	Create(ctx context.Context, p *Preset) error
	GetByID(ctx context.Context, id int64) (*Preset, error)
	List(ctx context.Context) ([]Preset, error)
	Roster(ctx context.Context, presetID int64) ([]RosterEntry, error)
	AddRosterEntry(ctx context.Context, e *RosterEntry) error
}

// ResultRepository records completed auctions.
type ResultRepository interface {
	Save(ctx context.Context, r *Result) error
	GetByAuctionID(ctx context.Context, auctionID string) (*Result, error)
	ListByPreset(ctx context.Context, presetID int64) ([]Result, error)
}
