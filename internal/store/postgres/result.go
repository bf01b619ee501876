package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/draft-auction/internal/store"
)

// ResultRepo implements store.ResultRepository with sqlx.
type ResultRepo struct {
	db *sqlx.DB
}

// NewResultRepo returns a new ResultRepo.
func NewResultRepo(db *sqlx.DB) *ResultRepo {
	return &ResultRepo{db: db}
}

// Save writes a completed auction and its team rows in one transaction.
func (r *ResultRepo) Save(ctx context.Context, res *store.Result) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if res.CompletedAt.IsZero() {
		res.CompletedAt = time.Now().UTC()
	}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO results (auction_id, preset_id, completed_at)
		 VALUES ($1, $2, $3) RETURNING id`,
		res.AuctionID, res.PresetID, res.CompletedAt,
	).Scan(&res.ID)
	if err != nil {
		return fmt.Errorf("inserting result: %w", err)
	}

	for i := range res.Teams {
		t := &res.Teams[i]
		t.ResultID = res.ID
		_, err := tx.ExecContext(ctx,
			`INSERT INTO result_teams (result_id, team_id, leader_id, member_ids, points_left)
			 VALUES ($1, $2, $3, $4, $5)`,
			t.ResultID, t.TeamID, t.LeaderID, t.MemberIDs, t.PointsLeft,
		)
		if err != nil {
			return fmt.Errorf("inserting result team %d: %w", t.TeamID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing result: %w", err)
	}
	return nil
}

func (r *ResultRepo) GetByAuctionID(ctx context.Context, auctionID string) (*store.Result, error) {
	var res store.Result
	err := r.db.GetContext(ctx, &res,
		`SELECT id, auction_id, preset_id, completed_at FROM results WHERE auction_id = $1`, auctionID)
	if err != nil {
		return nil, fmt.Errorf("getting result: %w", err)
	}
	if err := r.db.SelectContext(ctx, &res.Teams,
		`SELECT * FROM result_teams WHERE result_id = $1 ORDER BY team_id ASC`, res.ID); err != nil {
		return nil, fmt.Errorf("loading result teams: %w", err)
	}
	return &res, nil
}

func (r *ResultRepo) ListByPreset(ctx context.Context, presetID int64) ([]store.Result, error) {
	var results []store.Result
	err := r.db.SelectContext(ctx, &results,
		`SELECT id, auction_id, preset_id, completed_at FROM results
		 WHERE preset_id = $1 ORDER BY completed_at DESC`, presetID)
	if err != nil {
		return nil, fmt.Errorf("listing results: %w", err)
	}
	for i := range results {
		if err := r.db.SelectContext(ctx, &results[i].Teams,
			`SELECT * FROM result_teams WHERE result_id = $1 ORDER BY team_id ASC`, results[i].ID); err != nil {
			return nil, fmt.Errorf("loading result teams: %w", err)
		}
	}
	return results, nil
}
