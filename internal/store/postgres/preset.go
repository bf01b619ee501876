package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/jensholdgaard/draft-auction/internal/store"
)

// PresetRepo implements store.PresetRepository with sqlx.
type PresetRepo struct {
	db *sqlx.DB
}

// NewPresetRepo returns a new PresetRepo.
func NewPresetRepo(db *sqlx.DB) *PresetRepo {
	return &PresetRepo{db: db}
}

func (r *PresetRepo) Create(ctx context.Context, p *store.Preset) error {
	query := `INSERT INTO presets (name, points, max_team_size, created_at)
	           VALUES ($1, $2, $3, $4) RETURNING id`
	p.CreatedAt = time.Now().UTC()
	return r.db.QueryRowContext(ctx, query, p.Name, p.Points, p.MaxTeamSize, p.CreatedAt).Scan(&p.ID)
}

func (r *PresetRepo) GetByID(ctx context.Context, id int64) (*store.Preset, error) {
	var p store.Preset
	err := r.db.GetContext(ctx, &p, `SELECT * FROM presets WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("getting preset: %w", err)
	}
	return &p, nil
}

func (r *PresetRepo) List(ctx context.Context) ([]store.Preset, error) {
	var presets []store.Preset
	err := r.db.SelectContext(ctx, &presets, `SELECT * FROM presets ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing presets: %w", err)
	}
	return presets, nil
}

func (r *PresetRepo) Roster(ctx context.Context, presetID int64) ([]store.RosterEntry, error) {
	var roster []store.RosterEntry
	err := r.db.SelectContext(ctx, &roster,
		`SELECT * FROM roster_entries WHERE preset_id = $1 ORDER BY user_id ASC`, presetID)
	if err != nil {
		return nil, fmt.Errorf("loading roster: %w", err)
	}
	return roster, nil
}

func (r *PresetRepo) AddRosterEntry(ctx context.Context, e *store.RosterEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO roster_entries (preset_id, user_id, is_leader, team_id)
		 VALUES ($1, $2, $3, $4)`,
		e.PresetID, e.UserID, e.IsLeader, e.TeamID,
	)
	if err != nil {
		return fmt.Errorf("adding roster entry: %w", err)
	}
	return nil
}
