package datasource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store persists datasource definitions as JSON documents in SQLite.
type Store struct {
	db *sqlx.DB
}

type Summary struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Engine    string    `db:"engine" json:"engine"`
	Source    string    `db:"source" json:"source"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time `db:"updated_at" json:"updatedAt"`
}

func NewStore(ctx context.Context, db *sqlx.DB) (*Store, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS datasources (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			engine TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("error creating datasources table: %w", err)
	}
	s := &Store{db: db}
	if err := createPolygonTable(ctx, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Save validates and upserts ds. source records where the definition came
// from, usually a file path.
func (s *Store) Save(ctx context.Context, ds *Datasource, source string) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	content, err := json.Marshal(ds)
	if err != nil {
		return fmt.Errorf("error encoding datasource: %w", err)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO datasources (id, name, engine, source, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			engine = excluded.engine,
			source = excluded.source,
			content = excluded.content,
			updated_at = excluded.updated_at
	`, ds.ID, ds.Name(), ds.Database.Engine, source, string(content), now, now)
	if err != nil {
		return fmt.Errorf("error saving datasource %s: %w", ds.ID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*Datasource, error) {
	var content string
	err := s.db.GetContext(ctx, &content, `SELECT content FROM datasources WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("error loading datasource %s: %w", id, err)
	}
	var ds Datasource
	if err := json.Unmarshal([]byte(content), &ds); err != nil {
		return nil, fmt.Errorf("error decoding datasource %s: %w", id, err)
	}
	return &ds, nil
}

func (s *Store) List(ctx context.Context) ([]Summary, error) {
	summaries := []Summary{}
	err := s.db.SelectContext(ctx, &summaries, `
		SELECT id, name, engine, source, created_at, updated_at
		FROM datasources
		ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("error listing datasources: %w", err)
	}
	return summaries, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM datasources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("error deleting datasource %s: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("error deleting datasource %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// DeleteBySource removes all datasources and polygon sets loaded from source.
func (s *Store) DeleteBySource(ctx context.Context, source string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM datasources WHERE source = ?`, source); err != nil {
		return fmt.Errorf("error deleting datasources from %s: %w", source, err)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM geo_polygons WHERE source = ?`, source); err != nil {
		return fmt.Errorf("error deleting polygon sets from %s: %w", source, err)
	}
	return nil
}
