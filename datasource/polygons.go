package datasource

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrPolygonNotFound = errors.New("polygon set not found")

// Area is one region of a polygon set. Points are [latitude, longitude]
// pairs; Center is where points inside the area are drawn when a map
// aggregates by area.
type Area struct {
	Center  [2]float64   `json:"center" yaml:"center"`
	Polygon [][2]float64 `json:"polygon" yaml:"polygon"`
}

// GeoPolygon is a named set of areas maps can aggregate points into.
type GeoPolygon struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Areas []Area `json:"areas" yaml:"areas"`
}

type PolygonSummary struct {
	ID   string `db:"id" json:"id"`
	Name string `db:"name" json:"name"`
}

func (p *GeoPolygon) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: polygon set without id", ErrInvalid)
	}
	if p.Name == "" {
		return fmt.Errorf("%w: polygon set %s needs a name", ErrInvalid, p.ID)
	}
	for i, a := range p.Areas {
		if len(a.Polygon) < 3 {
			return fmt.Errorf("%w: area %d of polygon set %s needs at least 3 points", ErrInvalid, i, p.ID)
		}
	}
	return nil
}

func createPolygonTable(ctx context.Context, s *Store) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS geo_polygons (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			source TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("error creating geo_polygons table: %w", err)
	}
	return nil
}

func (s *Store) SavePolygon(ctx context.Context, p *GeoPolygon, source string) error {
	if err := p.Validate(); err != nil {
		return err
	}
	content, err := json.Marshal(p.Areas)
	if err != nil {
		return fmt.Errorf("error encoding polygon set: %w", err)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO geo_polygons (id, name, source, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			source = excluded.source,
			content = excluded.content,
			updated_at = excluded.updated_at
	`, p.ID, p.Name, source, string(content), now, now)
	if err != nil {
		return fmt.Errorf("error saving polygon set %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetPolygon(ctx context.Context, id string) (*GeoPolygon, error) {
	var row struct {
		Name    string `db:"name"`
		Content string `db:"content"`
	}
	err := s.db.GetContext(ctx, &row, `SELECT name, content FROM geo_polygons WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrPolygonNotFound, id)
		}
		return nil, fmt.Errorf("error loading polygon set %s: %w", id, err)
	}
	p := &GeoPolygon{ID: id, Name: row.Name}
	if err := json.Unmarshal([]byte(row.Content), &p.Areas); err != nil {
		return nil, fmt.Errorf("error decoding polygon set %s: %w", id, err)
	}
	return p, nil
}

func (s *Store) ListPolygons(ctx context.Context) ([]PolygonSummary, error) {
	summaries := []PolygonSummary{}
	if err := s.db.SelectContext(ctx, &summaries, `SELECT id, name FROM geo_polygons ORDER BY name`); err != nil {
		return nil, fmt.Errorf("error listing polygon sets: %w", err)
	}
	return summaries, nil
}
