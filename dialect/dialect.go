// Package dialect describes the per-engine SQL capabilities the query
// compiler needs: time grain templates, epoch conversion, datetime literals,
// case-insensitive comparison and how top-N limiting can be expressed.
package dialect

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const (
	DUCKDB     = "duckdb"
	SQLITE     = "sqlite"
	POSTGRESQL = "postgresql"
	CLICKHOUSE = "clickhouse"
)

// Grain is a time bucketing function. Function is a template with a {col}
// placeholder.
type Grain struct {
	Name     string `json:"name"`
	Label    string `json:"label"`
	Duration string `json:"duration"`
	Function string `json:"function"`
}

type Spec struct {
	Engine string
	// Driver is the database/sql driver name used to open connections.
	Driver string
	// LowerFunc lowers string values for case-insensitive comparison.
	LowerFunc string
	// InnerJoins reports whether top-N groups can be limited with a joined
	// subquery. Engines without it run a separate prequery.
	InnerJoins bool
	// TimeGroupbyInline engines limit timeseries groups without any subquery.
	TimeGroupbyInline bool
	// WeightedMoment builds first/last moments as a weighted numeric sum of
	// the order columns instead of a padded string concatenation.
	WeightedMoment bool
	EpochToDttm    string
	EpochMsToDttm  string
	// MomentPart renders one order column of a first/last moment key as a
	// fixed width string. Template with a {col} placeholder.
	MomentPart string
	Grains     []Grain
	// ConvertDttm renders a datetime literal for a column of the given type.
	// An empty result means the default quoted literal is used.
	ConvertDttm func(targetType string, t time.Time) string
	// ErrorPattern extracts the readable part of a driver error message.
	ErrorPattern *regexp.Regexp
	// Aggregations maps ad-hoc metric aggregate names to SQL templates with
	// a {col} placeholder.
	Aggregations map[string]string
}

var ErrUnknownEngine = errors.New("unknown database engine")

var specs = map[string]*Spec{}

func register(s *Spec) {
	specs[s.Engine] = s
}

// Get returns the spec for an engine name. Aliases like "postgres" and
// "sqlite3" are accepted.
func Get(engine string) (*Spec, error) {
	e := strings.ToLower(strings.TrimSpace(engine))
	switch e {
	case "", "duck":
		e = DUCKDB
	case "postgres", "pg", "pgx":
		e = POSTGRESQL
	case "sqlite3":
		e = SQLITE
	}
	s, ok := specs[e]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, engine)
	}
	return s, nil
}

func Engines() []string {
	return []string{DUCKDB, SQLITE, POSTGRESQL, CLICKHOUSE}
}

// GrainFunction returns the bucketing template for a grain given by duration
// or name. Unknown grains fall back to the identity template.
func (s *Spec) GrainFunction(grain string) string {
	if grain != "" {
		for _, g := range s.Grains {
			if g.Duration == grain || g.Name == grain {
				return g.Function
			}
		}
	}
	return "{col}"
}

func (s *Spec) Epoch(expr string, ms bool) string {
	if ms {
		return strings.ReplaceAll(s.EpochMsToDttm, "{col}", expr)
	}
	return strings.ReplaceAll(s.EpochToDttm, "{col}", expr)
}

func (s *Spec) Lower(expr string) string {
	return s.LowerFunc + "(" + expr + ")"
}

func (s *Spec) Aggregate(aggregate string, expr string) (string, error) {
	tmpl, ok := s.Aggregations[strings.ToUpper(aggregate)]
	if !ok {
		return "", fmt.Errorf("unsupported aggregate %q", aggregate)
	}
	return strings.ReplaceAll(tmpl, "{col}", expr), nil
}

func (s *Spec) Moment(col string) string {
	return strings.ReplaceAll(s.MomentPart, "{col}", col)
}

// ExtractErrorMessage returns the part of a driver error worth showing to
// users.
func (s *Spec) ExtractErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if s.ErrorPattern != nil {
		if m := s.ErrorPattern.FindStringSubmatch(msg); len(m) > 1 {
			return strings.TrimSpace(m[1])
		}
	}
	return msg
}

var defaultAggregations = map[string]string{
	"SUM":            "SUM({col})",
	"AVG":            "AVG({col})",
	"MIN":            "MIN({col})",
	"MAX":            "MAX({col})",
	"COUNT":          "COUNT({col})",
	"COUNT_DISTINCT": "COUNT(DISTINCT {col})",
}

func isType(targetType string, names ...string) bool {
	t := strings.ToUpper(targetType)
	for _, n := range names {
		if strings.Contains(t, n) {
			return true
		}
	}
	return false
}
