package executor

import (
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/duckdb/duckdb-go/v2"

	"vizql/frame"
)

var matchDecimal = regexp.MustCompile(`^(DECIMAL|NUMERIC)(\(\d+,\s*\d+\))?$`)

// mapDBType maps a driver type name to a frame kind. Names differ between
// drivers, so unknown types fall back to KindOther and values decide later.
func mapDBType(dbType string) frame.Kind {
	t := strings.ToUpper(dbType)
	if i := strings.IndexByte(t, '('); i > 0 && !matchDecimal.MatchString(t) {
		t = t[:i]
	}
	switch t {
	case "BOOLEAN", "BOOL":
		return frame.KindBool
	case "VARCHAR", "TEXT", "STRING", "CHAR", "BPCHAR", "UUID", "BLOB", "ENUM",
		"FIXEDSTRING", "LOWCARDINALITY", "NAME":
		return frame.KindString
	case "DOUBLE", "FLOAT", "REAL", "FLOAT4", "FLOAT8", "FLOAT32", "FLOAT64",
		"INTEGER", "INT", "INT2", "INT4", "INT8", "INT16", "INT32", "INT64", "INT128", "INT256",
		"UINT8", "UINT16", "UINT32", "UINT64", "UINT128", "UINT256",
		"UINTEGER", "BIGINT", "SMALLINT", "TINYINT", "HUGEINT",
		"UBIGINT", "UHUGEINT", "USMALLINT", "UTINYINT", "INTERVAL":
		return frame.KindNumber
	case "DATE", "DATE32", "DATETIME", "DATETIME64", "TIMESTAMP", "TIMESTAMP_NS", "TIMESTAMP_MS",
		"TIMESTAMP_S", "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE":
		return frame.KindTime
	}
	if matchDecimal.MatchString(t) {
		return frame.KindNumber
	}
	return frame.KindOther
}

func normalize(kind frame.Kind, dbType string, v any) any {
	switch val := v.(type) {
	case duckdb.Interval:
		return float64(formatInterval(val))
	case duckdb.Decimal:
		return val.Float64()
	case []byte:
		if strings.EqualFold(dbType, "UUID") && len(val) == 16 {
			return formatUUID(val)
		}
	}
	v = frame.Value(v)
	if kind == frame.KindNumber {
		if s, ok := v.(string); ok {
			// numeric types some drivers return as text
			if f := frame.Float(s); !math.IsNaN(f) {
				return f
			}
		}
	}
	return v
}

func formatUUID(s []uint8) string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", s[0:4], s[4:6], s[6:8], s[8:10], s[10:16])
}

// interval in milliseconds
func formatInterval(interval duckdb.Interval) int64 {
	ms := interval.Micros / 1000
	ms += int64(interval.Days) * 24 * 60 * 60 * 1000
	ms += int64(interval.Months) * 30 * 24 * 60 * 60 * 1000
	return ms
}
