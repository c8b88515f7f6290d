package dialect

import (
	"maps"
	"regexp"
	"time"
)

func init() {
	register(&Spec{
		Engine:        DUCKDB,
		Driver:        "duckdb",
		LowerFunc:     "lower",
		InnerJoins:    true,
		EpochToDttm:   "to_timestamp({col})",
		EpochMsToDttm: "to_timestamp({col} / 1000)",
		MomentPart:    "right(CONCAT('0000', {col}), 4)",
		Grains: []Grain{
			{Name: "Time Column", Label: "Time Column", Function: "{col}"},
			{Name: "second", Label: "second", Duration: "PT1S", Function: "date_trunc('second', {col})"},
			{Name: "minute", Label: "minute", Duration: "PT1M", Function: "date_trunc('minute', {col})"},
			{Name: "5 minute", Label: "5 minute", Duration: "PT5M", Function: "time_bucket(INTERVAL '5 minutes', {col})"},
			{Name: "10 minute", Label: "10 minute", Duration: "PT10M", Function: "time_bucket(INTERVAL '10 minutes', {col})"},
			{Name: "15 minute", Label: "15 minute", Duration: "PT15M", Function: "time_bucket(INTERVAL '15 minutes', {col})"},
			{Name: "half hour", Label: "half hour", Duration: "PT0.5H", Function: "time_bucket(INTERVAL '30 minutes', {col})"},
			{Name: "hour", Label: "hour", Duration: "PT1H", Function: "date_trunc('hour', {col})"},
			{Name: "day", Label: "day", Duration: "P1D", Function: "date_trunc('day', {col})"},
			{Name: "week", Label: "week", Duration: "P1W", Function: "date_trunc('week', {col})"},
			{Name: "month", Label: "month", Duration: "P1M", Function: "date_trunc('month', {col})"},
			{Name: "quarter", Label: "quarter", Duration: "P0.25Y", Function: "date_trunc('quarter', {col})"},
			{Name: "year", Label: "year", Duration: "P1Y", Function: "date_trunc('year', {col})"},
		},
		ConvertDttm: func(targetType string, t time.Time) string {
			switch {
			case isType(targetType, "TIMESTAMP", "DATETIME"):
				return "CAST('" + t.Format("2006-01-02 15:04:05") + "' AS TIMESTAMP)"
			case isType(targetType, "DATE"):
				return "CAST('" + t.Format("2006-01-02") + "' AS DATE)"
			}
			return ""
		},
		ErrorPattern: regexp.MustCompile(`(?s)^(?:[A-Za-z ]+ Error: )?(.+)$`),
		Aggregations: maps.Clone(defaultAggregations),
	})

	register(&Spec{
		Engine:        SQLITE,
		Driver:        "sqlite",
		LowerFunc:     "lower",
		InnerJoins:    true,
		EpochToDttm:   "datetime({col}, 'unixepoch')",
		EpochMsToDttm: "datetime({col} / 1000, 'unixepoch')",
		MomentPart:    "substr('0000' || {col}, -4)",
		Grains: []Grain{
			{Name: "Time Column", Label: "Time Column", Function: "{col}"},
			{Name: "second", Label: "second", Duration: "PT1S", Function: "DATETIME(STRFTIME('%Y-%m-%dT%H:%M:%S', {col}))"},
			{Name: "minute", Label: "minute", Duration: "PT1M", Function: "DATETIME(STRFTIME('%Y-%m-%dT%H:%M:00', {col}))"},
			{Name: "hour", Label: "hour", Duration: "PT1H", Function: "DATETIME(STRFTIME('%Y-%m-%dT%H:00:00', {col}))"},
			{Name: "day", Label: "day", Duration: "P1D", Function: "DATETIME({col}, 'start of day')"},
			{Name: "week", Label: "week", Duration: "P1W", Function: "DATETIME({col}, 'start of day', -strftime('%w', {col}) || ' days')"},
			{Name: "month", Label: "month", Duration: "P1M", Function: "DATETIME({col}, 'start of month')"},
			{Name: "year", Label: "year", Duration: "P1Y", Function: "DATETIME({col}, 'start of year')"},
		},
		ConvertDttm: func(targetType string, t time.Time) string {
			return "'" + t.Format("2006-01-02 15:04:05") + "'"
		},
		Aggregations: maps.Clone(defaultAggregations),
	})

	register(&Spec{
		Engine:        POSTGRESQL,
		Driver:        "pgx",
		LowerFunc:     "lower",
		InnerJoins:    true,
		EpochToDttm:   "(timestamp 'epoch' + {col} * interval '1 second')",
		EpochMsToDttm: "(timestamp 'epoch' + {col} / 1000 * interval '1 second')",
		MomentPart:    "right(CONCAT('0000', {col}), 4)",
		Grains: []Grain{
			{Name: "Time Column", Label: "Time Column", Function: "{col}"},
			{Name: "second", Label: "second", Duration: "PT1S", Function: "DATE_TRUNC('second', {col}) AT TIME ZONE 'UTC'"},
			{Name: "minute", Label: "minute", Duration: "PT1M", Function: "DATE_TRUNC('minute', {col}) AT TIME ZONE 'UTC'"},
			{Name: "hour", Label: "hour", Duration: "PT1H", Function: "DATE_TRUNC('hour', {col}) AT TIME ZONE 'UTC'"},
			{Name: "day", Label: "day", Duration: "P1D", Function: "DATE_TRUNC('day', {col}) AT TIME ZONE 'UTC'"},
			{Name: "week", Label: "week", Duration: "P1W", Function: "DATE_TRUNC('week', {col}) AT TIME ZONE 'UTC'"},
			{Name: "month", Label: "month", Duration: "P1M", Function: "DATE_TRUNC('month', {col}) AT TIME ZONE 'UTC'"},
			{Name: "quarter", Label: "quarter", Duration: "P0.25Y", Function: "DATE_TRUNC('quarter', {col}) AT TIME ZONE 'UTC'"},
			{Name: "year", Label: "year", Duration: "P1Y", Function: "DATE_TRUNC('year', {col}) AT TIME ZONE 'UTC'"},
		},
		ConvertDttm: func(targetType string, t time.Time) string {
			return "'" + t.Format("2006-01-02 15:04:05") + "'"
		},
		ErrorPattern: regexp.MustCompile(`(?s)^ERROR: (.+?)(?: \(SQLSTATE \w+\))?$`),
		Aggregations: maps.Clone(defaultAggregations),
	})

	chAggregations := maps.Clone(defaultAggregations)
	chAggregations["COUNT_DISTINCT"] = "uniqExact({col})"
	register(&Spec{
		Engine:         CLICKHOUSE,
		Driver:         "clickhouse",
		LowerFunc:      "lowerUTF8",
		InnerJoins:     false,
		WeightedMoment: true,
		EpochToDttm:    "toDateTime({col})",
		EpochMsToDttm:  "toDateTime(intDiv({col}, 1000))",
		MomentPart:     "{col}",
		Grains: []Grain{
			{Name: "Time Column", Label: "Time Column", Function: "{col}"},
			{Name: "minute", Label: "minute", Duration: "PT1M", Function: "toStartOfMinute(toDateTime({col}))"},
			{Name: "5 minute", Label: "5 minute", Duration: "PT5M", Function: "toDateTime(intDiv(toUInt32(toDateTime({col})), 300)*300)"},
			{Name: "10 minute", Label: "10 minute", Duration: "PT10M", Function: "toDateTime(intDiv(toUInt32(toDateTime({col})), 600)*600)"},
			{Name: "15 minute", Label: "15 minute", Duration: "PT15M", Function: "toDateTime(intDiv(toUInt32(toDateTime({col})), 900)*900)"},
			{Name: "half hour", Label: "half hour", Duration: "PT0.5H", Function: "toDateTime(intDiv(toUInt32(toDateTime({col})), 1800)*1800)"},
			{Name: "hour", Label: "hour", Duration: "PT1H", Function: "toStartOfHour(toDateTime({col}))"},
			{Name: "day", Label: "day", Duration: "P1D", Function: "toStartOfDay(toDateTime({col}))"},
			{Name: "week", Label: "week", Duration: "P1W", Function: "toMonday(toDateTime({col}))"},
			{Name: "month", Label: "month", Duration: "P1M", Function: "toStartOfMonth(toDateTime({col}))"},
			{Name: "quarter", Label: "quarter", Duration: "P0.25Y", Function: "toStartOfQuarter(toDateTime({col}))"},
			{Name: "year", Label: "year", Duration: "P1Y", Function: "toStartOfYear(toDateTime({col}))"},
		},
		ConvertDttm: func(targetType string, t time.Time) string {
			switch {
			case isType(targetType, "DATETIME"):
				return "toDateTime('" + t.Format("2006-01-02 15:04:05") + "')"
			case isType(targetType, "DATE"):
				return "toDate('" + t.Format("2006-01-02") + "')"
			}
			return ""
		},
		ErrorPattern: regexp.MustCompile(`(?s)(?:code: \d+, message: |Code: \d+\. DB::Exception: )(.+?)(?:\. \(\w+\))?$`),
		Aggregations: chAggregations,
	})
}
