package util

import (
	"regexp"
	"strings"
)

var plainIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func EscapeSQLString(str string) string {
	escaped := strings.ReplaceAll(str, "'", "''")
	escaped = strings.ReplaceAll(escaped, "\x00", "") // Remove null bytes
	escaped = strings.ReplaceAll(escaped, "\x1a", "") // Remove ctrl+Z
	return escaped
}

// QuoteString renders str as a single quoted SQL string literal.
func QuoteString(str string) string {
	return "'" + EscapeSQLString(str) + "'"
}

func EscapeSQLIdentifier(str string) string {
	escaped := strings.ReplaceAll(str, "\"", "\"\"")
	escaped = strings.ReplaceAll(escaped, "\x00", "") // Remove null bytes
	escaped = strings.ReplaceAll(escaped, "\n", " ")  // Replace newlines
	escaped = strings.ReplaceAll(escaped, "\r", " ")  // Replace carriage returns
	escaped = strings.ReplaceAll(escaped, "\x1a", "") // Remove ctrl+Z
	return escaped
}

// QuoteIdentifier quotes names that are not plain lower/upper-case identifiers.
// Plain names are kept as they are so generated SQL stays readable.
func QuoteIdentifier(name string) string {
	if plainIdentifier.MatchString(name) {
		return name
	}
	return "\"" + EscapeSQLIdentifier(name) + "\""
}

// StripSQLComments removes line and block comments outside of string literals
// and drops lines that end up empty.
func StripSQLComments(sql string) string {
	var out strings.Builder
	inString := false
	for i := 0; i < len(sql); i++ {
		ch := sql[i]
		switch {
		case inString:
			out.WriteByte(ch)
			if ch == '\'' {
				inString = false
			}
		case ch == '\'':
			inString = true
			out.WriteByte(ch)
		case ch == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			if i < len(sql) {
				out.WriteByte('\n')
			}
		case ch == '/' && i+1 < len(sql) && sql[i+1] == '*':
			end := strings.Index(sql[i+2:], "*/")
			if end < 0 {
				i = len(sql)
			} else {
				i += end + 3
			}
		default:
			out.WriteByte(ch)
		}
	}
	var result strings.Builder
	for line := range strings.SplitSeq(out.String(), "\n") {
		if strings.TrimSpace(line) != "" {
			if result.Len() > 0 {
				result.WriteString("\n")
			}
			result.WriteString(strings.TrimRight(line, " \t"))
		}
	}
	return result.String()
}
