package compiler

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"vizql/query"
	"vizql/util"
)

// TemplateContext carries request values virtual datasource SQL and custom
// where / having clauses may reference.
type TemplateContext struct {
	UserID    string
	URLParams map[string]string
}

type templateData struct {
	FromDttm   string
	ToDttm     string
	Groupby    []string
	Metrics    []string
	RowLimit   int
	PageLength int
	PageOffset int
}

type templateProcessor struct {
	funcs template.FuncMap
	data  templateData
}

func (c *Compiler) templateProcessor(q *query.QueryObject) *templateProcessor {
	data := templateData{
		FromDttm:   formatDttm(q.FromDttm),
		ToDttm:     formatDttm(q.ToDttm),
		Groupby:    q.Groupby,
		Metrics:    q.MetricLabels(),
		RowLimit:   q.RowLimit,
		PageLength: q.PageLength,
		PageOffset: q.PageOffset,
	}
	ctx := c.Template
	return &templateProcessor{
		data: data,
		funcs: template.FuncMap{
			"filterValues": func(col string) []string { return filterValues(q.Filter, col) },
			"currentUserID": func() string {
				return ctx.UserID
			},
			"urlParam": func(name string, def ...string) string {
				if v, ok := ctx.URLParams[name]; ok {
					return v
				}
				if len(def) > 0 {
					return def[0]
				}
				return ""
			},
			"join":  func(sep string, items []string) string { return strings.Join(items, sep) },
			"quote": util.QuoteString,
			"quoteAll": func(items []string) []string {
				out := make([]string, len(items))
				for i, item := range items {
					out[i] = util.QuoteString(item)
				}
				return out
			},
		},
	}
}

// process renders text as a template. Text without actions is returned as is.
func (p *templateProcessor) process(text string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := template.New("sql").Funcs(p.funcs).Option("missingkey=zero").Parse(text)
	if err != nil {
		return "", fmt.Errorf("error parsing sql template: %w", err)
	}
	var sb strings.Builder
	if err := t.Execute(&sb, p.data); err != nil {
		return "", fmt.Errorf("error rendering sql template: %w", err)
	}
	return sb.String(), nil
}

// filterValues collects the values of the in / == filters on col, looking
// into groups.
func filterValues(filters []query.Filter, col string) []string {
	var out []string
	for _, f := range filters {
		if f.IsGroup() {
			out = append(out, filterValues(f.Children, col)...)
			continue
		}
		if f.Col != col {
			continue
		}
		switch strings.ToLower(f.Op) {
		case "in", "==":
		default:
			continue
		}
		switch v := f.Val.(type) {
		case []any:
			for _, item := range v {
				out = append(out, fmt.Sprint(item))
			}
		case []string:
			out = append(out, v...)
		case nil:
		default:
			out = append(out, fmt.Sprint(v))
		}
	}
	return out
}

func formatDttm(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format("2006-01-02 15:04:05")
}
