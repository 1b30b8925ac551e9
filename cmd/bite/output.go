package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/nucleus/tracker-core/internal/checkpoint"
	"github.com/nucleus/tracker-core/pkg/tracker"
)

var defaultColumns = []string{"status", "creator", "created", "summary"}

// printer writes one tab-separated row per entity. Safe for concurrent use.
type printer struct {
	mu      sync.Mutex
	tw      *tabwriter.Writer
	columns []string
}

func newPrinter(w io.Writer, columns []string) *printer {
	if len(columns) == 0 {
		columns = defaultColumns
	}
	return &printer{
		tw:      tabwriter.NewWriter(w, 0, 4, 2, ' ', 0),
		columns: columns,
	}
}

func (p *printer) Write(service string, e tracker.Entity) error {
	row := formatRow(service, e, p.columns)
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := fmt.Fprintln(p.tw, strings.Join(row, "\t"))
	return err
}

func (p *printer) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.tw.Flush()
}

func formatRow(service string, e tracker.Entity, columns []string) []string {
	row := []string{service, string(e.EntityKind()), e.EntityID()}
	switch v := e.(type) {
	case *tracker.Bug:
		for _, c := range columns {
			if c == "id" {
				continue
			}
			row = append(row, formatValue(v.Get(c)))
		}
	case *tracker.Comment:
		row = append(row, v.BugID, formatValue(v.Created), orDash(v.Creator), firstLine(v.Text))
	case *tracker.Change:
		row = append(row, v.BugID, formatValue(v.Created), orDash(v.Creator), formatFieldChanges(v.Changes))
	}
	return row
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "-"
	case string:
		return orDash(v)
	case time.Time:
		if v.IsZero() {
			return "-"
		}
		return v.UTC().Format(time.RFC3339)
	case []string:
		if len(v) == 0 {
			return "-"
		}
		return strings.Join(v, ",")
	}
	return fmt.Sprint(v)
}

func formatFieldChanges(changes []tracker.FieldChange) string {
	parts := make([]string, 0, len(changes))
	for _, fc := range changes {
		parts = append(parts, fmt.Sprintf("%s: %s -> %s", fc.Field, orDash(fc.Removed), orDash(fc.Added)))
	}
	return strings.Join(parts, "; ")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i] + " ..."
	}
	return orDash(s)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func listServices(w io.Writer, r *tracker.Registry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDIALECT\tURL\tALIASES")
	for _, name := range r.Names() {
		d, ok := r.Descriptor(name)
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.Name, d.Dialect, d.Endpoint, formatValue(d.Aliases))
	}
	return tw.Flush()
}

// parseWhen accepts RFC 3339, minute precision, or a bare date (UTC).
func parseWhen(s string) (time.Time, error) {
	return tracker.ParseTime(s, "2006-01-02T15:04", "2006-01-02 15:04", "2006-01-02")
}

func openStore(ctx context.Context, dsn string) (checkpoint.Store, error) {
	if dsn == "" {
		logger.Warn("no checkpoint_dsn configured, watermarks last for this run only")
		return checkpoint.NewMemoryStore(), nil
	}
	return checkpoint.NewPostgresStore(ctx, dsn)
}
