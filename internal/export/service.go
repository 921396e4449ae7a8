package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/rpattn/journaled/internal/domain"
)

// Format selects the file type written by the exporter.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

const sheetName = "Journal"

// ParseFormat accepts "xlsx" and "csv", case-insensitively.
func ParseFormat(value string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(value))) {
	case FormatXLSX, "":
		return FormatXLSX, nil
	case FormatCSV:
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: unsupported export format %q", domain.ErrValidation, value)
}

// ContentType returns the MIME type of the format.
func (f Format) ContentType() string {
	if f == FormatCSV {
		return "text/csv"
	}
	return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
}

// JournalReader is the slice of the journal store the exporter needs.
type JournalReader interface {
	Entries(ctx context.Context, ref domain.EntityRef) ([]domain.JournalEntry, error)
}

// NameResolver renders a named_association value, e.g. a status id as the
// status name. It reports false when the value is unknown.
type NameResolver func(ctx context.Context, kind domain.EntityKind, field string, value any) (string, bool)

// Service renders entity journals as spreadsheets. It owns every display
// decision; the journal only supplies raw changesets.
type Service struct {
	journal    JournalReader
	formatters *domain.FormatterRegistry
	names      NameResolver
	location   *time.Location
}

type Option func(*Service)

// WithNameResolver sets the lookup used by named_association fields.
func WithNameResolver(resolver NameResolver) Option {
	return func(s *Service) {
		s.names = resolver
	}
}

// WithLocation renders datetimes in loc instead of UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) {
		if loc != nil {
			s.location = loc
		}
	}
}

func NewService(journal JournalReader, formatters *domain.FormatterRegistry, opts ...Option) *Service {
	if formatters == nil {
		formatters = domain.NewFormatterRegistry()
	}
	s := &Service{
		journal:    journal,
		formatters: formatters,
		location:   time.UTC,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var headers = []string{"Version", "Created At", "Author", "Notes", "Field", "Old Value", "New Value"}

// Rows flattens the journal of ref into one row per field change. Entries
// without changes (the initial entry, notes-only entries) yield one row
// with empty field columns.
func (s *Service) Rows(ctx context.Context, ref domain.EntityRef) ([][]string, error) {
	entries, err := s.journal.Entries(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("load journal of %s: %w", ref, err)
	}
	var rows [][]string
	for _, entry := range entries {
		prefix := []string{
			strconv.FormatInt(entry.Version, 10),
			entry.CreatedAt.In(s.location).Format(time.RFC3339),
			formatAuthor(entry.AuthorID),
			entry.Notes,
		}
		if entry.Changeset.IsEmpty() {
			rows = append(rows, append(prefix, "", "", ""))
			continue
		}
		for _, change := range entry.Changeset.Changes() {
			row := append(append([]string(nil), prefix...),
				change.Field,
				s.render(ctx, ref.Kind, change.Field, change.Old),
				s.render(ctx, ref.Kind, change.Field, change.New),
			)
			rows = append(rows, row)
		}
	}
	return rows, nil
}

// Write renders the journal of ref to w and returns the bytes written.
func (s *Service) Write(ctx context.Context, w io.Writer, ref domain.EntityRef, format Format) (int64, error) {
	rows, err := s.Rows(ctx, ref)
	if err != nil {
		return 0, err
	}
	counter := &countingWriter{writer: bufio.NewWriterSize(w, 64<<10)}
	switch format {
	case FormatCSV:
		err = writeCSV(counter, rows)
	default:
		err = writeXLSX(counter, rows)
	}
	if err != nil {
		return counter.count, err
	}
	if err := counter.writer.Flush(); err != nil {
		return counter.count, fmt.Errorf("flush export: %w", err)
	}
	return counter.count, nil
}

// FileName builds the download name for ref's journal.
func FileName(ref domain.EntityRef, format Format) string {
	return fmt.Sprintf("%s-%s-journal.%s", sanitizeFileComponent(string(ref.Kind)), ref.ID.String(), format)
}

func writeCSV(w io.Writer, rows [][]string) error {
	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(headers); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if err := csvWriter.WriteAll(rows); err != nil {
		return fmt.Errorf("write rows: %w", err)
	}
	return nil
}

func writeXLSX(w io.Writer, rows [][]string) error {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("name sheet: %w", err)
	}
	stream, err := f.NewStreamWriter(sheetName)
	if err != nil {
		return fmt.Errorf("open sheet stream: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	if err := stream.SetRow("A1", toCells(headers), excelize.RowOpts{StyleID: bold}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := stream.SetRow(cell, toCells(row)); err != nil {
			return fmt.Errorf("write row %d: %w", i+2, err)
		}
	}
	if err := stream.Flush(); err != nil {
		return fmt.Errorf("flush sheet: %w", err)
	}
	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func toCells(values []string) []interface{} {
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return cells
}

func (s *Service) render(ctx context.Context, kind domain.EntityKind, field string, value any) string {
	if domain.IsBlank(value) {
		return ""
	}
	tag, _ := s.formatters.Lookup(kind, field)
	switch tag {
	case domain.FormatDatetime:
		if t, ok := parseTime(value); ok {
			return t.In(s.location).Format("2006-01-02 15:04")
		}
	case domain.FormatFraction:
		if f, ok := toFloat(value); ok {
			return strconv.FormatFloat(math.Round(f*100)/100, 'f', -1, 64) + "%"
		}
	case domain.FormatNamedAssociation:
		if s.names != nil {
			if name, ok := s.names(ctx, kind, field, value); ok {
				return name
			}
		}
		return "#" + formatValue(value)
	case domain.FormatID:
		return "#" + formatValue(value)
	}
	return formatValue(value)
}

type countingWriter struct {
	writer *bufio.Writer
	count  int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.writer.Write(p)
	c.count += int64(n)
	return n, err
}

func formatAuthor(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}

func formatValue(value any) string {
	if value == nil {
		return ""
	}
	switch v := value.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case bool:
		if v {
			return "true"
		}
		return "false"
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32, int, int32, int64, uint, uint32, uint64:
		return fmt.Sprintf("%v", v)
	case []byte:
		return string(v)
	case map[string]any, []any:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func parseTime(value any) (time.Time, bool) {
	switch v := value.(type) {
	case time.Time:
		return v, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func sanitizeFileComponent(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return ""
	}
	builder := strings.Builder{}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
			builder.WriteRune(r)
		case r >= '0' && r <= '9':
			builder.WriteRune(r)
		case r == '-' || r == '_':
			builder.WriteRune(r)
		default:
			builder.WriteRune('-')
		}
	}
	result := strings.Trim(builder.String(), "-")
	if result == "" {
		return "export"
	}
	return result
}
