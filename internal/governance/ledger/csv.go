package ledger

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MaxExportRows caps a single CSV export.
const MaxExportRows = 50000

var csvHeader = []string{
	"id", "organization_id", "agent_type", "decision_type", "entity_type", "entity_id", "entity_name",
	"prompt_tokens", "completion_tokens", "total_tokens", "cost", "confidence", "execution_time_ms",
	"success", "error_message", "status", "requires_approval", "requested_by", "approval_deadline",
	"reviewed_by", "reviewed_at", "review_notes", "was_applied", "applied_at", "actual_outcome",
	"version", "created_at", "updated_at",
}

// CSVWriter streams records as CSV, writing the header before the first row.
type CSVWriter struct {
	w      *csv.Writer
	header bool
}

func NewCSVWriter(w io.Writer) *CSVWriter {
	return &CSVWriter{w: csv.NewWriter(w)}
}

func (c *CSVWriter) Write(r *Record) error {
	if !c.header {
		if err := c.w.Write(csvHeader); err != nil {
			return fmt.Errorf("writing csv header: %w", err)
		}
		c.header = true
	}
	row := []string{
		r.ID.String(), r.OrganizationID.String(), text(r.AgentType), text(r.DecisionType), text(r.EntityType),
		text(r.EntityID), text(r.EntityName), itoa(r.PromptTokens), itoa(r.CompletionTokens), itoa(r.TotalTokens()),
		r.Cost.String(), nullDecimal(r.Confidence), itoa(r.ExecutionTimeMs), strconv.FormatBool(r.Success),
		text(r.ErrorMessage), string(r.Status),
		strconv.FormatBool(r.RequiresApproval), r.RequestedBy.String(), timePtr(r.ApprovalDeadline),
		uuidPtr(r.ReviewedBy), timePtr(r.ReviewedAt), text(r.ReviewNotes), strconv.FormatBool(r.WasApplied),
		timePtr(r.AppliedAt), text(r.ActualOutcome), strconv.Itoa(r.Version),
		r.CreatedAt.UTC().Format(time.RFC3339Nano), r.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	if err := c.w.Write(row); err != nil {
		return fmt.Errorf("writing csv row: %w", err)
	}
	return nil
}

// Flush writes buffered rows. A header is emitted even when no rows were written.
func (c *CSVWriter) Flush() error {
	if !c.header {
		if err := c.w.Write(csvHeader); err != nil {
			return fmt.Errorf("writing csv header: %w", err)
		}
		c.header = true
	}
	c.w.Flush()
	return c.w.Error()
}

// WriteCSV writes recs with a header row.
func WriteCSV(w io.Writer, recs []Record) error {
	cw := NewCSVWriter(w)
	for i := range recs {
		if err := cw.Write(&recs[i]); err != nil {
			return err
		}
	}
	return cw.Flush()
}

// ReadCSV parses an export produced by WriteCSV. Columns are matched by header
// name so column order does not matter; a leading UTF-8 BOM is ignored.
func ReadCSV(r io.Reader) ([]Record, error) {
	br := bufio.NewReader(r)
	if bom, err := br.Peek(3); err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		_, _ = br.Discard(3)
	}
	cr := csv.NewReader(br)

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading csv: missing header")
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[h] = i
	}
	for _, h := range csvHeader {
		if _, ok := cols[h]; !ok {
			return nil, fmt.Errorf("reading csv: missing column %q", h)
		}
	}

	var out []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv line %d: %w", line, err)
		}
		rec, err := parseRow(func(name string) string { return row[cols[name]] })
		if err != nil {
			return nil, fmt.Errorf("parsing csv line %d: %w", line, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// rowParser accumulates the first parse error so parseRow reads linearly.
type rowParser struct {
	get func(string) string
	err error
}

func (p *rowParser) fail(col string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("column %s: %w", col, err)
	}
}

func (p *rowParser) text(col string) string {
	return untext(p.get(col))
}

func (p *rowParser) id(col string) uuid.UUID {
	id, err := uuid.Parse(p.get(col))
	if err != nil {
		p.fail(col, err)
	}
	return id
}

func (p *rowParser) optID(col string) *uuid.UUID {
	if p.get(col) == "" {
		return nil
	}
	id := p.id(col)
	return &id
}

func (p *rowParser) num(col string) int64 {
	n, err := strconv.ParseInt(p.get(col), 10, 64)
	if err != nil {
		p.fail(col, err)
	}
	return n
}

func (p *rowParser) flag(col string) bool {
	b, err := strconv.ParseBool(p.get(col))
	if err != nil {
		p.fail(col, err)
	}
	return b
}

func (p *rowParser) dec(col string) decimal.Decimal {
	d, err := decimal.NewFromString(p.get(col))
	if err != nil {
		p.fail(col, err)
	}
	return d
}

func (p *rowParser) ts(col string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, p.get(col))
	if err != nil {
		p.fail(col, err)
	}
	return t
}

func (p *rowParser) optTS(col string) *time.Time {
	if p.get(col) == "" {
		return nil
	}
	t := p.ts(col)
	return &t
}

func parseRow(get func(string) string) (Record, error) {
	p := &rowParser{get: get}
	rec := Record{
		ID:               p.id("id"),
		OrganizationID:   p.id("organization_id"),
		AgentType:        p.text("agent_type"),
		DecisionType:     p.text("decision_type"),
		EntityType:       p.text("entity_type"),
		EntityID:         p.text("entity_id"),
		EntityName:       p.text("entity_name"),
		PromptTokens:     p.num("prompt_tokens"),
		CompletionTokens: p.num("completion_tokens"),
		Cost:             p.dec("cost"),
		ExecutionTimeMs:  p.num("execution_time_ms"),
		Success:          p.flag("success"),
		ErrorMessage:     p.text("error_message"),
		Status:           Status(get("status")),
		RequiresApproval: p.flag("requires_approval"),
		RequestedBy:      p.id("requested_by"),
		ApprovalDeadline: p.optTS("approval_deadline"),
		ReviewedBy:       p.optID("reviewed_by"),
		ReviewedAt:       p.optTS("reviewed_at"),
		ReviewNotes:      p.text("review_notes"),
		WasApplied:       p.flag("was_applied"),
		AppliedAt:        p.optTS("applied_at"),
		ActualOutcome:    p.text("actual_outcome"),
		Version:          int(p.num("version")),
		CreatedAt:        p.ts("created_at"),
		UpdatedAt:        p.ts("updated_at"),
	}
	if c := get("confidence"); c != "" {
		rec.Confidence = decimal.NewNullDecimal(p.dec("confidence"))
	}
	if !rec.Status.Valid() {
		p.fail("status", fmt.Errorf("unknown status %q", rec.Status))
	}
	return rec, p.err
}

// encoding/csv folds "\r\n" inside quoted fields into "\n", so free-text
// columns carry carriage returns as the two characters `\r` and backslashes
// doubled.
var textEscaper = strings.NewReplacer(`\`, `\\`, "\r", `\r`)

func text(s string) string { return textEscaper.Replace(s) }

func untext(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '\\':
				b.WriteByte('\\')
				i++
				continue
			case 'r':
				b.WriteByte('\r')
				i++
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }

func nullDecimal(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

func timePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func uuidPtr(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
