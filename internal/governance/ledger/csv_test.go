package ledger

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCSV_RoundTrip(t *testing.T) {
	reviewer := uuid.New()
	reviewedAt := t0.Add(3 * time.Hour)
	deadline := t0.Add(24 * time.Hour)

	plain := newRecord(uuid.New(), 1200, t0)
	tricky := newRecord(uuid.New(), 7, t0.Add(time.Minute))
	tricky.EntityName = `Sprint "Q3", phase 2`
	tricky.ReviewNotes = "line one\nline two, with comma"
	tricky.ActualOutcome = `assigned to "dana"`
	tricky.ErrorMessage = ""
	tricky.Confidence = decimal.NewNullDecimal(decimal.RequireFromString("0.9375"))
	tricky.Status = StatusApplied
	tricky.RequiresApproval = true
	tricky.ApprovalDeadline = &deadline
	tricky.ReviewedBy = &reviewer
	tricky.ReviewedAt = &reviewedAt
	tricky.WasApplied = true
	tricky.AppliedAt = &reviewedAt
	tricky.Version = 2
	failed := newRecord(uuid.New(), 0, t0.Add(2*time.Minute))
	failed.Success = false
	failed.ErrorMessage = "provider timeout\r\nretry at C:\\agents\\run"
	failed.Status = StatusPending
	crlf := newRecord(uuid.New(), 3, t0.Add(3*time.Minute))
	crlf.ReviewNotes = "line one\r\nline two\r"
	crlf.ActualOutcome = `literal \r stays literal`
	crlf.EntityName = "\\\r"

	src := []Record{*plain, *tricky, *failed, *crlf}

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, src))

	got, err := ReadCSV(&buf)
	require.NoError(t, err)
	require.Len(t, got, len(src))

	for i := range src {
		want := src[i]
		assert.True(t, want.Cost.Equal(got[i].Cost), "cost row %d", i)
		assert.Equal(t, want.Confidence.Valid, got[i].Confidence.Valid, "confidence row %d", i)
		if want.Confidence.Valid {
			assert.True(t, want.Confidence.Decimal.Equal(got[i].Confidence.Decimal))
		}
		want.Cost, got[i].Cost = decimal.Zero, decimal.Zero
		want.Confidence, got[i].Confidence = decimal.NullDecimal{}, decimal.NullDecimal{}
		assert.Equal(t, want, got[i], "row %d", i)
	}
}

func TestCSV_EmptyExportHasHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))
	assert.True(t, strings.HasPrefix(buf.String(), "id,organization_id,"))

	got, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCSV_ReadRejectsBadInput(t *testing.T) {
	_, err := ReadCSV(strings.NewReader(""))
	assert.Error(t, err)

	_, err = ReadCSV(strings.NewReader("id,organization_id\n"))
	assert.ErrorContains(t, err, "missing column")

	var buf bytes.Buffer
	rec := newRecord(uuid.New(), 1, t0)
	rec.Status = "archived"
	require.NoError(t, WriteCSV(&buf, []Record{*rec}))
	_, err = ReadCSV(&buf)
	assert.ErrorContains(t, err, "unknown status")
}

func TestCSV_ReadIgnoresBOM(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xEF, 0xBB, 0xBF})
	require.NoError(t, WriteCSV(&buf, []Record{*newRecord(uuid.New(), 5, t0)}))

	got, err := ReadCSV(&buf)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestCSV_TextEscaping(t *testing.T) {
	for _, s := range []string{"", "plain", "a\r\nb", `C:\tmp`, `\r`, `\\r`, "\\\r", `trailing \`} {
		assert.NotContains(t, text(s), "\r", "escaped %q", s)
		assert.Equal(t, s, untext(text(s)), "round trip %q", s)
	}
}
