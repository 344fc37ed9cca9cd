package evidence

import (
	"strconv"
	"strings"
	"time"

	"scriptguard/internal/domain"
)

// Timestamps in exports and the manifest use millisecond UTC ISO-8601.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

var (
	scriptColumns = []string{"id", "src", "inline_snippet_hash", "integrity", "first_seen_at", "last_seen_at", "status"}
	diffColumns   = []string{"id", "type", "severity", "summary", "created_at", "run_id", "script_id"}
	runColumns    = []string{"id", "mode", "status", "started_at", "ended_at", "error_code", "error_message", "created_at"}
)

// csvField quotes a value containing a comma, quote or newline and doubles
// embedded quotes. Everything else is written verbatim.
func csvField(s string) string {
	if !strings.ContainsAny(s, ",\"\n") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// toCSV joins a header and rows with "\n" and no trailing newline.
func toCSV(header []string, rows [][]string) []byte {
	var b strings.Builder
	b.WriteString(strings.Join(header, ","))
	b.WriteByte('\n')
	for i, row := range rows {
		if i > 0 {
			b.WriteByte('\n')
		}
		for j, f := range row {
			if j > 0 {
				b.WriteByte(',')
			}
			b.WriteString(csvField(f))
		}
	}
	return []byte(b.String())
}

func scriptsCSV(scripts []domain.Script) []byte {
	rows := make([][]string, 0, len(scripts))
	for _, s := range scripts {
		rows = append(rows, []string{
			s.ID, str(s.Src), str(s.InlineSnippetHash), str(s.Integrity),
			ts(s.FirstSeenAt), ts(s.LastSeenAt), string(s.Status),
		})
	}
	return toCSV(scriptColumns, rows)
}

func diffsCSV(diffs []domain.DiffEvent) []byte {
	rows := make([][]string, 0, len(diffs))
	for _, d := range diffs {
		rows = append(rows, []string{
			d.ID, string(d.Type), string(d.Severity), d.Summary, ts(d.CreatedAt), d.RunID, str(d.ScriptID),
		})
	}
	return toCSV(diffColumns, rows)
}

func runsCSV(runs []domain.ScanRun) []byte {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		rows = append(rows, []string{
			r.ID, string(r.Mode), string(r.Status), tsPtr(r.StartedAt), tsPtr(r.EndedAt),
			str(r.ErrorCode), str(r.ErrorMessage), ts(r.CreatedAt),
		})
	}
	return toCSV(runColumns, rows)
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(isoMillis)
}

func tsPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return ts(*t)
}

func itoa(n int) string { return strconv.Itoa(n) }
