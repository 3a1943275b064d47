package sheets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/dhcgn/mail-to-sheets/model"
	"github.com/dhcgn/mail-to-sheets/retry"
)

// fakeSpreadsheet serves the subset of the Sheets API the writer uses.
type fakeSpreadsheet struct {
	mu        sync.Mutex
	tabs      map[string][][]any
	calls     []string
	failTab   string
	appendOpt []string
}

func newFakeSpreadsheet(tabs ...string) *fakeSpreadsheet {
	f := &fakeSpreadsheet{tabs: map[string][][]any{}}
	for _, t := range tabs {
		f.tabs[t] = nil
	}
	return f
}

func tabOf(rng string) string {
	name := rng[:strings.Index(rng, "!")]
	return strings.ReplaceAll(strings.Trim(name, "'"), "''", "'")
}

func (f *fakeSpreadsheet) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	path := r.URL.Path
	const prefix = "/v4/spreadsheets/sheet-1"
	if !strings.HasPrefix(path, prefix) {
		http.NotFound(w, r)
		return
	}
	rest := strings.TrimPrefix(path, prefix)

	switch {
	case rest == "" && r.Method == http.MethodGet:
		f.calls = append(f.calls, "get")
		var sheets []map[string]any
		for title := range f.tabs {
			sheets = append(sheets, map[string]any{"properties": map[string]any{"title": title}})
		}
		writeJSON(w, map[string]any{"sheets": sheets})

	case rest == ":batchUpdate":
		var req sheetsapi.BatchUpdateSpreadsheetRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		for _, q := range req.Requests {
			title := q.AddSheet.Properties.Title
			f.calls = append(f.calls, "add:"+title)
			f.tabs[title] = nil
		}
		writeJSON(w, map[string]any{})

	case strings.HasPrefix(rest, "/values/") && strings.HasSuffix(rest, ":append"):
		tab := tabOf(strings.TrimSuffix(strings.TrimPrefix(rest, "/values/"), ":append"))
		f.calls = append(f.calls, "append:"+tab)
		f.appendOpt = append(f.appendOpt, r.URL.Query().Get("valueInputOption")+"/"+r.URL.Query().Get("insertDataOption"))
		if tab == f.failTab {
			http.Error(w, `{"error":{"code":403,"message":"denied"}}`, http.StatusForbidden)
			return
		}
		var vr sheetsapi.ValueRange
		_ = json.NewDecoder(r.Body).Decode(&vr)
		f.tabs[tab] = append(f.tabs[tab], vr.Values...)
		writeJSON(w, map[string]any{})

	case strings.HasPrefix(rest, "/values/") && r.Method == http.MethodPut:
		tab := tabOf(strings.TrimPrefix(rest, "/values/"))
		f.calls = append(f.calls, "header:"+tab)
		var vr sheetsapi.ValueRange
		_ = json.NewDecoder(r.Body).Decode(&vr)
		f.tabs[tab] = append(vr.Values, f.tabs[tab]...)
		writeJSON(w, map[string]any{})

	case strings.HasPrefix(rest, "/values/") && r.Method == http.MethodGet:
		tab := tabOf(strings.TrimPrefix(rest, "/values/"))
		f.calls = append(f.calls, "read:"+tab)
		rows := f.tabs[tab]
		if len(rows) > 0 {
			rows = rows[1:]
		}
		writeJSON(w, map[string]any{"values": rows})

	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func newTestWriter(t *testing.T, fake *fakeSpreadsheet) *Writer {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	svc, err := NewService(context.Background(), srv.Client(), option.WithEndpoint(srv.URL+"/"))
	require.NoError(t, err)

	policy := retry.DefaultPolicy()
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	w, err := New(svc, Options{SpreadsheetID: "sheet-1", Retry: policy}, nil)
	require.NoError(t, err)
	return w
}

func TestWriter_LoadProcessedIDsCreatesTabs(t *testing.T) {
	fake := newFakeSpreadsheet("Sheet1")
	w := newTestWriter(t, fake)

	ids, err := w.LoadProcessedIDs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)

	assert.Equal(t, []string{
		"get", "add:Emails", "add:Processed", "header:Emails", "header:Processed", "read:Processed",
	}, fake.calls)
	assert.Equal(t, [][]any{{"From", "Subject", "Date", "Content"}}, fake.tabs["Emails"])
	assert.Equal(t, [][]any{{"messageId"}}, fake.tabs["Processed"])
}

func TestWriter_LoadProcessedIDsExistingTabs(t *testing.T) {
	fake := newFakeSpreadsheet("Emails", "Processed")
	fake.tabs["Processed"] = [][]any{{"messageId"}, {"m1"}, {}, {" m2 "}}
	w := newTestWriter(t, fake)

	ids, err := w.LoadProcessedIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, ids)
	assert.NotContains(t, fake.calls, "add:Emails")
}

func TestWriter_AppendBatchRowsBeforeIDs(t *testing.T) {
	fake := newFakeSpreadsheet("Emails", "Processed")
	w := newTestWriter(t, fake)

	rows := []model.ParsedRecord{{Sender: "a@x", Subject: "Invoice", ReceivedAt: "2024-01-01 00:00:00 UTC", Content: "hi"}}
	require.NoError(t, w.AppendBatch(context.Background(), rows, []string{"m1"}))

	assert.Equal(t, []string{"get", "append:Emails", "append:Processed"}, fake.calls)
	assert.Equal(t, []string{"RAW/INSERT_ROWS", "RAW/INSERT_ROWS"}, fake.appendOpt)
	assert.Equal(t, [][]any{{"a@x", "Invoice", "2024-01-01 00:00:00 UTC", "hi"}}, fake.tabs["Emails"])
	assert.Equal(t, [][]any{{"m1"}}, fake.tabs["Processed"])
}

func TestWriter_RowFailureSkipsIDs(t *testing.T) {
	fake := newFakeSpreadsheet("Emails", "Processed")
	fake.failTab = "Emails"
	w := newTestWriter(t, fake)

	err := w.AppendBatch(context.Background(), []model.ParsedRecord{{Subject: "x"}}, []string{"m1"})
	require.Error(t, err)
	assert.Equal(t, 403, retry.StatusCode(err))
	assert.NotContains(t, fake.calls, "append:Processed")
	assert.Empty(t, fake.tabs["Processed"])
}

func TestWriter_IDFailureKeepsRows(t *testing.T) {
	fake := newFakeSpreadsheet("Emails", "Processed")
	fake.failTab = "Processed"
	w := newTestWriter(t, fake)

	err := w.AppendBatch(context.Background(), []model.ParsedRecord{{Subject: "x"}}, []string{"m1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append processed ids")
	assert.Len(t, fake.tabs["Emails"], 1)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Options{SpreadsheetID: "x"}, nil)
	assert.Error(t, err)
	_, err = New(&sheetsapi.Service{}, Options{SpreadsheetID: " "}, nil)
	assert.Error(t, err)
}

func TestSheetRange(t *testing.T) {
	assert.Equal(t, "'Emails'!A2", sheetRange("Emails", "A2"))
	assert.Equal(t, "'Bob''s'!A1", sheetRange("Bob's", "A1"))
}
