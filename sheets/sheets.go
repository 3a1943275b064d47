package sheets

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/dhcgn/mail-to-sheets/model"
	"github.com/dhcgn/mail-to-sheets/retry"
)

const (
	DefaultDataSheet      = "Emails"
	DefaultProcessedSheet = "Processed"

	valueInputRaw   = "RAW"
	insertRows      = "INSERT_ROWS"
	firstDataRowRef = "A2"
)

type Options struct {
	SpreadsheetID  string
	DataSheet      string
	ProcessedSheet string
	Retry          retry.Policy
}

// Writer appends parsed rows and processed ids to a spreadsheet.
type Writer struct {
	svc     *sheetsapi.Service
	opts    Options
	logger  *slog.Logger
	ensured bool
}

// NewService builds a Sheets API service on an authorized HTTP client.
func NewService(ctx context.Context, httpClient *http.Client, extra ...option.ClientOption) (*sheetsapi.Service, error) {
	opts := append([]option.ClientOption{option.WithHTTPClient(httpClient)}, extra...)
	svc, err := sheetsapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return svc, nil
}

func New(svc *sheetsapi.Service, opts Options, logger *slog.Logger) (*Writer, error) {
	if svc == nil {
		return nil, fmt.Errorf("sheets service must not be nil")
	}
	if strings.TrimSpace(opts.SpreadsheetID) == "" {
		return nil, fmt.Errorf("spreadsheet id is empty")
	}
	if opts.DataSheet == "" {
		opts.DataSheet = DefaultDataSheet
	}
	if opts.ProcessedSheet == "" {
		opts.ProcessedSheet = DefaultProcessedSheet
	}
	if opts.Retry.Logger == nil {
		opts.Retry.Logger = logger
	}
	return &Writer{svc: svc, opts: opts, logger: logger}, nil
}

// LoadProcessedIDs ensures both tabs exist and returns the ids stored
// below the header of the processed tab.
func (w *Writer) LoadProcessedIDs(ctx context.Context) ([]string, error) {
	if err := w.ensureTabs(ctx); err != nil {
		return nil, err
	}

	rng := sheetRange(w.opts.ProcessedSheet, "A2:A")
	resp, err := retry.DoValue(ctx, w.opts.Retry, "sheets read processed", func() (*sheetsapi.ValueRange, error) {
		return w.svc.Spreadsheets.Values.Get(w.opts.SpreadsheetID, rng).Context(ctx).Do()
	})
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(resp.Values))
	for _, row := range resp.Values {
		if len(row) == 0 {
			continue
		}
		if id := strings.TrimSpace(fmt.Sprint(row[0])); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// AppendBatch appends rows to the data tab, then ids to the processed tab.
// The ids are not written when the rows fail; rows are not rolled back when
// the ids fail.
func (w *Writer) AppendBatch(ctx context.Context, rows []model.ParsedRecord, ids []string) error {
	if len(rows) == 0 && len(ids) == 0 {
		return nil
	}
	if err := w.ensureTabs(ctx); err != nil {
		return err
	}

	data := make([][]any, 0, len(rows))
	for _, r := range rows {
		data = append(data, toValues(r.Row()))
	}
	if err := w.append(ctx, w.opts.DataSheet, data); err != nil {
		return fmt.Errorf("append rows: %w", err)
	}

	processed := make([][]any, 0, len(ids))
	for _, id := range ids {
		processed = append(processed, []any{id})
	}
	if err := w.append(ctx, w.opts.ProcessedSheet, processed); err != nil {
		return fmt.Errorf("append processed ids: %w", err)
	}

	if w.logger != nil {
		w.logger.Debug("sheets batch appended", "rows", len(data), "ids", len(processed))
	}
	return nil
}

func (w *Writer) append(ctx context.Context, sheet string, values [][]any) error {
	if len(values) == 0 {
		return nil
	}
	vr := &sheetsapi.ValueRange{Values: values}
	rng := sheetRange(sheet, firstDataRowRef)
	return retry.Do(ctx, w.opts.Retry, "sheets append "+sheet, func() error {
		_, err := w.svc.Spreadsheets.Values.Append(w.opts.SpreadsheetID, rng, vr).
			ValueInputOption(valueInputRaw).
			InsertDataOption(insertRows).
			Context(ctx).
			Do()
		return err
	})
}

// ensureTabs creates missing tabs and writes their header row.
func (w *Writer) ensureTabs(ctx context.Context) error {
	if w.ensured {
		return nil
	}

	spreadsheet, err := retry.DoValue(ctx, w.opts.Retry, "sheets get", func() (*sheetsapi.Spreadsheet, error) {
		return w.svc.Spreadsheets.Get(w.opts.SpreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	})
	if err != nil {
		return err
	}

	existing := make(map[string]bool)
	for _, s := range spreadsheet.Sheets {
		if s != nil && s.Properties != nil {
			existing[s.Properties.Title] = true
		}
	}

	tabs := []struct {
		title  string
		header []string
	}{
		{w.opts.DataSheet, model.Columns},
		{w.opts.ProcessedSheet, []string{model.ProcessedColumn}},
	}

	var requests []*sheetsapi.Request
	var created []int
	for i, tab := range tabs {
		if existing[tab.title] {
			continue
		}
		requests = append(requests, &sheetsapi.Request{
			AddSheet: &sheetsapi.AddSheetRequest{
				Properties: &sheetsapi.SheetProperties{Title: tab.title},
			},
		})
		created = append(created, i)
	}

	if len(requests) > 0 {
		req := &sheetsapi.BatchUpdateSpreadsheetRequest{Requests: requests}
		if err := retry.Do(ctx, w.opts.Retry, "sheets add tabs", func() error {
			_, err := w.svc.Spreadsheets.BatchUpdate(w.opts.SpreadsheetID, req).Context(ctx).Do()
			return err
		}); err != nil {
			return err
		}

		for _, i := range created {
			tab := tabs[i]
			vr := &sheetsapi.ValueRange{Values: [][]any{toValues(tab.header)}}
			rng := sheetRange(tab.title, "A1")
			if err := retry.Do(ctx, w.opts.Retry, "sheets write header", func() error {
				_, err := w.svc.Spreadsheets.Values.Update(w.opts.SpreadsheetID, rng, vr).
					ValueInputOption(valueInputRaw).
					Context(ctx).
					Do()
				return err
			}); err != nil {
				return err
			}
			if w.logger != nil {
				w.logger.Info("sheet tab created", "tab", tab.title)
			}
		}
	}

	w.ensured = true
	return nil
}

func sheetRange(sheet, cells string) string {
	return "'" + strings.ReplaceAll(sheet, "'", "''") + "'!" + cells
}

func toValues(cells []string) []any {
	out := make([]any, len(cells))
	for i, c := range cells {
		out[i] = c
	}
	return out
}
