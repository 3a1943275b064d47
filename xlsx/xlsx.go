// Package xlsx stores synced rows in a local Excel workbook laid out like
// the spreadsheet sink: one data sheet and one processed-id sheet.
package xlsx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/dhcgn/mail-to-sheets/model"
)

const (
	DefaultDataSheet      = "Emails"
	DefaultProcessedSheet = "Processed"
	defaultNewSheet       = "Sheet1"
)

type Options struct {
	Path           string
	DataSheet      string
	ProcessedSheet string
}

type Writer struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options, logger *slog.Logger) (*Writer, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("workbook path is empty")
	}
	if opts.DataSheet == "" {
		opts.DataSheet = DefaultDataSheet
	}
	if opts.ProcessedSheet == "" {
		opts.ProcessedSheet = DefaultProcessedSheet
	}
	return &Writer{opts: opts, logger: logger}, nil
}

// LoadProcessedIDs creates the workbook and sheets when missing and returns
// the ids listed below the processed header.
func (w *Writer) LoadProcessedIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := w.open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rows, err := f.GetRows(w.opts.ProcessedSheet)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", w.opts.ProcessedSheet, err)
	}

	var ids []string
	for i, row := range rows {
		if i == 0 || len(row) == 0 {
			continue
		}
		if id := strings.TrimSpace(row[0]); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// AppendBatch saves the rows to disk, then the ids. A failed id save leaves
// the rows in place.
func (w *Writer) AppendBatch(ctx context.Context, rows []model.ParsedRecord, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := w.open()
	if err != nil {
		return err
	}
	defer f.Close()

	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		data = append(data, r.Row())
	}
	if err := appendRows(f, w.opts.DataSheet, data); err != nil {
		return fmt.Errorf("append rows: %w", err)
	}
	if err := f.SaveAs(w.opts.Path); err != nil {
		return fmt.Errorf("append rows: save workbook: %w", err)
	}

	processed := make([][]string, 0, len(ids))
	for _, id := range ids {
		processed = append(processed, []string{id})
	}
	if err := appendRows(f, w.opts.ProcessedSheet, processed); err != nil {
		return fmt.Errorf("append processed ids: %w", err)
	}
	if err := f.SaveAs(w.opts.Path); err != nil {
		return fmt.Errorf("append processed ids: save workbook: %w", err)
	}

	if w.logger != nil {
		w.logger.Debug("xlsx batch appended", "path", w.opts.Path, "rows", len(data), "ids", len(processed))
	}
	return nil
}

// open loads the workbook, creating it and the two sheets as needed.
func (w *Writer) open() (*excelize.File, error) {
	var (
		f       *excelize.File
		err     error
		created bool
	)
	f, err = excelize.OpenFile(w.opts.Path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		f = excelize.NewFile()
		created = true
	case err != nil:
		return nil, fmt.Errorf("open workbook: %w", err)
	}

	changed := created
	for _, sheet := range []struct {
		name   string
		header []string
	}{
		{w.opts.DataSheet, model.Columns},
		{w.opts.ProcessedSheet, []string{model.ProcessedColumn}},
	} {
		idx, err := f.GetSheetIndex(sheet.name)
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("lookup sheet %s: %w", sheet.name, err)
		}
		if idx >= 0 {
			continue
		}
		if _, err := f.NewSheet(sheet.name); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("create sheet %s: %w", sheet.name, err)
		}
		if err := setRow(f, sheet.name, 1, sheet.header); err != nil {
			_ = f.Close()
			return nil, err
		}
		changed = true
		if w.logger != nil {
			w.logger.Info("workbook sheet created", "sheet", sheet.name)
		}
	}

	if created && w.opts.DataSheet != defaultNewSheet && w.opts.ProcessedSheet != defaultNewSheet {
		if err := f.DeleteSheet(defaultNewSheet); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("remove default sheet: %w", err)
		}
	}

	if changed {
		if dir := filepath.Dir(w.opts.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				_ = f.Close()
				return nil, fmt.Errorf("create workbook directory: %w", err)
			}
		}
		if err := f.SaveAs(w.opts.Path); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("save workbook: %w", err)
		}
	}
	return f, nil
}

func appendRows(f *excelize.File, sheet string, rows [][]string) error {
	if len(rows) == 0 {
		return nil
	}
	existing, err := f.GetRows(sheet)
	if err != nil {
		return fmt.Errorf("read %s: %w", sheet, err)
	}
	next := len(existing) + 1
	for i, row := range rows {
		if err := setRow(f, sheet, next+i, row); err != nil {
			return err
		}
	}
	return nil
}

func setRow(f *excelize.File, sheet string, row int, cells []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return fmt.Errorf("cell name: %w", err)
	}
	values := make([]any, len(cells))
	for i, c := range cells {
		values[i] = c
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", sheet, row, err)
	}
	return nil
}
