package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhcgn/mail-to-sheets/filter"
	"github.com/dhcgn/mail-to-sheets/model"
	"github.com/dhcgn/mail-to-sheets/parser"
	"github.com/dhcgn/mail-to-sheets/stats"
)

var (
	ErrAppend      = errors.New("append batch failed")
	ErrAcknowledge = errors.New("acknowledge failed")
)

// Source lists unread candidates, fetches them and marks them processed.
type Source interface {
	ListCandidates(ctx context.Context) ([]string, error)
	FetchFull(ctx context.Context, id string) (model.RawMessage, error)
	Acknowledge(ctx context.Context, id string) error
}

// Sink durably stores rows and the processed identifiers.
type Sink interface {
	LoadProcessedIDs(ctx context.Context) ([]string, error)
	AppendBatch(ctx context.Context, rows []model.ParsedRecord, ids []string) error
}

type Options struct {
	Filter *filter.Filter
	DryRun bool
	// Location renders receive times; nil uses the process local zone.
	Location *time.Location
	Recorder stats.Recorder
}

type Result struct {
	Listed       int
	Duplicates   int
	Filtered     int
	Appended     int
	Acknowledged int
}

func (r Result) LogAttrs() []any {
	return []any{
		"listed", r.Listed,
		"duplicates", r.Duplicates,
		"filtered", r.Filtered,
		"appended", r.Appended,
		"acknowledged", r.Acknowledged,
	}
}

type Runner struct {
	source Source
	sink   Sink
	opts   Options
	logger *slog.Logger
}

func New(source Source, sink Sink, opts Options, logger *slog.Logger) (*Runner, error) {
	if source == nil {
		return nil, fmt.Errorf("source must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink must not be nil")
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Runner{source: source, sink: sink, opts: opts, logger: logger}, nil
}

type batch struct {
	rows []model.ParsedRecord
	ids  []string
}

// Run performs one sync: load processed ids, list candidates, fetch, parse
// and filter each new one, append the accepted batch, then acknowledge each
// appended id in order. Nothing is acknowledged unless the append succeeded.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	var result Result
	started := time.Now()

	processed, err := r.loadState(ctx)
	if err != nil {
		return result, err
	}

	candidates, err := r.source.ListCandidates(ctx)
	if err != nil {
		r.emit(stats.Event{Stage: stats.StageList, Type: stats.EventTypeError, Err: err})
		return result, fmt.Errorf("list candidates: %w", err)
	}
	result.Listed = len(candidates)
	r.emit(stats.Event{Stage: stats.StageList, Type: stats.EventTypeListed, Count: len(candidates)})
	r.info("candidates listed", "count", len(candidates))

	var b batch
	for _, id := range candidates {
		if _, done := processed[id]; done {
			result.Duplicates++
			r.emit(stats.Event{Stage: stats.StageList, Type: stats.EventTypeDuplicate, MessageID: id})
			r.debug("skip already processed", "messageID", id)
			continue
		}

		raw, err := r.source.FetchFull(ctx, id)
		if err != nil {
			r.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, MessageID: id, Err: err})
			return result, fmt.Errorf("fetch %s: %w", id, err)
		}

		record := parser.ParseIn(raw, r.opts.Location)
		if !r.opts.Filter.Allows(record.Subject) {
			result.Filtered++
			r.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeFiltered, MessageID: id})
			r.debug("skip by subject", "messageID", id, "subject", record.Subject)
			continue
		}

		b.rows = append(b.rows, record)
		b.ids = append(b.ids, id)
		r.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeAccepted, MessageID: id})
	}

	if len(b.ids) == 0 {
		r.info("no new messages", "duration", time.Since(started))
		return result, nil
	}

	if r.opts.DryRun {
		for i, rec := range b.rows {
			r.info("dry-run row", "messageID", b.ids[i], "from", rec.Sender, "subject", rec.Subject, "date", rec.ReceivedAt)
		}
		return result, nil
	}

	if err := r.sink.AppendBatch(ctx, b.rows, b.ids); err != nil {
		r.emit(stats.Event{Stage: stats.StageAppend, Type: stats.EventTypeError, Count: len(b.ids), Err: err})
		return result, fmt.Errorf("%w: %w", ErrAppend, err)
	}
	result.Appended = len(b.ids)
	r.emit(stats.Event{Stage: stats.StageAppend, Type: stats.EventTypeAppended, Count: len(b.ids)})
	r.info("rows appended", "count", len(b.ids))

	for _, id := range b.ids {
		if err := r.source.Acknowledge(ctx, id); err != nil {
			r.emit(stats.Event{Stage: stats.StageAck, Type: stats.EventTypeError, MessageID: id, Err: err})
			return result, fmt.Errorf("%w: %s: %w", ErrAcknowledge, id, err)
		}
		result.Acknowledged++
		r.emit(stats.Event{Stage: stats.StageAck, Type: stats.EventTypeAcknowledged, MessageID: id})
	}
	r.info("messages acknowledged", "count", result.Acknowledged, "duration", time.Since(started))

	return result, nil
}

func (r *Runner) loadState(ctx context.Context) (map[string]struct{}, error) {
	ids, err := r.sink.LoadProcessedIDs(ctx)
	if err != nil {
		r.emit(stats.Event{Stage: stats.StageLoad, Type: stats.EventTypeError, Err: err})
		return nil, fmt.Errorf("load processed ids: %w", err)
	}
	processed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			processed[id] = struct{}{}
		}
	}
	r.info("processed ids loaded", "count", len(processed))
	return processed, nil
}

func (r *Runner) emit(evt stats.Event) {
	if r.opts.Recorder != nil {
		r.opts.Recorder.Record(evt)
	}
}

func (r *Runner) info(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Info(msg, args...)
	}
}

func (r *Runner) debug(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, args...)
	}
}
