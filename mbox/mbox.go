package mbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mail-to-sheets/filter"
	"github.com/dhcgn/mail-to-sheets/model"
	"github.com/dhcgn/mail-to-sheets/parser"
	"github.com/dhcgn/mail-to-sheets/rfc822"
	"github.com/dhcgn/mail-to-sheets/state"
)

var ErrUnknownID = errors.New("mbox message not listed")

type Options struct {
	Path string
	// Include narrows the listing to subjects containing any keyword.
	Include []string
}

// Source replays an mbox archive as a mailbox. Acknowledged ids are kept in
// a journal so later runs treat them as read.
type Source struct {
	opts    Options
	journal state.Journal
	include *filter.Filter
	logger  *slog.Logger

	messages map[string]model.RawMessage
}

func New(opts Options, journal state.Journal, logger *slog.Logger) (*Source, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	if journal == nil {
		return nil, fmt.Errorf("journal must not be nil")
	}
	return &Source{
		opts:    opts,
		journal: journal,
		include: filter.New(filter.Options{Include: opts.Include}),
		logger:  logger,
	}, nil
}

// ListCandidates returns unacknowledged messages, newest first.
func (s *Source) ListCandidates(ctx context.Context) ([]string, error) {
	file, err := os.Open(s.opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	s.messages = make(map[string]model.RawMessage)
	var ids []string
	reader := mboxlib.NewReader(file)
	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		msgReader, err := reader.NextMessage()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}
		data, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("message %d read: %w", idx, err)
		}

		id := messageID(data)
		if _, dup := s.messages[id]; dup || s.journal.Acknowledged(id) {
			continue
		}

		raw, err := rfc822.FromBytes(id, data, time.Time{})
		if errors.Is(err, rfc822.ErrEmpty) {
			continue
		}
		if err != nil {
			if s.logger != nil {
				s.logger.Warn("skip unreadable mbox message", "index", idx, "err", err)
			}
			continue
		}
		if !s.include.Allows(parser.HeaderValue(raw.Payload.Headers, "Subject")) {
			continue
		}

		s.messages[id] = raw
		ids = append(ids, id)
	}

	slices.Reverse(ids)
	if s.logger != nil {
		s.logger.Debug("mbox scan complete", "path", s.opts.Path, "count", len(ids))
	}
	return ids, nil
}

func (s *Source) FetchFull(_ context.Context, id string) (model.RawMessage, error) {
	raw, ok := s.messages[id]
	if !ok {
		return model.RawMessage{}, fmt.Errorf("%w: %s", ErrUnknownID, id)
	}
	return raw, nil
}

func (s *Source) Acknowledge(_ context.Context, id string) error {
	subject := ""
	if raw, ok := s.messages[id]; ok {
		subject = parser.HeaderValue(raw.Payload.Headers, "Subject")
	}
	if err := s.journal.Acknowledge(id, subject); err != nil {
		return fmt.Errorf("journal %s: %w", id, err)
	}
	return nil
}

// messageID returns the Message-Id, or a content hash when it is missing.
func messageID(data []byte) string {
	if id := rfc822.MessageID(data); id != "" {
		return id
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
