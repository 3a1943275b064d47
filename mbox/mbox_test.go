package mbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-to-sheets/parser"
	"github.com/dhcgn/mail-to-sheets/state"
)

const archive = `From alice@example.com Mon Jan  1 10:00:00 2024
From: Alice <alice@example.com>
Subject: Invoice 1
Date: Mon, 01 Jan 2024 10:00:00 +0000
Message-Id: <one@example.com>

First invoice.

From bob@example.com Tue Jan  2 10:00:00 2024
From: Bob <bob@example.com>
Subject: Lunch?
Date: Tue, 02 Jan 2024 10:00:00 +0000
Message-Id: <two@example.com>

Are you free?

From carol@example.com Wed Jan  3 10:00:00 2024
From: Carol <carol@example.com>
Subject: Receipt without id
Date: Wed, 03 Jan 2024 10:00:00 +0000

Thanks for your payment.

`

func writeArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inbox.mbox")
	require.NoError(t, os.WriteFile(path, []byte(archive), 0o600))
	return path
}

func TestSource_ListCandidatesNewestFirst(t *testing.T) {
	s, err := New(Options{Path: writeArchive(t)}, state.NewMemoryJournal(), nil)
	require.NoError(t, err)

	ids, err := s.ListCandidates(context.Background())
	require.NoError(t, err)
	require.Len(t, ids, 3)
	assert.True(t, strings.HasPrefix(ids[0], "sha256:"), ids[0])
	assert.Equal(t, []string{"two@example.com", "one@example.com"}, ids[1:])
}

func TestSource_IncludeNarrowsListing(t *testing.T) {
	s, err := New(Options{Path: writeArchive(t), Include: []string{"invoice"}}, state.NewMemoryJournal(), nil)
	require.NoError(t, err)

	ids, err := s.ListCandidates(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"one@example.com"}, ids)
}

func TestSource_FetchFull(t *testing.T) {
	s, err := New(Options{Path: writeArchive(t)}, state.NewMemoryJournal(), nil)
	require.NoError(t, err)
	_, err = s.ListCandidates(context.Background())
	require.NoError(t, err)

	raw, err := s.FetchFull(context.Background(), "one@example.com")
	require.NoError(t, err)
	rec := parser.ParseIn(raw, time.UTC)
	assert.Equal(t, "Alice <alice@example.com>", rec.Sender)
	assert.Equal(t, "Invoice 1", rec.Subject)
	assert.Equal(t, "2024-01-01 10:00:00 UTC", rec.ReceivedAt)
	assert.Equal(t, "First invoice.", rec.Content)

	_, err = s.FetchFull(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownID)
}

func TestSource_AcknowledgedSkippedOnNextRun(t *testing.T) {
	dir := t.TempDir()
	path := writeArchive(t)

	journal, err := state.NewFileJournal(dir)
	require.NoError(t, err)
	s, err := New(Options{Path: path}, journal, nil)
	require.NoError(t, err)
	_, err = s.ListCandidates(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Acknowledge(context.Background(), "two@example.com"))
	require.NoError(t, journal.Close())

	reopened, err := state.NewFileJournal(dir)
	require.NoError(t, err)
	defer reopened.Close()
	s, err = New(Options{Path: path}, reopened, nil)
	require.NoError(t, err)

	ids, err := s.ListCandidates(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, ids, "two@example.com")
	assert.Len(t, ids, 2)
}

func TestSource_MissingFile(t *testing.T) {
	s, err := New(Options{Path: filepath.Join(t.TempDir(), "nope.mbox")}, state.NewMemoryJournal(), nil)
	require.NoError(t, err)
	_, err = s.ListCandidates(context.Background())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{}, state.NewMemoryJournal(), nil)
	assert.Error(t, err)
	_, err = New(Options{Path: "x"}, nil, nil)
	assert.Error(t, err)
}
