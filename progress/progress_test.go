package progress

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-to-sheets/stats"
)

func TestBar_DisabledIgnoresEvents(t *testing.T) {
	var out bytes.Buffer
	bar := New(false, &out)
	bar.Record(stats.Event{Type: stats.EventTypeListed, Count: 3})
	bar.Record(stats.Event{Type: stats.EventTypeError, Err: errors.New("boom")})
	bar.Stop(stats.Summary{}, time.Second)

	assert.Nil(t, bar.pb)
	assert.Empty(t, out.String())
}

func TestBar_NilIsSafe(t *testing.T) {
	var bar *Bar
	assert.NotPanics(t, func() {
		bar.Record(stats.Event{Type: stats.EventTypeListed, Count: 1})
		bar.Stop(stats.Summary{}, 0)
	})
}

func TestBar_AdvancesPerCandidate(t *testing.T) {
	var out bytes.Buffer
	bar := New(true, &out)

	bar.Record(stats.Event{Stage: stats.StageList, Type: stats.EventTypeListed, Count: 3})
	require.NotNil(t, bar.pb)
	assert.Equal(t, 3, bar.pb.Total)

	bar.Record(stats.Event{Stage: stats.StageList, Type: stats.EventTypeDuplicate, MessageID: "a"})
	bar.Record(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeFiltered, MessageID: "b"})
	bar.Record(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeAccepted, MessageID: "c"})
	assert.Equal(t, 3, bar.pb.Current)

	bar.Stop(stats.Summary{Listed: 3, Duplicates: 1, Filtered: 1, Appended: 1, Acknowledged: 1}, time.Second)
	assert.Nil(t, bar.pb)
	assert.Contains(t, out.String(), "Appended: 1")
	assert.Contains(t, out.String(), "Marked read: 1")
}

func TestBar_NoCandidatesNoBar(t *testing.T) {
	var out bytes.Buffer
	bar := New(true, &out)
	bar.Record(stats.Event{Type: stats.EventTypeListed, Count: 0})
	assert.Nil(t, bar.pb)
}

func TestShorten(t *testing.T) {
	assert.Equal(t, "abc", shorten("abc", 5))
	assert.Equal(t, "ab...", shorten("abcdefgh", 5))
}
