package cmd

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eml = "From: Billing <billing@example.com>\r\n" +
	"Subject: Your invoice\r\n" +
	"Date: Fri, 01 Mar 2024 09:30:00 +0000\r\n" +
	"Message-Id: <inv-1@example.com>\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Amount due:   42 EUR\r\n"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInspect_Eml(t *testing.T) {
	id, rec, err := Inspect(strings.NewReader(eml), "invoice.eml", false, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "inv-1@example.com", id)
	assert.Equal(t, "Billing <billing@example.com>", rec.Sender)
	assert.Equal(t, "Your invoice", rec.Subject)
	assert.Equal(t, "2024-03-01 09:30:00 UTC", rec.ReceivedAt)
	assert.Equal(t, "Amount due: 42 EUR", rec.Content)
}

func TestInspect_EmlWithoutMessageID(t *testing.T) {
	id, _, err := Inspect(strings.NewReader("Subject: hi\r\n\r\nbody\r\n"), "plain.eml", false, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "plain.eml", id)
}

func TestInspect_GmailJSON(t *testing.T) {
	body := base64.URLEncoding.EncodeToString([]byte("Paid, thank you"))
	doc := `{
		"id": "18c0ffee",
		"internalDate": "1709285400000",
		"payload": {
			"mimeType": "text/plain",
			"headers": [
				{"name": "From", "value": "shop@example.com"},
				{"name": "Subject", "value": "Receipt 17"}
			],
			"body": {"data": "` + body + `"}
		}
	}`

	id, rec, err := Inspect(strings.NewReader(doc), "msg.json", true, time.UTC)
	require.NoError(t, err)
	assert.Equal(t, "18c0ffee", id)
	assert.Equal(t, "shop@example.com", rec.Sender)
	assert.Equal(t, "Receipt 17", rec.Subject)
	assert.Equal(t, "2024-03-01 09:30:00 UTC", rec.ReceivedAt)
	assert.Equal(t, "Paid, thank you", rec.Content)
}

func TestInspect_BadJSON(t *testing.T) {
	_, _, err := Inspect(strings.NewReader("{"), "msg.json", true, time.UTC)
	assert.Error(t, err)
}

func TestInspectCommand_PrintsRecordAndVerdict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invoice.eml")
	require.NoError(t, os.WriteFile(path, []byte(eml), 0o600))

	root := &cobra.Command{Use: "root"}
	root.PersistentFlags().StringSlice("include", []string{"receipt"}, "")
	root.PersistentFlags().StringSlice("exclude", nil, "")
	root.PersistentFlags().Bool("all-subjects", false, "")
	root.AddCommand(NewInspectCommand())

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"inspect", "--tz", "UTC", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Subject:    Your invoice")
	assert.Contains(t, out.String(), "Matches subject filter: no")

	out.Reset()
	root.SetArgs([]string{"inspect", "--tz", "UTC", "--all-subjects", path})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "Matches subject filter: yes")
	assert.Contains(t, out.String(), "Amount due: 42 EUR")
}

func TestSchedule_InvalidSpec(t *testing.T) {
	err := Schedule(context.Background(), "not a cron", func(context.Context) error { return nil }, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid cron expression")
}

func TestSchedule_RunsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var runs atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Schedule(ctx, "@every 1s", func(context.Context) error {
			if runs.Add(1) == 1 {
				cancel()
			}
			return errors.New("logged, not returned")
		}, quietLogger())
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(1))
}

func TestScheduleCommand_RequiresCron(t *testing.T) {
	c := NewScheduleCommand(func(context.Context, *cobra.Command) error { return nil })
	c.SetArgs(nil)
	c.SetOut(io.Discard)
	c.SetErr(io.Discard)
	err := c.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cron")
}
