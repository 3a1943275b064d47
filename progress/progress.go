package progress

import (
	"io"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-to-sheets/stats"
)

// Bar tracks candidates through fetch and append on the terminal.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	mu      sync.Mutex
	enabled bool
	writer  io.Writer
	title   string
}

// New returns a Bar. A disabled bar ignores every event.
func New(enabled bool, writer io.Writer) *Bar {
	return &Bar{enabled: enabled, writer: writer, title: "Syncing messages"}
}

// Record starts the bar once the candidate count is known and advances it
// as candidates are fetched.
func (b *Bar) Record(evt stats.Event) {
	if b == nil || !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeListed:
		b.start(evt.Count)
	case stats.EventTypeDuplicate, stats.EventTypeFiltered, stats.EventTypeAccepted:
		// each candidate ends in exactly one of these
		if b.pb == nil {
			return
		}
		b.pb.Increment()
		if evt.MessageID != "" {
			b.pb.UpdateTitle("Fetched: " + shorten(evt.MessageID, 40))
		}
	case stats.EventTypeAppended:
		if b.pb != nil {
			b.pb.UpdateTitle(b.title)
		}
	case stats.EventTypeError:
		if evt.Err != nil {
			pterm.Error.WithWriter(b.writer).Printf("Error: %v\n", evt.Err)
		}
	}
}

func (b *Bar) start(total int) {
	if b.pb != nil || total <= 0 {
		return
	}
	pb, err := pterm.DefaultProgressbar.
		WithTotal(total).
		WithTitle(b.title).
		WithWriter(b.writer).
		Start()
	if err != nil {
		return
	}
	b.pb = pb
}

// Stop finalizes the bar and prints the run summary.
func (b *Bar) Stop(summary stats.Summary, duration time.Duration) {
	if b == nil || !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb != nil {
		if b.pb.Current < b.pb.Total {
			b.pb.Current = b.pb.Total
		}
		_, _ = b.pb.Stop()
		b.pb = nil
	}

	info := pterm.Info.WithWriter(b.writer)
	pterm.Fprintln(b.writer)
	pterm.DefaultSection.WithWriter(b.writer).Println("Summary")
	info.Printf("Duration: %v\n", duration.Round(time.Millisecond))
	info.Printf("Unread candidates: %d\n", summary.Listed)
	info.Printf("Already processed: %d\n", summary.Duplicates)
	info.Printf("Filtered by subject: %d\n", summary.Filtered)
	info.Printf("Appended: %d\n", summary.Appended)
	info.Printf("Marked read: %d\n", summary.Acknowledged)
	if summary.LastError != nil {
		pterm.Error.WithWriter(b.writer).Printf("Last error: %v\n", summary.LastError)
	}
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
