package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/dhcgn/mail-to-sheets/filter"
	"github.com/dhcgn/mail-to-sheets/gmail"
	"github.com/dhcgn/mail-to-sheets/model"
	"github.com/dhcgn/mail-to-sheets/parser"
	"github.com/dhcgn/mail-to-sheets/rfc822"
)

// NewInspectCommand parses a single message file and prints the row it
// would produce. It needs no credentials.
func NewInspectCommand() *cobra.Command {
	var (
		asJSON bool
		tz     string
	)

	inspectCmd := &cobra.Command{
		Use:   "inspect [file]",
		Short: "Parse a .eml file or Gmail JSON message and show the resulting row",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := time.LoadLocation(tz)
			if err != nil {
				return fmt.Errorf("invalid --tz: %w", err)
			}

			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()

			id, rec, err := Inspect(file, filepath.Base(args[0]), asJSON, loc)
			if err != nil {
				return err
			}

			include, exclude := subjectKeywords(cmd)
			printRecord(cmd.OutOrStdout(), id, rec, filter.Passes(rec.Subject, include, exclude))
			return nil
		},
	}
	inspectCmd.Flags().BoolVar(&asJSON, "json", false, "Input is a Gmail users.messages.get format=full JSON document")
	inspectCmd.Flags().StringVar(&tz, "tz", "Local", "Time zone for the Date column")

	return inspectCmd
}

// Inspect converts r into a RawMessage and parses it. It returns the
// message id the sync would record alongside the row.
func Inspect(r io.Reader, name string, asJSON bool, loc *time.Location) (string, model.ParsedRecord, error) {
	var raw model.RawMessage
	if asJSON {
		var msg gmailapi.Message
		if err := json.NewDecoder(r).Decode(&msg); err != nil {
			return "", model.ParsedRecord{}, fmt.Errorf("decode gmail message: %w", err)
		}
		raw = gmail.ToRawMessage(&msg)
	} else {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", model.ParsedRecord{}, fmt.Errorf("read message: %w", err)
		}
		id := rfc822.MessageID(data)
		if id == "" {
			id = name
		}
		raw, err = rfc822.FromBytes(id, data, time.Time{})
		if err != nil {
			return "", model.ParsedRecord{}, fmt.Errorf("read message: %w", err)
		}
	}
	return raw.ID, parser.ParseIn(raw, loc), nil
}

// subjectKeywords reads the inherited filter flags when present.
func subjectKeywords(cmd *cobra.Command) (include, exclude []string) {
	if all, err := cmd.Flags().GetBool("all-subjects"); err == nil && all {
		include = nil
	} else if v, err := cmd.Flags().GetStringSlice("include"); err == nil {
		include = v
	}
	if v, err := cmd.Flags().GetStringSlice("exclude"); err == nil {
		exclude = v
	}
	return include, exclude
}

func printRecord(w io.Writer, id string, rec model.ParsedRecord, matches bool) {
	fmt.Fprintf(w, "Id:         %s\n", id)
	fmt.Fprintf(w, "From:       %s\n", rec.Sender)
	fmt.Fprintf(w, "Subject:    %s\n", rec.Subject)
	fmt.Fprintf(w, "Date:       %s\n", rec.ReceivedAt)
	verdict := "no"
	if matches {
		verdict = "yes"
	}
	fmt.Fprintf(w, "Matches subject filter: %s\n", verdict)
	fmt.Fprintln(w, strings.Repeat("-", 40))
	fmt.Fprintln(w, rec.Content)
}
