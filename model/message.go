package model

// Header is a single name/value pair as it appears in a message part.
type Header struct {
	Name  string
	Value string
}

// Part is one node of a message's MIME tree. Data holds the body encoded as
// URL-safe base64, possibly without padding.
type Part struct {
	MimeType string
	Headers  []Header
	Data     string
	Parts    []Part
}

// RawMessage is a message as fetched from a source, before parsing.
type RawMessage struct {
	ID string
	// InternalDate is the receive time in epoch milliseconds.
	InternalDate int64
	Payload      Part
}

// ParsedRecord is the structured form of a message written to the sink.
type ParsedRecord struct {
	Sender     string
	Subject    string
	ReceivedAt string
	Content    string
}

// Columns is the header row used by every sink for ParsedRecord rows.
var Columns = []string{"From", "Subject", "Date", "Content"}

// ProcessedColumn is the header of the processed-identifier container.
const ProcessedColumn = "messageId"

// Row returns the record in Columns order.
func (r ParsedRecord) Row() []string {
	return []string{r.Sender, r.Subject, r.ReceivedAt, r.Content}
}
