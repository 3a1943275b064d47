package parser

import (
	"encoding/base64"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"

	"github.com/dhcgn/mail-to-sheets/model"
)

// TimeLayout renders receive times as "YYYY-MM-DD HH:MM:SS TZ".
const TimeLayout = "2006-01-02 15:04:05 MST"

const (
	mimePlain = "text/plain"
	mimeHTML  = "text/html"
)

// Parse extracts a ParsedRecord from raw, rendering the receive time in the
// process's local time zone.
func Parse(raw model.RawMessage) model.ParsedRecord {
	return ParseIn(raw, time.Local)
}

// ParseIn is Parse with an explicit location. A nil location renders UTC.
func ParseIn(raw model.RawMessage, loc *time.Location) model.ParsedRecord {
	headers := raw.Payload.Headers
	return model.ParsedRecord{
		Sender:     HeaderValue(headers, "From"),
		Subject:    HeaderValue(headers, "Subject"),
		ReceivedAt: FormatReceived(raw.InternalDate, loc),
		Content:    extractContent(raw.Payload),
	}
}

// HeaderValue returns the value of the first header named name, compared
// case-insensitively, or "" when absent.
func HeaderValue(headers []model.Header, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// FormatReceived renders epoch milliseconds in loc, falling back to UTC.
func FormatReceived(epochMillis int64, loc *time.Location) string {
	t := time.UnixMilli(epochMillis).UTC()
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(TimeLayout)
}

// extractContent walks the part tree depth-first keeping the first plain and
// the first HTML candidate independently.
func extractContent(payload model.Part) string {
	if len(payload.Parts) == 0 {
		if text, ok := partText(payload); ok {
			return text
		}
		return DecodeBody(payload.Data)
	}

	var plain, html string
	var walk func(parts []model.Part)
	walk = func(parts []model.Part) {
		for _, part := range parts {
			if text, ok := partText(part); ok {
				switch {
				case isType(part.MimeType, mimePlain):
					if plain == "" {
						plain = text
					}
				case isType(part.MimeType, mimeHTML):
					if html == "" {
						html = text
					}
				}
			}
			if len(part.Parts) > 0 {
				walk(part.Parts)
			}
		}
	}
	walk(payload.Parts)

	if plain != "" {
		return plain
	}
	return html
}

// partText returns the normalized text of a text/plain or text/html part.
// Parts without data, or whose text normalizes to nothing, yield no candidate.
func partText(part model.Part) (string, bool) {
	if part.Data == "" {
		return "", false
	}
	var text string
	switch {
	case isType(part.MimeType, mimePlain):
		text = NormalizeText(DecodeBody(part.Data))
	case isType(part.MimeType, mimeHTML):
		text = HTMLToText(DecodeBody(part.Data))
	default:
		return "", false
	}
	return text, text != ""
}

func isType(mimeType, want string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), want)
}

var stdToURLAlphabet = strings.NewReplacer("+", "-", "/", "_")

// DecodeBody decodes base64 body data in either alphabet, padding it first.
// Bytes that are not valid UTF-8 are read as ISO-8859-1. Undecodable data
// yields "".
func DecodeBody(encoded string) string {
	if encoded == "" {
		return ""
	}
	encoded = strings.TrimRight(strings.TrimSpace(encoded), "=")
	encoded = stdToURLAlphabet.Replace(encoded)
	if rem := len(encoded) % 4; rem != 0 {
		encoded += strings.Repeat("=", 4-rem)
	}
	data, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return ""
	}
	if utf8.Valid(data) {
		return string(data)
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return strings.ToValidUTF8(string(data), "�")
	}
	return string(decoded)
}

// NormalizeText collapses line breaks and whitespace runs into single spaces.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
