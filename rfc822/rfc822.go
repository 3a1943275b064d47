// Package rfc822 converts RFC 5322 messages into the MIME tree used by the
// payload parser, so IMAP and mbox sources share the Gmail code path.
package rfc822

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/charmap"

	"github.com/dhcgn/mail-to-sheets/model"
)

func init() {
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
}

// ErrEmpty is returned for a zero-length message.
var ErrEmpty = errors.New("empty message")

const defaultMimeType = "text/plain"

// ToRawMessage reads a full message from r. The receive time is taken from
// received, falling back to the Date header when received is zero.
func ToRawMessage(id string, r io.Reader, received time.Time) (model.RawMessage, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return model.RawMessage{}, fmt.Errorf("read message: %w", err)
	}
	return FromBytes(id, data, received)
}

// FromBytes is ToRawMessage for an in-memory message.
func FromBytes(id string, data []byte, received time.Time) (model.RawMessage, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return model.RawMessage{}, ErrEmpty
	}

	entity, err := message.Read(bytes.NewReader(data))
	if err != nil && !tolerable(err) {
		return model.RawMessage{}, fmt.Errorf("parse message: %w", err)
	}

	payload, err := convert(entity)
	if err != nil {
		return model.RawMessage{}, err
	}

	if received.IsZero() {
		if date, err := (&mail.Header{Header: entity.Header}).Date(); err == nil {
			received = date
		}
	}

	raw := model.RawMessage{ID: id, Payload: payload}
	if !received.IsZero() {
		raw.InternalDate = received.UnixMilli()
	}
	return raw, nil
}

// MessageID returns the Message-Id header without angle brackets.
func MessageID(data []byte) string {
	entity, err := message.Read(bytes.NewReader(data))
	if err != nil && !tolerable(err) {
		return ""
	}
	h := mail.Header{Header: entity.Header}
	id, err := h.MessageID()
	if err != nil {
		return strings.Trim(strings.TrimSpace(entity.Header.Get("Message-Id")), "<>")
	}
	return id
}

func convert(entity *message.Entity) (model.Part, error) {
	part := model.Part{
		MimeType: mimeType(entity),
		Headers:  headers(entity.Header),
	}

	if mr := entity.MultipartReader(); mr != nil {
		for {
			child, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil && !tolerable(err) {
				return model.Part{}, fmt.Errorf("read part: %w", err)
			}
			converted, err := convert(child)
			if err != nil {
				return model.Part{}, err
			}
			part.Parts = append(part.Parts, converted)
		}
		return part, nil
	}

	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return model.Part{}, fmt.Errorf("read body: %w", err)
	}
	if len(body) > 0 {
		part.Data = base64.RawURLEncoding.EncodeToString(body)
	}
	return part, nil
}

func mimeType(entity *message.Entity) string {
	t, _, err := entity.Header.ContentType()
	if err != nil || t == "" {
		return defaultMimeType
	}
	return strings.ToLower(t)
}

func headers(h message.Header) []model.Header {
	var out []model.Header
	fields := h.Fields()
	for fields.Next() {
		value, err := fields.Text()
		if err != nil {
			value = fields.Value()
		}
		out = append(out, model.Header{Name: fields.Key(), Value: value})
	}
	return out
}

// tolerable reports errors after which the entity is still usable: the body
// is left undecoded but headers and structure are intact.
func tolerable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
