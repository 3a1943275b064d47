package rfc822

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-to-sheets/parser"
)

const multipartMessage = "From: Alice <alice@example.com>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: =?UTF-8?Q?Invoice_caf=C3=A9?=\r\n" +
	"Date: Mon, 02 Jan 2006 15:04:05 +0000\r\n" +
	"Message-Id: <abc@example.com>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/alternative; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<p>Hello <b>html</b></p>\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"Content-Transfer-Encoding: quoted-printable\r\n" +
	"\r\n" +
	"Hello =\r\n" +
	"plain\r\n" +
	"--b1--\r\n"

func TestFromBytes_Multipart(t *testing.T) {
	raw, err := FromBytes("id-1", []byte(multipartMessage), time.Time{})
	require.NoError(t, err)

	assert.Equal(t, "id-1", raw.ID)
	assert.Equal(t, "multipart/alternative", raw.Payload.MimeType)
	require.Len(t, raw.Payload.Parts, 2)
	assert.Equal(t, "text/html", raw.Payload.Parts[0].MimeType)
	assert.Equal(t, "text/plain", raw.Payload.Parts[1].MimeType)

	want := time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC).UnixMilli()
	assert.Equal(t, want, raw.InternalDate)

	rec := parser.ParseIn(raw, time.UTC)
	assert.Equal(t, "Alice <alice@example.com>", rec.Sender)
	assert.Equal(t, "Invoice café", rec.Subject)
	assert.Equal(t, "2006-01-02 15:04:05 UTC", rec.ReceivedAt)
	assert.Equal(t, "Hello plain", rec.Content)
}

func TestFromBytes_ReceivedOverridesDate(t *testing.T) {
	received := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	raw, err := FromBytes("x", []byte(multipartMessage), received)
	require.NoError(t, err)
	assert.Equal(t, received.UnixMilli(), raw.InternalDate)
}

func TestFromBytes_SinglePartLatin1(t *testing.T) {
	msg := "Subject: Hi\r\n" +
		"Content-Type: text/plain; charset=iso-8859-1\r\n" +
		"\r\n" +
		"caf\xe9  au   lait\r\n"

	raw, err := FromBytes("x", []byte(msg), time.Time{})
	require.NoError(t, err)

	assert.Equal(t, "text/plain", raw.Payload.MimeType)
	assert.Empty(t, raw.Payload.Parts)
	assert.Zero(t, raw.InternalDate)
	assert.Equal(t, "café au lait", parser.ParseIn(raw, time.UTC).Content)
}

func TestFromBytes_NoContentTypeDefaultsToPlain(t *testing.T) {
	raw, err := ToRawMessage("x", strings.NewReader("Subject: bare\r\n\r\nbody text\r\n"), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "text/plain", raw.Payload.MimeType)
	assert.Equal(t, "body text", parser.ParseIn(raw, time.UTC).Content)
}

func TestFromBytes_Empty(t *testing.T) {
	_, err := FromBytes("x", []byte("  \r\n"), time.Time{})
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestMessageID(t *testing.T) {
	assert.Equal(t, "abc@example.com", MessageID([]byte(multipartMessage)))
	assert.Empty(t, MessageID([]byte("Subject: none\r\n\r\nbody")))
}
