package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_PlainText(t *testing.T) {
	raw := []byte("From: sender@example.com\r\n" +
		"To: dev@omni.mail\r\n" +
		"Subject: Hello\r\n" +
		"\r\n" +
		"This is the body.\r\n")

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "Hello", parsed.Subject)
	assert.Equal(t, "sender@example.com", parsed.From)
	assert.Equal(t, "This is the body.\r\n", parsed.Body)
	assert.Equal(t, int64(len(raw)), parsed.Size)
}

func TestParse_MissingSubject(t *testing.T) {
	raw := []byte("From: sender@example.com\r\n\r\nbody")

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, DefaultSubject, parsed.Subject)
}

func TestParse_EncodedSubject(t *testing.T) {
	raw := []byte("Subject: =?UTF-8?B?5L2g5aW9?=\r\n\r\nbody")

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "你好", parsed.Subject)
}

func TestParse_MultipartFirstPlainText(t *testing.T) {
	raw := []byte("From: sender@example.com\r\n" +
		"Subject: Multipart\r\n" +
		"Content-Type: multipart/alternative; boundary=BOUNDARY\r\n" +
		"\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"\r\n" +
		"plain part\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/html; charset=utf-8\r\n" +
		"\r\n" +
		"<p>html part</p>\r\n" +
		"--BOUNDARY--\r\n")

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "plain part", parsed.Body)
}

func TestParse_MultipartHTMLOnly(t *testing.T) {
	raw := []byte("Subject: HTML\r\n" +
		"Content-Type: multipart/alternative; boundary=BOUNDARY\r\n" +
		"\r\n" +
		"--BOUNDARY\r\n" +
		"Content-Type: text/html\r\n" +
		"\r\n" +
		"<p>only html</p>\r\n" +
		"--BOUNDARY--\r\n")

	// No text/plain part: empty body is a valid result, not an error
	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Empty(t, parsed.Body)
	assert.NotEmpty(t, parsed.Raw)
}

func TestParse_NestedMultipart(t *testing.T) {
	raw := []byte("Subject: Nested\r\n" +
		"Content-Type: multipart/mixed; boundary=OUTER\r\n" +
		"\r\n" +
		"--OUTER\r\n" +
		"Content-Type: multipart/alternative; boundary=INNER\r\n" +
		"\r\n" +
		"--INNER\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"nested plain\r\n" +
		"--INNER--\r\n" +
		"--OUTER--\r\n")

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "nested plain", parsed.Body)
}

func TestParse_Base64Body(t *testing.T) {
	raw := []byte("Subject: B64\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: base64\r\n" +
		"\r\n" +
		"aGVsbG8gd29ybGQ=\r\n")

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "hello world", parsed.Body)
}

func TestParse_QuotedPrintableBody(t *testing.T) {
	raw := []byte("Subject: QP\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Transfer-Encoding: quoted-printable\r\n" +
		"\r\n" +
		"caf=C3=A9\r\n")

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "café\r\n", parsed.Body)
}

func TestParse_GBKCharset(t *testing.T) {
	// "你好" in GBK bytes
	gbk := []byte{0xc4, 0xe3, 0xba, 0xc3}
	raw := append([]byte("Subject: GBK\r\nContent-Type: text/plain; charset=gbk\r\n\r\n"), gbk...)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "你好", parsed.Body)
}

func TestParse_InvalidUTF8Degrades(t *testing.T) {
	raw := []byte("Subject: Broken\r\n\r\nvalid \xff\xfe invalid")

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.True(t, strings.Contains(parsed.Body, "valid"))
	assert.True(t, strings.Contains(parsed.Body, "�"))
}

func TestParse_Malformed(t *testing.T) {
	_, err := Parse([]byte("not an email at all, no headers whatsoever"))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}
