// Package parser provides lenient RFC 5322 message parsing: header lookup,
// one level of multipart splitting into text leaves, and a raw-text fallback
// for messages whose structure cannot be recovered.
package parser

import (
	"bufio"
	"bytes"
	"errors"
	"log/slog"
	"mime"
	"regexp"
	"strings"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"

	"github.com/shineum/tempmail-relay/internal/decoder"
	"github.com/shineum/tempmail-relay/internal/email"
)

var (
	// ErrNoHeaderSeparator is returned when no blank line separates the
	// header block from the body.
	ErrNoHeaderSeparator = errors.New("no header/body separator")

	// ErrMissingBoundary is returned for a multipart message without a
	// boundary parameter.
	ErrMissingBoundary = errors.New("multipart message missing boundary")
)

// maxDepth bounds multipart nesting. The top-level split is depth 0.
const maxDepth = 2

// BodyDecoder decodes a leaf part into text.
type BodyDecoder interface {
	Decode(body []byte, enc email.TransferEncoding, charset string) string
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// Parse splits raw into its leaf parts. A message that is not multipart
// yields a single part carrying the message-level content type, with
// "text/plain" assumed when the header is absent.
//
// Header bytes are never decoded as UTF-8 here; each part keeps its raw body
// for charset-specific decoding later.
func Parse(raw []byte) ([]email.MimePart, error) {
	parts, _, err := parse(raw)
	return parts, err
}

func parse(raw []byte) ([]email.MimePart, bool, error) {
	head, body, err := splitMessage(raw)
	if err != nil {
		return nil, false, err
	}

	header := parseHeaderBlock(head)
	mediaType, params := parseContentType(header.Get("content-type"))

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, true, ErrMissingBoundary
		}
		return splitMultipart(body, boundary, 0), true, nil
	}

	return []email.MimePart{newPart(header, mediaType, params, body)}, false, nil
}

// ParseBody parses raw and decodes the first text/plain and first text/html
// leaves with the default decoder.
func ParseBody(raw []byte) email.DecodedBody {
	return ParseBodyWith(raw, decoder.New())
}

// ParseBodyWith is ParseBody with an explicit decoder. Later leaves of a type
// already seen are ignored. Any structural error yields an empty body.
func ParseBodyWith(raw []byte, dec BodyDecoder) email.DecodedBody {
	var out email.DecodedBody

	parts, multipart, err := parse(raw)
	if err != nil {
		slog.Warn("failed to parse message structure", "error", err)
		return out
	}

	var haveText, haveHTML bool
	for _, p := range parts {
		switch {
		case p.IsHTML():
			if !haveHTML {
				out.HTML = dec.Decode(p.RawBody, p.TransferEncoding, p.Charset)
				haveHTML = true
			}
		case p.IsText() || !multipart:
			if !haveText {
				out.Text = dec.Decode(p.RawBody, p.TransferEncoding, p.Charset)
				haveText = true
			}
		}
	}
	return out
}

// FallbackBody pulls text and HTML bodies out of raw by locating the
// Content-Type lines directly. It is used when structured parsing recovered
// nothing.
func FallbackBody(raw []byte) email.DecodedBody {
	s := strings.ReplaceAll(string(raw), "\r\n", "\n")
	return email.DecodedBody{
		Text: rawSection(s, "content-type: text/plain"),
		HTML: rawSection(s, "content-type: text/html"),
	}
}

func rawSection(s, marker string) string {
	lower := strings.ToLower(s)

	idx := strings.Index(lower, marker)
	if idx < 0 {
		return ""
	}
	blank := strings.Index(lower[idx:], "\n\n")
	if blank < 0 {
		return ""
	}
	start := idx + blank + 2

	end := len(s)
	for _, stop := range []string{"\n--", "\ncontent-type:"} {
		if i := strings.Index(lower[start:], stop); i >= 0 && start+i < end {
			end = start + i
		}
	}
	return strings.ToValidUTF8(strings.TrimSpace(s[start:end]), "�")
}

// ParseHeader returns the header fields of raw. When no separator exists the
// whole input is treated as a header block.
func ParseHeader(raw []byte) email.Header {
	head, _, err := splitMessage(raw)
	if err != nil {
		head = raw
	}
	return parseHeaderBlock(head)
}

// Subject returns the decoded Subject field, with RFC 2047 encoded words
// resolved. Undecodable words are left as written.
func Subject(h email.Header) string {
	return DecodeHeaderValue(h.Get("subject"))
}

// DecodeHeaderValue resolves RFC 2047 encoded words in v.
func DecodeHeaderValue(v string) string {
	if !strings.Contains(v, "=?") {
		return v
	}
	out, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		slog.Debug("failed to decode header value", "error", err)
		return v
	}
	return out
}

// splitMessage splits raw at the first blank line, tolerating CRLF and LF.
func splitMessage(raw []byte) (head, body []byte, err error) {
	switch {
	case bytes.HasPrefix(raw, []byte("\r\n")):
		return nil, raw[2:], nil
	case bytes.HasPrefix(raw, []byte("\n")):
		return nil, raw[1:], nil
	}

	crlf := bytes.Index(raw, []byte("\r\n\r\n"))
	lf := bytes.Index(raw, []byte("\n\n"))

	switch {
	case crlf >= 0 && (lf < 0 || crlf < lf):
		return raw[:crlf], raw[crlf+4:], nil
	case lf >= 0:
		return raw[:lf], raw[lf+2:], nil
	}
	return nil, nil, ErrNoHeaderSeparator
}

func parseHeaderBlock(head []byte) email.Header {
	h := make(email.Header)
	if len(bytes.TrimSpace(head)) == 0 {
		return h
	}

	block := make([]byte, 0, len(head)+4)
	block = append(block, head...)
	block = append(block, "\r\n\r\n"...)

	parsed, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(block)))
	if err != nil {
		slog.Debug("strict header parse failed, using lenient parser", "error", err)
		return parseHeaderLenient(head)
	}

	// Get returns the topmost field, which is the first value in wire order.
	fields := parsed.Fields()
	for fields.Next() {
		key := fields.Key()
		if h.Get(key) == "" {
			h.Set(key, unfold(parsed.Get(key)))
		}
	}
	return h
}

var foldedLine = regexp.MustCompile(`\r?\n[ \t]+`)

func unfold(v string) string {
	return strings.TrimSpace(foldedLine.ReplaceAllString(v, " "))
}

// parseHeaderLenient unfolds continuation lines and splits each field at its
// first colon. Lines without a colon are dropped.
func parseHeaderLenient(head []byte) email.Header {
	h := make(email.Header)

	var key string
	var value strings.Builder
	flush := func() {
		if key != "" {
			h.Add(key, strings.TrimSpace(value.String()))
		}
		key = ""
		value.Reset()
	}

	for _, line := range strings.Split(string(head), "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			if key != "" {
				value.WriteByte(' ')
				value.WriteString(strings.TrimSpace(line))
			}
			continue
		}
		flush()
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(k)
		value.WriteString(strings.TrimSpace(v))
	}
	flush()
	return h
}

// parseContentType returns the lowercase media type and its parameters.
// Malformed parameter lists are parsed leniently.
func parseContentType(v string) (string, map[string]string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return "", map[string]string{}
	}

	mediaType, params, err := mime.ParseMediaType(v)
	if err == nil {
		return strings.ToLower(mediaType), params
	}

	segments := strings.Split(v, ";")
	params = make(map[string]string, len(segments)-1)
	for _, seg := range segments[1:] {
		k, val, ok := strings.Cut(seg, "=")
		if !ok {
			continue
		}
		params[strings.ToLower(strings.TrimSpace(k))] = strings.Trim(strings.TrimSpace(val), `"'`)
	}
	return strings.ToLower(strings.TrimSpace(segments[0])), params
}

func newPart(header email.Header, mediaType string, params map[string]string, body []byte) email.MimePart {
	if mediaType == "" {
		mediaType = "text/plain"
	}
	cs := strings.ToLower(strings.Trim(strings.TrimSpace(params["charset"]), `"'`))
	if cs == "" {
		cs = email.DefaultCharset
	}
	return email.MimePart{
		ContentType:      mediaType,
		TransferEncoding: email.ParseTransferEncoding(header.Get("content-transfer-encoding")),
		Charset:          cs,
		RawBody:          body,
	}
}

func splitMultipart(body []byte, boundary string, depth int) []email.MimePart {
	var parts []email.MimePart

	for i, fragment := range splitOnBoundary(body, boundary) {
		if len(bytes.TrimSpace(fragment)) == 0 {
			continue
		}

		head, partBody, err := splitMessage(fragment)
		if err != nil {
			slog.Warn("skipping MIME part without header separator",
				"index", i,
				"error", err,
			)
			continue
		}

		header := parseHeaderBlock(head)
		mediaType, params := parseContentType(header.Get("content-type"))

		if strings.HasPrefix(mediaType, "multipart/") {
			nested := params["boundary"]
			if nested == "" || depth+1 >= maxDepth {
				slog.Warn("skipping nested multipart part",
					"content_type", mediaType,
					"depth", depth+1,
				)
				continue
			}
			parts = append(parts, splitMultipart(partBody, nested, depth+1)...)
			continue
		}

		parts = append(parts, newPart(header, mediaType, params, bytes.TrimSpace(partBody)))
	}
	return parts
}

// splitOnBoundary returns the fragments between "--boundary" delimiter lines.
// The preamble and everything after the closing delimiter are dropped. An
// unterminated final fragment is kept.
func splitOnBoundary(body []byte, boundary string) [][]byte {
	delim := []byte("--" + boundary)

	var fragments [][]byte
	start := -1
	pos := 0

	for pos < len(body) {
		next := len(body)
		end := bytes.IndexByte(body[pos:], '\n')
		if end >= 0 {
			next = pos + end + 1
		}
		line := bytes.TrimRight(body[pos:next], " \t\r\n")

		if bytes.HasPrefix(line, delim) {
			rest := line[len(delim):]
			closing := bytes.Equal(rest, []byte("--"))
			if len(rest) == 0 || closing {
				if start >= 0 {
					fragments = append(fragments, body[start:pos])
				}
				if closing {
					return fragments
				}
				start = next
			}
		}
		pos = next
	}

	if start >= 0 && start < len(body) {
		fragments = append(fragments, body[start:])
	}
	return fragments
}

