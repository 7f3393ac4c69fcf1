// Package decoder turns a MIME leaf part's bytes into normalized UTF-8 text
// according to its transfer encoding and declared charset.
package decoder

import (
	"encoding/base64"
	"log/slog"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/shineum/tempmail-relay/internal/email"
)

// Decoder decodes leaf parts. It never fails: undecodable input degrades to
// the undecoded text or to replacement characters.
type Decoder struct {
	legacyGBK bool
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithLegacyGBK makes gb2312/gbk labelled parts decode as UTF-8, the way the
// previous implementation did when no GBK table was available. It exists for
// callers that depend on the old lossy output.
func WithLegacyGBK(enabled bool) Option {
	return func(d *Decoder) {
		d.legacyGBK = enabled
	}
}

// New returns a Decoder. By default GBK-family charsets are decoded with a
// real GB18030 table.
func New(opts ...Option) *Decoder {
	d := &Decoder{}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

var defaultDecoder = New()

// Decode decodes body with the default Decoder.
func Decode(body []byte, enc email.TransferEncoding, charset string) string {
	return defaultDecoder.Decode(body, enc, charset)
}

// Decode applies the transfer decoding for enc and then interprets the bytes
// as charset. Invalid base64 returns the input text unchanged.
func (d *Decoder) Decode(body []byte, enc email.TransferEncoding, charset string) string {
	var raw []byte

	switch enc {
	case email.Base64:
		decoded, err := DecodeBase64(body)
		if err != nil {
			slog.Debug("base64 decode failed, keeping undecoded body", "error", err)
			return string(body)
		}
		raw = decoded
	case email.QuotedPrintable:
		raw = DecodeQuotedPrintable(body)
	default:
		raw = body
	}

	return d.decodeCharset(raw, charset)
}

func (d *Decoder) decodeCharset(raw []byte, charset string) string {
	enc := d.NormalizeCharset(charset)
	if enc == nil {
		return toValidUTF8(raw)
	}

	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil {
		slog.Debug("charset decode failed, falling back to utf-8",
			"charset", charset,
			"error", err,
		)
		return toValidUTF8(raw)
	}
	return toValidUTF8(out)
}

// NormalizeCharset maps a charset label to an encoding. A nil result means
// UTF-8, which is also the answer for anything unrecognized.
func (d *Decoder) NormalizeCharset(label string) encoding.Encoding {
	c := strings.ToLower(strings.Trim(strings.TrimSpace(label), `"'`))

	switch {
	case c == "":
		return nil
	case strings.Contains(c, "gb2312"), strings.Contains(c, "gbk"),
		strings.Contains(c, "gb18030"), c == "cp936", c == "x-gbk":
		if d.legacyGBK {
			slog.Warn("GBK charset detected, decoding as utf-8 (legacy mode)", "charset", c)
			return nil
		}
		return simplifiedchinese.GB18030
	case strings.Contains(c, "utf-8"), strings.Contains(c, "utf8"):
		return nil
	}

	if enc, err := ianaindex.MIME.Encoding(c); err == nil && enc != nil {
		return enc
	}
	if enc, err := ianaindex.IANA.Encoding(c); err == nil && enc != nil {
		return enc
	}
	if strings.Contains(c, "latin") {
		return charmap.Windows1252
	}
	return nil
}

// DecodeBase64 strips whitespace and decodes padded or unpadded base64.
func DecodeBase64(body []byte) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n', '\f', '\v':
			return -1
		}
		return r
	}, string(body))

	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err == nil {
		return decoded, nil
	}
	decoded, rawErr := base64.RawStdEncoding.DecodeString(strings.TrimRight(cleaned, "="))
	if rawErr == nil {
		return decoded, nil
	}
	return nil, err
}

// DecodeQuotedPrintable removes soft line breaks and replaces every =XX
// escape with its byte. Malformed escapes are kept literally.
func DecodeQuotedPrintable(body []byte) []byte {
	out := make([]byte, 0, len(body))

	for i := 0; i < len(body); i++ {
		b := body[i]
		if b != '=' {
			out = append(out, b)
			continue
		}

		switch {
		case i+1 < len(body) && body[i+1] == '\n':
			i++
		case i+2 < len(body) && body[i+1] == '\r' && body[i+2] == '\n':
			i += 2
		case i+2 < len(body) && isHex(body[i+1]) && isHex(body[i+2]):
			out = append(out, unhex(body[i+1])<<4|unhex(body[i+2]))
			i += 2
		default:
			out = append(out, b)
		}
	}
	return out
}

func isHex(b byte) bool {
	return ('0' <= b && b <= '9') || ('a' <= b && b <= 'f') || ('A' <= b && b <= 'F')
}

func unhex(b byte) byte {
	switch {
	case '0' <= b && b <= '9':
		return b - '0'
	case 'a' <= b && b <= 'f':
		return b - 'a' + 10
	default:
		return b - 'A' + 10
	}
}

func toValidUTF8(b []byte) string {
	if utf8.Valid(b) {
		return string(b)
	}
	return strings.ToValidUTF8(string(b), "�")
}
