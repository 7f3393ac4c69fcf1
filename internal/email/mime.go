package email

import "strings"

// TransferEncoding is the Content-Transfer-Encoding applied to a MIME part.
type TransferEncoding int

const (
	SevenBit TransferEncoding = iota
	EightBit
	Base64
	QuotedPrintable
)

// ParseTransferEncoding maps a header value to a TransferEncoding.
// Empty and unknown values map to SevenBit.
func ParseTransferEncoding(v string) TransferEncoding {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "base64":
		return Base64
	case "quoted-printable":
		return QuotedPrintable
	case "8bit", "binary":
		return EightBit
	default:
		return SevenBit
	}
}

func (e TransferEncoding) String() string {
	switch e {
	case EightBit:
		return "8bit"
	case Base64:
		return "base64"
	case QuotedPrintable:
		return "quoted-printable"
	default:
		return "7bit"
	}
}

// DefaultCharset is assumed for parts that do not declare one.
const DefaultCharset = "utf-8"

// MimePart is a leaf body part as found in the raw message.
type MimePart struct {
	ContentType      string // lowercase media type, e.g. "text/html"
	TransferEncoding TransferEncoding
	Charset          string // lowercase, defaults to DefaultCharset
	RawBody          []byte
}

// IsText reports whether the part is a text/plain leaf.
func (p MimePart) IsText() bool {
	return strings.Contains(p.ContentType, "text/plain")
}

// IsHTML reports whether the part is a text/html leaf.
func (p MimePart) IsHTML() bool {
	return strings.Contains(p.ContentType, "text/html")
}

// DecodedBody holds the first decoded text/plain and text/html leaves.
type DecodedBody struct {
	Text string
	HTML string
}

// Empty reports whether neither body was recovered.
func (b DecodedBody) Empty() bool {
	return b.Text == "" && b.HTML == ""
}

// Preferred returns the text body, or the HTML body when there is no text.
func (b DecodedBody) Preferred() string {
	if b.Text != "" {
		return b.Text
	}
	return b.HTML
}
