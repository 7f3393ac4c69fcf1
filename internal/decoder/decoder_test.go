package decoder

import (
	"bytes"
	"encoding/base64"
	"mime/quotedprintable"
	"strings"
	"testing"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/shineum/tempmail-relay/internal/email"
)

func wrapBase64(s string) []byte {
	enc := base64.StdEncoding.EncodeToString([]byte(s))
	var b strings.Builder
	for len(enc) > 76 {
		b.WriteString(enc[:76])
		b.WriteString("\r\n")
		enc = enc[76:]
	}
	b.WriteString(enc)
	return []byte(b.String())
}

func encodeQP(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := quotedprintable.NewWriter(&buf)
	w.Binary = true
	if _, err := w.Write([]byte(s)); err != nil {
		t.Fatalf("qp write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("qp close: %v", err)
	}
	return buf.Bytes()
}

var roundTripInputs = []string{
	"Your verification code is 123456",
	"您的验证码是 654321，请在 10 分钟内使用。",
	strings.Repeat("long line with = signs and tabs\t", 12),
	"mixed 中文 and ASCII = 50% off\nsecond line",
}

func TestDecodeBase64RoundTrip(t *testing.T) {
	t.Parallel()

	for _, in := range roundTripInputs {
		got := Decode(wrapBase64(in), email.Base64, "utf-8")
		if got != in {
			t.Errorf("base64 round trip: got %q, want %q", got, in)
		}
	}
}

func TestDecodeQuotedPrintableRoundTrip(t *testing.T) {
	t.Parallel()

	for _, in := range roundTripInputs {
		got := Decode(encodeQP(t, in), email.QuotedPrintable, "UTF-8")
		if got != in {
			t.Errorf("quoted-printable round trip: got %q, want %q", got, in)
		}
	}
}

func TestDecodeSevenBitRoundTrip(t *testing.T) {
	t.Parallel()

	for _, in := range roundTripInputs {
		got := Decode([]byte(in), email.SevenBit, "")
		if got != in {
			t.Errorf("7bit round trip: got %q, want %q", got, in)
		}
	}
}

func TestDecodeInvalidBase64ReturnsInput(t *testing.T) {
	t.Parallel()

	in := "this is *not* base64!"
	got := Decode([]byte(in), email.Base64, "utf-8")
	if got != in {
		t.Errorf("got %q, want %q", got, in)
	}
}

func TestDecodeUnpaddedBase64(t *testing.T) {
	t.Parallel()

	in := base64.RawStdEncoding.EncodeToString([]byte("code 4821"))
	got := Decode([]byte(in), email.Base64, "utf-8")
	if got != "code 4821" {
		t.Errorf("got %q, want %q", got, "code 4821")
	}
}

func TestDecodeQuotedPrintableLenient(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"soft break crlf", "abc=\r\ndef", "abcdef"},
		{"soft break lf", "abc=\ndef", "abcdef"},
		{"lowercase hex", "caf=c3=a9", "café"},
		{"malformed escape kept", "a=ZZb", "a=ZZb"},
		{"trailing equals kept", "end=", "end="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := string(DecodeQuotedPrintable([]byte(tt.in)))
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDecodeGBK(t *testing.T) {
	t.Parallel()

	want := "您的验证码是 778899"
	gbk, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte(want))
	if err != nil {
		t.Fatalf("encode gbk: %v", err)
	}

	for _, label := range []string{"gbk", "GB2312", "gb18030", `"gbk"`} {
		got := Decode(gbk, email.EightBit, label)
		if got != want {
			t.Errorf("charset %s: got %q, want %q", label, got, want)
		}
	}
}

func TestDecodeGBKLegacyMode(t *testing.T) {
	t.Parallel()

	want := "验证码 778899"
	gbk, err := simplifiedchinese.GBK.NewEncoder().Bytes([]byte(want))
	if err != nil {
		t.Fatalf("encode gbk: %v", err)
	}

	d := New(WithLegacyGBK(true))
	got := d.Decode(gbk, email.EightBit, "gbk")
	if got == want {
		t.Fatal("legacy mode should not decode GBK bytes")
	}
	if !strings.HasSuffix(got, " 778899") {
		t.Errorf("ASCII tail should survive, got %q", got)
	}
	if !strings.Contains(got, "�") {
		t.Errorf("expected replacement characters, got %q", got)
	}
}

func TestDecodeLatin1(t *testing.T) {
	t.Parallel()

	latin, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte("Código 5521"))
	if err != nil {
		t.Fatalf("encode latin1: %v", err)
	}

	got := Decode(latin, email.EightBit, "iso-8859-1")
	if got != "Código 5521" {
		t.Errorf("got %q, want %q", got, "Código 5521")
	}
}

func TestDecodeUnknownCharsetFallsBackToUTF8(t *testing.T) {
	t.Parallel()

	got := Decode([]byte("plain 123456"), email.SevenBit, "x-made-up-charset")
	if got != "plain 123456" {
		t.Errorf("got %q, want %q", got, "plain 123456")
	}
}

func TestNormalizeCharset(t *testing.T) {
	t.Parallel()

	d := New()
	tests := []struct {
		label   string
		wantNil bool
	}{
		{"", true},
		{"utf-8", true},
		{"UTF8", true},
		{"gbk", false},
		{"iso-8859-1", false},
		{"windows-1252", false},
		{"latin1", false},
		{"bogus", true},
	}

	for _, tt := range tests {
		got := d.NormalizeCharset(tt.label)
		if (got == nil) != tt.wantNil {
			t.Errorf("NormalizeCharset(%q): got %v, want nil=%v", tt.label, got, tt.wantNil)
		}
	}
}
