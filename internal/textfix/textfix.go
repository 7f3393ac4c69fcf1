// Package textfix repairs UTF-8 text that was mis-decoded as Latin-1 somewhere
// upstream, the usual cause of subjects like "é®ç®±".
package textfix

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

var (
	garbledMarker = regexp.MustCompile(`[ÃÂ©®][^a-zA-Z0-9\s\x{a0}]{2,}`)
	cjkIdeograph  = regexp.MustCompile(`[\x{4e00}-\x{9fa5}]`)
)

// Single-byte tables tried in order when turning the visible characters back
// into the bytes they came from.
var reencoders = []*charmap.Charmap{
	charmap.ISO8859_1,
	charmap.Windows1252,
}

// LooksGarbled reports whether s carries the marker sequence of UTF-8 bytes
// rendered as Latin-1 characters.
func LooksGarbled(s string) bool {
	return garbledMarker.MatchString(s)
}

// Repair re-decodes the garbled stretches of s as UTF-8 when s looks garbled.
// Each maximal run of runes that a single-byte table can represent is
// re-encoded on its own; runes outside every table (CJK, emoji) pass through.
// A run is replaced only when its repaired form contains a CJK ideograph.
// Repair(Repair(s)) == Repair(s): repaired runs consist of runes outside
// every single-byte table, or of text that a second pass leaves unchanged.
func Repair(s string) string {
	if s == "" || !LooksGarbled(s) {
		return s
	}

	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	changed := false

	for i := 0; i < len(runes); {
		if !singleByte(runes[i]) {
			b.WriteRune(runes[i])
			i++
			continue
		}
		j := i + 1
		for j < len(runes) && singleByte(runes[j]) {
			j++
		}
		run := runes[i:j]
		if fixed, ok := repairRun(run); ok {
			b.WriteString(fixed)
			changed = true
		} else {
			b.WriteString(string(run))
		}
		i = j
	}

	if !changed {
		return s
	}
	slog.Debug("repaired garbled text", "length", len(s))
	return b.String()
}

func singleByte(r rune) bool {
	for _, cm := range reencoders {
		if _, ok := cm.EncodeRune(r); ok {
			return true
		}
	}
	return false
}

func repairRun(run []rune) (string, bool) {
	original := string(run)
	for _, cm := range reencoders {
		raw, ok := encodeRun(cm, run)
		if !ok {
			continue
		}
		fixed := decodeUTF8(raw, run)
		if fixed != original && cjkIdeograph.MatchString(fixed) {
			return fixed, true
		}
	}
	return "", false
}

func encodeRun(cm *charmap.Charmap, run []rune) ([]byte, bool) {
	raw := make([]byte, len(run))
	for i, r := range run {
		c, ok := cm.EncodeRune(r)
		if !ok {
			return nil, false
		}
		raw[i] = c
	}
	return raw, true
}

// decodeUTF8 decodes raw as UTF-8. raw[i] was encoded from run[i], so a byte
// that starts no valid sequence is written back as the rune it came from.
func decodeUTF8(raw []byte, run []rune) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); {
		r, size := utf8.DecodeRune(raw[i:])
		if r == utf8.RuneError && size <= 1 {
			b.WriteRune(run[i])
			i++
			continue
		}
		b.WriteRune(r)
		i += size
	}
	return b.String()
}
