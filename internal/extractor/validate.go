package extractor

import (
	"regexp"
	"strings"
)

// Tokens that look like codes but are words from the surrounding template.
var denylist = map[string]struct{}{
	"BUTTON": {}, "SUBMIT": {}, "LOGIN": {}, "EMAIL": {}, "PHONE": {},
	"CLICK": {}, "HERE": {}, "VERIFY": {}, "CODE": {}, "AMAZON": {},
	"GOOGLE": {}, "PAYPAL": {}, "GITHUB": {}, "ACCOUNT": {}, "MICROSOFT": {},
	"APPLE": {}, "FACEBOOK": {}, "TWITTER": {}, "ANYONE": {}, "SOMEONE": {},
	"PLEASE": {},

	"HELLO": {}, "THANKS": {}, "DEAR": {}, "USER": {}, "TEAM": {},
	"SUPPORT": {}, "SECURITY": {}, "PASSWORD": {}, "CUSTOMER": {},
	"WELCOME": {}, "MINUTES": {}, "EXPIRE": {}, "VALID": {}, "NOREPLY": {},
	"THIS": {}, "THAT": {}, "WITH": {}, "YOUR": {}, "FROM": {},
}

var (
	dateShaped = regexp.MustCompile(`^20\d\d(?:0[1-9]|1[0-2])(?:\d|0[1-9]|[12]\d|3[01])?$`)
	timeShaped = regexp.MustCompile(`^[0-2]\d[0-5]\d[0-5]\d$`)
)

// IsInvalidCode reports whether code must never be returned: a template word,
// a 20YYMM, 20YYMMD or 20YYMMDD date, or a single repeated character (which
// covers all-zero and all-nine strings).
func IsInvalidCode(code string) bool {
	upper := strings.ToUpper(code)
	if _, ok := denylist[upper]; ok {
		return true
	}
	if dateShaped.MatchString(upper) {
		return true
	}
	return isRepeated(upper)
}

// looksLikeTime reports an HHMMSS-shaped token.
func looksLikeTime(code string) bool {
	return timeShaped.MatchString(code)
}

func isRepeated(s string) bool {
	if len(s) < 4 {
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] != s[0] {
			return false
		}
	}
	return true
}

// rejected applies IsInvalidCode plus the filters that only make sense for
// tokens found without an explicit marker.
func rejected(code string, tier Tier) bool {
	if len(code) < minCodeLen || len(code) > maxCodeLen {
		return true
	}
	if IsInvalidCode(code) {
		return true
	}
	return tier == Heuristic && looksLikeTime(code)
}
