package extractor

import "regexp"

// Variant selects the text a rule is evaluated against.
type Variant int

const (
	// Plain is the body with markup removed and whitespace collapsed.
	Plain Variant = iota
	// Markup is the body exactly as decoded, tags included.
	Markup
)

// Tier groups rules by how much the surrounding wording vouches for a match.
type Tier int

const (
	// Explicit rules need a "verification code"-style marker next to the token.
	Explicit Tier = iota
	// Phrase rules match common sentence shapes around a code.
	Phrase
	// Heuristic rules rely on layout or a nearby keyword only.
	Heuristic
)

func (t Tier) String() string {
	switch t {
	case Explicit:
		return "explicit"
	case Phrase:
		return "phrase"
	default:
		return "heuristic"
	}
}

// Rule is one entry of the ordered extraction table. The first capture group
// of Pattern is the candidate token.
type Rule struct {
	Name     string
	Pattern  *regexp.Regexp
	Priority int
	Variant  Variant
	Tier     Tier
}

type ruleDef struct {
	name    string
	expr    string
	variant Variant
	tier    Tier
}

// Ordered most to least specific. Priority is derived from position.
var ruleDefs = []ruleDef{
	{"zh-verification-code", `(?i)验证码[：:\s]*[是为]?\s*[：:]?\s*([A-Za-z0-9]{4,8})\b`, Plain, Explicit},
	{"zh-bracketed-code", `(?i)[【\[(]验证码[】\])][：:\s]*([A-Za-z0-9]{4,8})\b`, Plain, Explicit},
	{"zh-dynamic-code", `(?i)动态码[：:\s]*([A-Za-z0-9]{4,8})\b`, Plain, Explicit},
	{"zh-activation-code", `(?i)激活码[：:\s]*([A-Za-z0-9]{4,8})\b`, Plain, Explicit},
	{"zh-check-code", `(?i)校验码[：:\s]*([A-Za-z0-9]{4,8})\b`, Plain, Explicit},
	{"zh-sms-code", `(?i)短信验证码[：:\s]*([A-Za-z0-9]{4,8})\b`, Plain, Explicit},
	{"zh-dynamic-password", `(?i)动态密码[：:\s]*([A-Za-z0-9]{4,8})\b`, Plain, Explicit},
	{"zh-identity-code", `(?i)身份验证码[：:\s]*([A-Za-z0-9]{4,8})\b`, Plain, Explicit},
	{"zh-code-is-yours", `(?i)\b([A-Za-z0-9]{4,8})\s*[是为]\s*您的验证码`, Plain, Explicit},
	{"zh-code-for-you", `(?i)\b([A-Za-z0-9]{4,8})\s*为您的(?:动态)?验证码`, Plain, Explicit},
	{"zh-your-code", `(?i)您的验证码[是为：:\s]*([A-Za-z0-9]{4,8})\b`, Plain, Explicit},
	{"zh-this-code", `(?i)本次验证码[是为：:\s]*([A-Za-z0-9]{4,8})\b`, Plain, Explicit},
	{"en-verification-code", `(?i)verification\s+code[：:\s]*(?:is)?[：:\s]*([A-Za-z0-9]{4,8})(?:\s|$)`, Plain, Explicit},
	{"en-confirmation-code", `(?i)confirm(?:ation)?\s+code[：:\s]*(?:is)?[：:\s]*([A-Za-z0-9]{4,8})(?:\s|$)`, Plain, Explicit},
	{"en-security-code", `(?i)security\s+code[：:\s]*(?:is)?[：:\s]*([A-Za-z0-9]{4,8})(?:\s|$)`, Plain, Explicit},
	{"en-auth-code", `(?i)auth(?:entication)?\s+code[：:\s]*(?:is)?[：:\s]*([A-Za-z0-9]{4,8})(?:\s|$)`, Plain, Explicit},
	{"en-your-code", `(?i)(?:your|the)\s+code[：:\s]*(?:is)?[：:\s]*([A-Za-z0-9]{4,8})(?:\s|$)`, Plain, Explicit},
	{"en-otp", `(?i)\bOTP[：:\s]*(?:code)?[：:\s]*(?:is)?[：:\s]*([A-Za-z0-9]{4,8})(?:\s|$)`, Plain, Explicit},
	{"en-pin", `(?i)\bPIN[：:\s]*(?:code)?[：:\s]*(?:is)?[：:\s]*([A-Za-z0-9]{4,8})(?:\s|$)`, Plain, Explicit},
	{"en-one-time-password", `(?i)one[- ]time\s+(?:pass)?(?:word|code)[：:\s]*(?:is)?[：:\s]*([A-Za-z0-9]{4,8})(?:\s|$)`, Plain, Explicit},

	{"en-code-is", `(?i)\bcode\s+(?:is|was)[：:\s]*([A-Za-z0-9]{4,8})\b`, Plain, Phrase},
	{"en-code-colon", `(?i)\bcode[：:]\s*([A-Za-z0-9]{4,8})\b`, Plain, Phrase},
	{"en-use-to-verify", `(?i)use\s+(?:code\s+)?([A-Za-z0-9]{4,8})\s+to\s+(?:verify|confirm|authenticate)`, Plain, Phrase},
	{"en-enter-to-verify", `(?i)enter\s+(?:code\s+)?([A-Za-z0-9]{4,8})\s+to\s+(?:verify|confirm|proceed)`, Plain, Phrase},
	{"zh-following-code", `(?i)以下是?您的验证码[：:\s]*([A-Za-z0-9]{4,8})\b`, Plain, Phrase},
	{"zh-please-enter", `(?i)请输入验证码[：:\s]*([A-Za-z0-9]{4,8})\b`, Plain, Phrase},
	{"zh-please-use", `(?i)请使用验证码[：:\s]*([A-Za-z0-9]{4,8})\b`, Plain, Phrase},

	{"html-emphasis", `(?i)<(?:strong|b|span|td|div|h[1-6])[^>]*>\s*([A-Za-z0-9]{4,8})\s*</(?:strong|b|span|td|div|h[1-6])>`, Markup, Heuristic},
	{"six-digits", `(?:^|[^\d.])(\d{6})(?:[^\d.]|$)`, Plain, Heuristic},
	{"token-after-keyword", `(?i)(?:验证|code|verify|confirm).{0,30}\b([A-Z0-9]{5,8})\b`, Plain, Heuristic},
	{"token-before-keyword", `(?i)\b([A-Z0-9]{5,8})\b.{0,30}(?:验证|code|verify|confirm)`, Plain, Heuristic},
}

// DefaultRules compiles the built-in rule table. Each call returns a fresh
// slice; the patterns themselves are shared.
func DefaultRules() []Rule {
	out := make([]Rule, len(compiledRules))
	copy(out, compiledRules)
	return out
}

var compiledRules = compileRules(ruleDefs)

func compileRules(defs []ruleDef) []Rule {
	rules := make([]Rule, len(defs))
	for i, d := range defs {
		rules[i] = Rule{
			Name:     d.name,
			Pattern:  regexp.MustCompile(d.expr),
			Priority: len(defs) - i,
			Variant:  d.variant,
			Tier:     d.tier,
		}
	}
	return rules
}
