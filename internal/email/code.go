package email

// CodeSource records which input produced an extracted code.
type CodeSource string

const (
	SourceSubject  CodeSource = "subject"
	SourceBody     CodeSource = "body"
	SourceFallback CodeSource = "fallback"
)

// ExtractedCode is the verification code selected for a message.
type ExtractedCode struct {
	Value    string // uppercase alphanumeric, 4-8 characters
	Priority int    // higher is a more specific rule
	Rule     string
	Source   CodeSource
}

// Kind classifies the code as "numeric", "alpha" or "alphanumeric".
func (c ExtractedCode) Kind() string {
	digits, letters := 0, 0
	for _, r := range c.Value {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z'):
			letters++
		}
	}
	switch {
	case digits == len(c.Value):
		return "numeric"
	case letters == len(c.Value):
		return "alpha"
	default:
		return "alphanumeric"
	}
}
