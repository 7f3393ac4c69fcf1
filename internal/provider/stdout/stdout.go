// Package stdout implements a Provider that prints forward requests to
// standard output instead of delivering them.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/shineum/tempmail-relay/internal/email"
	"github.com/shineum/tempmail-relay/internal/provider"
)

const separator = "========================================\n"

// Provider prints a summary of every forward request, and optionally the
// message bytes.
type Provider struct {
	mu      sync.Mutex
	writer  io.Writer
	showRaw bool
}

// New creates a new stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a new stdout Provider that writes to the given writer.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// ShowRaw makes the provider print the full message after the summary.
func (p *Provider) ShowRaw(show bool) *Provider {
	p.showRaw = show
	return p
}

// Forward prints the request. It fails only when no target is set.
func (p *Provider) Forward(_ context.Context, req *email.ForwardRequest) error {
	if req.Target == "" {
		return provider.ErrNoTarget
	}

	var b strings.Builder
	b.WriteString(separator)
	fmt.Fprintf(&b, "From: %s\n", req.From)
	fmt.Fprintf(&b, "Recipient: %s\n", req.Recipient)
	fmt.Fprintf(&b, "Forward-To: %s\n", req.Target)
	fmt.Fprintf(&b, "Subject: %s\n", req.Subject)
	fmt.Fprintf(&b, "Size: %s\n", formatSize(len(req.Raw)))
	if p.showRaw {
		b.WriteString("Message:\n")
		b.Write(req.Raw)
		if len(req.Raw) > 0 && req.Raw[len(req.Raw)-1] != '\n' {
			b.WriteByte('\n')
		}
	}
	b.WriteString(separator)

	p.mu.Lock()
	defer p.mu.Unlock()
	// Write errors are ignored; printing is best effort.
	_, _ = io.WriteString(p.writer, b.String())
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
