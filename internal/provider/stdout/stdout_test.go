package stdout

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/shineum/tempmail-relay/internal/email"
	"github.com/shineum/tempmail-relay/internal/provider"
)

func testRequest() *email.ForwardRequest {
	return &email.ForwardRequest{
		From:      "noreply@service.test",
		Recipient: "box@temp.test",
		Target:    "me@real.test",
		Subject:   "Your code",
		Raw:       []byte("Subject: Your code\r\n\r\nCode 482913"),
	}
}

func TestForward_Summary(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	if err := p.Forward(context.Background(), testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"From: noreply@service.test\n",
		"Recipient: box@temp.test\n",
		"Forward-To: me@real.test\n",
		"Subject: Your code\n",
		"Size: 33 B\n",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q:\n%s", want, output)
		}
	}
	if strings.Contains(output, "Code 482913") {
		t.Error("raw message should not be printed by default")
	}
	if !strings.HasPrefix(output, separator) || !strings.HasSuffix(output, separator) {
		t.Error("output should be framed by separator lines")
	}
}

func TestForward_ShowRaw(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf).ShowRaw(true)

	if err := p.Forward(context.Background(), testRequest()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	output := buf.String()
	if !strings.Contains(output, "Message:\nSubject: Your code\r\n\r\nCode 482913\n"+separator) {
		t.Errorf("raw message not printed as expected:\n%q", output)
	}
}

func TestForward_NoTarget(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	req := testRequest()
	req.Target = ""

	err := NewWithWriter(&buf).Forward(context.Background(), req)
	if !errors.Is(err, provider.ErrNoTarget) {
		t.Fatalf("got %v, want ErrNoTarget", err)
	}
	if buf.Len() != 0 {
		t.Errorf("nothing should be printed, got %q", buf.String())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

func TestForward_WriteErrorIgnored(t *testing.T) {
	t.Parallel()

	if err := NewWithWriter(failingWriter{}).Forward(context.Background(), testRequest()); err != nil {
		t.Errorf("write errors should be ignored, got %v", err)
	}
}

func TestForward_ConcurrentOutputNotInterleaved(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	p := NewWithWriter(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = p.Forward(context.Background(), testRequest())
		}()
	}
	wg.Wait()

	if got := strings.Count(buf.String(), separator); got != 40 {
		t.Errorf("separator count: got %d, want 40", got)
	}
}

func TestName(t *testing.T) {
	t.Parallel()

	p := New()
	if p.Name() != "stdout" {
		t.Errorf("Name: got %q, want %q", p.Name(), "stdout")
	}
}

func TestFormatSize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		bytes int
		want  string
	}{
		{name: "zero bytes", bytes: 0, want: "0 B"},
		{name: "small bytes", bytes: 512, want: "512 B"},
		{name: "kilobytes", bytes: 46080, want: "45.0 KB"},
		{name: "megabytes", bytes: 1258291, want: "1.2 MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := formatSize(tt.bytes); got != tt.want {
				t.Errorf("formatSize(%d): got %q, want %q", tt.bytes, got, tt.want)
			}
		})
	}
}

var _ provider.Provider = (*Provider)(nil)
