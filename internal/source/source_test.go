package source

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shineum/tempmail-relay/internal/email"
	"github.com/shineum/tempmail-relay/internal/pipeline"
)

type handledMessage struct {
	From       string
	To         string
	Subject    string
	Raw        []byte
	ReceivedAt time.Time
}

type recordingHandler struct {
	mu       sync.Mutex
	messages []handledMessage
	result   pipeline.Result
}

func (h *recordingHandler) Handle(_ context.Context, msg *email.InboundMessage) pipeline.Result {
	raw, _ := io.ReadAll(msg.Raw)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = append(h.messages, handledMessage{
		From:       msg.From,
		To:         msg.To,
		Subject:    msg.Header.Get("subject"),
		Raw:        raw,
		ReceivedAt: msg.ReceivedAt,
	})
	return h.result
}

func (h *recordingHandler) all() []handledMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]handledMessage(nil), h.messages...)
}

func rawMessage(to, subject string) []byte {
	return []byte("From: Service <noreply@service.test>\r\n" +
		"To: " + to + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"\r\n" +
		"Your code is 123456\r\n")
}

func TestNewInbound(t *testing.T) {
	t.Parallel()

	received := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		raw       string
		override  string
		wantFrom  string
		wantTo    string
		wantError error
	}{
		{
			name:     "to header",
			raw:      "From: Service <noreply@service.test>\r\nTo: Box <box@temp.test>\r\n\r\nbody",
			wantFrom: "noreply@service.test",
			wantTo:   "box@temp.test",
		},
		{
			name:     "delivered-to wins over to",
			raw:      "Delivered-To: real@temp.test\r\nTo: list@lists.test\r\nFrom: a@b.test\r\n\r\nbody",
			wantFrom: "a@b.test",
			wantTo:   "real@temp.test",
		},
		{
			name:     "return-path wins over from",
			raw:      "Return-Path: <bounce@service.test>\r\nFrom: noreply@service.test\r\nTo: box@temp.test\r\n\r\nbody",
			wantFrom: "bounce@service.test",
			wantTo:   "box@temp.test",
		},
		{
			name:     "null return-path falls back to from",
			raw:      "Return-Path: <>\r\nFrom: noreply@service.test\r\nTo: box@temp.test\r\n\r\nbody",
			wantFrom: "noreply@service.test",
			wantTo:   "box@temp.test",
		},
		{
			name:     "override",
			raw:      "From: a@b.test\r\nTo: someone@else.test\r\n\r\nbody",
			override: "box@temp.test",
			wantFrom: "a@b.test",
			wantTo:   "box@temp.test",
		},
		{
			name:     "first of several recipients",
			raw:      "From: a@b.test\r\nTo: one@temp.test, two@temp.test\r\n\r\nbody",
			wantFrom: "a@b.test",
			wantTo:   "one@temp.test",
		},
		{
			name:      "no recipient",
			raw:       "From: a@b.test\r\nSubject: hi\r\n\r\nbody",
			wantError: ErrNoRecipient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			msg, err := NewInbound([]byte(tt.raw), tt.override, received)
			if tt.wantError != nil {
				require.ErrorIs(t, err, tt.wantError)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantFrom, msg.From)
			assert.Equal(t, tt.wantTo, msg.To)
			assert.Equal(t, received, msg.ReceivedAt)

			raw, err := io.ReadAll(msg.Raw)
			require.NoError(t, err)
			assert.Equal(t, tt.raw, string(raw))
		})
	}
}

func TestFirstAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"<>", ""},
		{"box@temp.test", "box@temp.test"},
		{"Box <box@temp.test>", "box@temp.test"},
		{"=?UTF-8?B?5byg5LiJ?= <zhang@temp.test>", "zhang@temp.test"},
		{"broken <<box@temp.test>", "box@temp.test"},
		{"undisclosed-recipients:;", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, firstAddress(tt.in), "firstAddress(%q)", tt.in)
	}
}
