// Package email defines the core data model shared by the ingestion pipeline,
// its sources and its collaborators.
package email

import (
	"io"
	"strings"
	"time"
)

// Header is a message header map with case-insensitive lookup.
// Keys are stored lowercased; only the first value of a repeated field is kept.
type Header map[string]string

// Get returns the value for key, or "" if the field is absent.
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[strings.ToLower(key)]
}

// Set stores value under key, replacing any existing value.
func (h Header) Set(key, value string) {
	h[strings.ToLower(key)] = value
}

// Add stores value under key unless the field is already present.
func (h Header) Add(key, value string) {
	k := strings.ToLower(key)
	if _, ok := h[k]; !ok {
		h[k] = value
	}
}

// InboundMessage is a single inbound mail event. Raw must be read to
// completion exactly once, by the pipeline invocation that owns the message.
type InboundMessage struct {
	From       string
	To         string
	Header     Header
	Raw        io.Reader
	ReceivedAt time.Time
}

// ForwardRequest carries the original message bytes to a forwarding provider.
type ForwardRequest struct {
	// From and Recipient are the envelope addresses of the inbound message.
	From      string
	Recipient string

	// Target is the real destination address.
	Target string

	Subject string
	Raw     []byte
}
