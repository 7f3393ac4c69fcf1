// Package rawstream drains a chunked inbound byte stream into one buffer.
package rawstream

import (
	"bytes"
	"context"
	"errors"
	"io"
)

// ErrTooLarge is returned when the stream exceeds the configured limit.
// The bytes read up to the limit are still returned.
var ErrTooLarge = errors.New("rawstream: message exceeds size limit")

// chunkSize is the size of each read from the source.
const chunkSize = 32 * 1024

// Drain reads r until end-of-stream and returns the concatenated chunks in
// arrival order. A limit <= 0 disables the size bound.
//
// Drain never discards data it has already read: on a read error, a context
// cancellation or an oversized stream it returns the bytes captured so far
// together with the error, so callers can degrade instead of failing.
func Drain(ctx context.Context, r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return nil, nil
	}

	var buf bytes.Buffer
	chunk := make([]byte, chunkSize)

	for {
		if err := ctx.Err(); err != nil {
			return buf.Bytes(), err
		}

		n, err := r.Read(chunk)
		if n > 0 {
			if limit > 0 && int64(buf.Len()+n) > limit {
				buf.Write(chunk[:limit-int64(buf.Len())])
				return buf.Bytes(), ErrTooLarge
			}
			buf.Write(chunk[:n])
		}
		if errors.Is(err, io.EOF) {
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), err
		}
	}
}
