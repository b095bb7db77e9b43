// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package streaming implements the Streaming Tool Loop of spec.md §4.7:
// the single most intricate subsystem, which interleaves upstream SSE
// forwarding with MCP tool execution so a client sees one logical,
// continuously-numbered event stream across however many upstream
// round-trips the tool loop takes.
package streaming

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/mcpany/gateway/pkg/metrics"
)

// maxLineBuffer is spec.md §4.7's "Cap the SSE line-buffer at 1 MiB to
// defend against missing delimiters."
const maxLineBuffer = 1 << 20

// ErrLineTooLong is returned by the frame scanner when an upstream SSE
// line exceeds maxLineBuffer without a delimiter.
var ErrLineTooLong = errors.New("streaming: SSE line exceeds 1 MiB buffer cap")

// Frame is one parsed upstream SSE event (event: + data: lines joined).
type Frame struct {
	Event string
	Data  string
}

// FrameScanner reads SSE frames off an upstream response body.
type FrameScanner struct {
	scanner *bufio.Scanner
}

// NewFrameScanner wraps r, enforcing the 1 MiB per-line cap.
func NewFrameScanner(r io.Reader) *FrameScanner {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), maxLineBuffer)
	return &FrameScanner{scanner: s}
}

// Next returns the next frame, or io.EOF when the stream ends cleanly, or
// ErrLineTooLong if a line exceeded the buffer cap.
func (s *FrameScanner) Next() (Frame, error) {
	var event string
	var data strings.Builder
	sawAny := false

	for s.scanner.Scan() {
		line := s.scanner.Text()
		if line == "" {
			if sawAny {
				return Frame{Event: event, Data: data.String()}, nil
			}
			continue
		}
		sawAny = true
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if err := s.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return Frame{}, ErrLineTooLong
		}
		return Frame{}, err
	}
	if sawAny {
		return Frame{Event: event, Data: data.String()}, nil
	}
	return Frame{}, io.EOF
}

// Writer emits SSE frames downstream, flushing after every write so the
// client sees each event as soon as it is produced.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares w for SSE output. It sets the standard SSE headers
// and returns an error if w does not support flushing (required for any
// useful streaming response).
func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming: response writer does not support flushing")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	return &Writer{w: w, flusher: flusher}, nil
}

// WriteEvent writes one "event: name\ndata: payload\n\n" frame.
func (w *Writer) WriteEvent(event string, payload []byte) error {
	var buf bytes.Buffer
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	fmt.Fprintf(&buf, "data: %s\n\n", payload)
	if _, err := w.w.Write(buf.Bytes()); err != nil {
		return err
	}
	w.flusher.Flush()
	metrics.IncrCounter([]string{"streaming", "sse_frames_total"}, 1)
	return nil
}

// WriteDone writes the terminal "data: [DONE]\n\n" marker spec.md §4.7
// calls for at the end of the outer loop.
func (w *Writer) WriteDone() error {
	if _, err := w.w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	w.flusher.Flush()
	return nil
}
