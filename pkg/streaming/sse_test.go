// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameScanner_ReadsEventAndData(t *testing.T) {
	r := strings.NewReader("event: response.created\ndata: {\"type\":\"response.created\"}\n\n")
	s := NewFrameScanner(r)

	f, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "response.created", f.Event)
	assert.Equal(t, `{"type":"response.created"}`, f.Data)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameScanner_MultipleFrames(t *testing.T) {
	r := strings.NewReader("data: one\n\ndata: two\n\n")
	s := NewFrameScanner(r)

	f1, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "one", f1.Data)

	f2, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "two", f2.Data)

	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameScanner_MultilineData(t *testing.T) {
	r := strings.NewReader("data: line one\ndata: line two\n\n")
	s := NewFrameScanner(r)

	f, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two", f.Data)
}

func TestFrameScanner_LineTooLong(t *testing.T) {
	huge := "data: " + strings.Repeat("x", maxLineBuffer+10) + "\n\n"
	s := NewFrameScanner(strings.NewReader(huge))

	_, err := s.Next()
	assert.ErrorIs(t, err, ErrLineTooLong)
}

func TestWriter_WriteEvent(t *testing.T) {
	rec := httptest.NewRecorder()
	w, err := NewWriter(rec)
	require.NoError(t, err)

	require.NoError(t, w.WriteEvent("response.created", []byte(`{"ok":true}`)))
	require.NoError(t, w.WriteDone())

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, bytes.Contains([]byte(body), []byte("event: response.created\ndata: {\"ok\":true}\n\n")))
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

// nonFlushingWriter implements http.ResponseWriter but deliberately not
// http.Flusher, to exercise NewWriter's flusher check.
type nonFlushingWriter struct {
	header http.Header
}

func (w *nonFlushingWriter) Header() http.Header       { return w.header }
func (w *nonFlushingWriter) Write(b []byte) (int, error) { return len(b), nil }
func (w *nonFlushingWriter) WriteHeader(int)           {}

func TestNewWriter_RequiresFlusher(t *testing.T) {
	_, err := NewWriter(&nonFlushingWriter{header: http.Header{}})
	assert.Error(t, err)
}
