// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"errors"
	"io"
	"net/http"

	"github.com/mcpany/gateway/pkg/apierr"
	"github.com/mcpany/gateway/pkg/pipeline"
)

// Passthrough forwards upstream's SSE body to out frame-for-frame with no
// sequence-number rewriting, response-id pinning or tool-call interception
// — the Chat Completions and Messages surfaces stream as a single
// round-trip with no tool loop (spec.md §4.7's loop applies only to
// Responses/Interactions; see Loop.Run's doc comment). handle is finished
// exactly once regardless of outcome.
func Passthrough(upResp io.ReadCloser, handle *pipeline.Handle, out http.ResponseWriter) *apierr.Error {
	defer upResp.Close()

	sw, err := NewWriter(out)
	if err != nil {
		handle.Finish(false)
		return apierr.Internal(err)
	}

	scanner := NewFrameScanner(upResp)
	for {
		frame, err := scanner.Next()
		if errors.Is(err, io.EOF) {
			handle.Finish(true)
			_ = sw.WriteDone()
			return nil
		}
		if err != nil {
			handle.Finish(false)
			return apierr.StreamingFailure(err.Error())
		}
		if werr := sw.WriteEvent(frame.Event, []byte(frame.Data)); werr != nil {
			handle.Finish(false)
			return apierr.StreamingFailure(werr.Error())
		}
	}
}
