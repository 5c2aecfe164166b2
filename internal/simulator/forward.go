package simulator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/prasenjit/translucent/internal/models"
	"github.com/prasenjit/translucent/internal/passthrough"
	"github.com/prasenjit/translucent/internal/session"
)

// forward relays the request to its upstream and streams the response back.
func (e *Engine) forward(x *exchange) {
	if e.upstream == nil {
		e.fail(x, models.OutcomeUpstreamError, http.StatusBadGateway,
			object{"error": "upstream unavailable", "reason": "pass-through is disabled"}, passthrough.ErrNoUpstream)
		return
	}

	resp, err := e.upstream.Forward(x.ctx, x.r, x.body)
	if err != nil {
		if e.finishIfDone(x) {
			return
		}
		var uerr *passthrough.UpstreamError
		switch {
		case errors.As(err, &uerr):
			e.logger.Warn("upstream request failed",
				"upstream", uerr.Upstream, "kind", uerr.Kind, "attempts", uerr.Attempts,
				"method", x.r.Method, "path", x.r.URL.Path, "error", uerr.Err)
			e.fail(x, models.OutcomeUpstreamError, http.StatusBadGateway,
				object{"error": "upstream unavailable", "kind": uerr.Kind}, err)
		default:
			e.fail(x, models.OutcomeUpstreamError, http.StatusBadGateway,
				object{"error": "upstream unavailable", "reason": err.Error()}, err)
		}
		return
	}
	defer resp.Body.Close()

	if e.finishIfDone(x) {
		return
	}

	h := x.w.Header()
	for name, values := range resp.Header {
		h[name] = values
	}
	x.w.WriteHeader(resp.StatusCode)
	x.record.Response = models.InteractionResponse{StatusCode: resp.StatusCode, Headers: h.Clone()}

	recording := e.recording(x)
	// One byte past the limit lets truncation be detected on a rune boundary.
	capture := &limitedBuffer{limit: e.captureLimit(recording) + 1}
	readErr, writeErr := stream(x.w, resp.Body, capture)
	x.record.Response.Body, x.record.Response.BodyTruncated = e.truncate(capture.buf.Bytes())

	switch {
	case readErr == nil && writeErr == nil:
		if recording {
			e.capture(x, resp, capture.buf.Bytes())
		}
		e.finish(x, models.OutcomePassthrough, nil)
	case x.r.Context().Err() != nil || writeErr != nil:
		e.finish(x, models.OutcomeCancelled, firstErr(writeErr, readErr))
	case errors.Is(x.ctx.Err(), context.DeadlineExceeded):
		// Headers are out; the only way to signal failure is to drop the connection.
		e.finish(x, models.OutcomeTimeout, readErr)
		panic(http.ErrAbortHandler)
	default:
		e.finish(x, models.OutcomeUpstreamError, fmt.Errorf("upstream body: %w", readErr))
		panic(http.ErrAbortHandler)
	}
}

// captureLimit is how much of an upstream body is kept: enough for the
// interaction log, or for a session recording when one is active.
func (e *Engine) captureLimit(recording bool) int {
	limit := 0
	if e.recorder != nil {
		limit = e.recorder.MaxBodyBytes()
	}
	if recording && e.opts.Sessions.MaxBodyBytes() > limit {
		limit = e.opts.Sessions.MaxBodyBytes()
	}
	return limit
}

// capture stores a completed pass-through exchange in the recording session.
func (e *Engine) capture(x *exchange, resp *http.Response, body []byte) {
	kept := e.opts.Sessions.Record(x.req.Session, session.Exchange{
		Method:   x.r.Method,
		Path:     x.r.URL.Path,
		RawQuery: x.r.URL.RawQuery,
		Status:   resp.StatusCode,
		Header:   resp.Header,
		Body:     body,
	})
	if !kept {
		e.logger.Debug("exchange not captured",
			"session", x.req.Session, "method", x.r.Method, "path", x.r.URL.Path, "bytes", len(body))
	}
}

// stream copies src to w, flushing after each chunk so streamed upstream
// responses reach the client as they arrive.
func stream(w http.ResponseWriter, src io.Reader, capture *limitedBuffer) (readErr, writeErr error) {
	rc := http.NewResponseController(w)
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			capture.Write(buf[:n])
			if _, werr := w.Write(buf[:n]); werr != nil {
				return nil, werr
			}
			_ = rc.Flush()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, nil
			}
			return err, nil
		}
	}
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		return
	}
	if len(p) > room {
		p = p[:room]
	}
	b.buf.Write(p)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
