package server

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/modelrelay/modelrelay/internal/pool"
	"github.com/modelrelay/modelrelay/internal/typ"
	"github.com/modelrelay/modelrelay/internal/upstream"
	"github.com/modelrelay/modelrelay/pkg/adaptor"
)

// streamCompletion runs the streaming retry loop. Failover is allowed only
// until the first byte reaches the client; after that the stream either
// finishes or dies.
func (s *Server) streamCompletion(c *gin.Context, tr adaptor.Translator, kind typ.ProviderKind, req *typ.Request) {
	ctx := c.Request.Context()

	var lastErr error
	for attempt := 1; attempt <= s.settings.MaxAttempts; attempt++ {
		sel, err := s.pool.Select(kind, req.Model, pool.Options{AcquireSlot: true})
		if err != nil {
			if lastErr == nil {
				lastErr = err
			}
			break
		}
		adapter := s.registry.For(sel.ActualKind)
		if adapter == nil {
			s.pool.ReleaseSlot(sel.Credential)
			lastErr = fmt.Errorf("no adapter registered for provider kind %q", sel.ActualKind)
			break
		}

		attemptReq := *req
		attemptReq.Model = sel.ActualModel
		st, err := adapter.GenerateStream(ctx, sel.Credential, &attemptReq)
		if err != nil {
			s.pool.ReleaseSlot(sel.Credential)
			if ctx.Err() != nil {
				return
			}
			s.pool.MarkFailure(sel.Credential, err)
			lastErr = err
			if typ.IsRetryable(err) {
				continue
			}
			break
		}

		delivered, err := s.pump(c, tr, req, st)
		st.Close()
		s.pool.ReleaseSlot(sel.Credential)
		if err == nil {
			s.pool.MarkSuccess(sel.Credential)
			return
		}
		if ctx.Err() != nil {
			// Client went away; the credential did nothing wrong.
			return
		}
		s.pool.MarkFailure(sel.Credential, err)
		lastErr = err
		if delivered {
			logrus.Warnf("stream aborted after partial delivery: %v", err)
			return
		}
		if !typ.IsRetryable(err) {
			break
		}
	}
	if lastErr == nil {
		lastErr = typ.ErrNoHealthyCredential
	}
	writeUpstreamError(c, lastErr)
}

type recvResult struct {
	delta typ.Delta
	err   error
}

// pump forwards one upstream stream to the client, enforcing the inter-event
// idle timeout. It reports whether any byte was delivered.
func (s *Server) pump(c *gin.Context, tr adaptor.Translator, req *typ.Request, st upstream.Stream) (bool, error) {
	ctx := c.Request.Context()
	em := tr.NewEmitter(responseID(tr.Dialect()), req.Model)
	w := &frameWriter{c: c, dialect: tr.Dialect()}

	done := make(chan struct{})
	defer close(done)
	results := make(chan recvResult)
	go func() {
		for {
			d, err := st.Recv()
			select {
			case results <- recvResult{delta: d, err: err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	idle := time.NewTimer(s.settings.StreamIdleTimeout())
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return w.wrote, ctx.Err()
		case <-idle.C:
			return w.wrote, &typ.UpstreamError{Message: "stream idle timeout", Retryable: true}
		case r := <-results:
			if r.err == io.EOF {
				w.writeFrames(em.Finish())
				return w.wrote, nil
			}
			if r.err != nil {
				return w.wrote, r.err
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(s.settings.StreamIdleTimeout())

			if r.delta.FinishReason != "" && s.accountant != nil && tr.Dialect() == typ.DialectAnthropic {
				if r.delta.Usage == nil {
					r.delta.Usage = &typ.Usage{}
				}
				s.applyCacheAccounting(ctx, tr.Dialect(), req, r.delta.Usage)
			}
			w.writeFrames(em.Emit(r.delta))
		}
	}
}

func responseID(d typ.Dialect) string {
	switch d {
	case typ.DialectAnthropic:
		return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	case typ.DialectGemini:
		return uuid.NewString()
	default:
		return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	}
}

// frameWriter serialises translated frames onto the wire: SSE for the OpenAI
// and Anthropic dialects, newline-delimited JSON for Gemini. Headers go out
// with the first frame so early failures can still return a JSON error.
type frameWriter struct {
	c       *gin.Context
	dialect typ.Dialect
	wrote   bool
}

func (w *frameWriter) writeFrames(frames []adaptor.Frame) {
	if len(frames) == 0 {
		return
	}
	if !w.wrote {
		w.wrote = true
		header := w.c.Writer.Header()
		if w.dialect == typ.DialectGemini {
			header.Set("Content-Type", "application/json")
		} else {
			header.Set("Content-Type", "text/event-stream")
			header.Set("Cache-Control", "no-cache")
			header.Set("Connection", "keep-alive")
		}
		w.c.Writer.WriteHeader(http.StatusOK)
	}
	for _, f := range frames {
		switch {
		case f.Done:
			if w.dialect == typ.DialectOpenAI {
				fmt.Fprint(w.c.Writer, "data: [DONE]\n\n")
			}
		case w.dialect == typ.DialectGemini:
			w.c.Writer.Write(f.Data)
			fmt.Fprint(w.c.Writer, "\n")
		default:
			if f.Event != "" {
				fmt.Fprintf(w.c.Writer, "event: %s\n", f.Event)
			}
			fmt.Fprintf(w.c.Writer, "data: %s\n\n", f.Data)
		}
	}
	w.c.Writer.Flush()
}
