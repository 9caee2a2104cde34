package response

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/harunnryd/interviewer/pkg/conversation"
	"github.com/harunnryd/interviewer/pkg/errorsx"
	"github.com/harunnryd/interviewer/pkg/llm"
	"github.com/harunnryd/interviewer/pkg/logging"
	"github.com/harunnryd/interviewer/pkg/metrics"
	"github.com/harunnryd/interviewer/pkg/redact"
)

// Sink receives generation output as soon as it is available. Calls happen on
// the generator goroutine, in order, and stop once the context is cancelled.
type Sink interface {
	// OnText mirrors each raw chunk into the in-progress interviewer turn.
	OnText(chunk string)
	// OnSentence hands a completed unit to synthesis.
	OnSentence(unit SentenceUnit)
}

// Request describes one interviewer reply.
type Request struct {
	SessionID string
	TurnID    string
	History   []conversation.Turn
	Params    SessionParams
	Sink      Sink
}

// Result summarizes a finished or aborted generation.
type Result struct {
	Text      string
	Units     int
	Cancelled bool
}

type Options struct {
	Retry    llm.RetryConfig
	Observer metrics.Observer
	Logger   *slog.Logger
}

// Generator streams interviewer replies from a language model.
type Generator struct {
	adapter llm.LLMAdapter
	retry   llm.RetryConfig
	obs     metrics.Observer
	logger  *slog.Logger
}

func NewGenerator(adapter llm.LLMAdapter, opts Options) *Generator {
	if opts.Observer == nil {
		opts.Observer = metrics.NoopObserver{}
	}
	return &Generator{
		adapter: adapter,
		retry:   opts.Retry,
		obs:     opts.Observer,
		logger:  logging.NewComponentLogger(opts.Logger, "response_generator"),
	}
}

// Generate runs one streaming request. Cancelling ctx aborts the stream; the
// returned Result then holds the text produced up to that point and err is nil.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	ctx, span := tracer.Start(ctx, "generate interviewer reply")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("turn.id", req.TurnID),
		attribute.Int("history.turns", len(req.History)),
		attribute.String("llm.provider", g.adapter.Name()),
	)

	tags := map[string]string{
		metrics.TagSessionID: req.SessionID,
		metrics.TagTurnID:    req.TurnID,
		metrics.TagComponent: "llm",
		metrics.TagProvider:  g.adapter.Name(),
	}
	started := time.Now()

	ch, err := llm.OpenStream(ctx, g.retry, g.adapter, BuildPrompt(req.Params, req.History))
	if err != nil {
		if ctx.Err() != nil {
			return Result{Cancelled: true}, nil
		}
		err = errorsx.Wrap(err, errorsx.ReasonLLMStream)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.Emit(g.obs, metrics.EventLLMError, tags, map[string]any{"error": err.Error()})
		g.logger.Error("llm_stream_open_failed",
			slog.String("session_id", req.SessionID),
			slog.String("turn_id", req.TurnID),
			slog.String("error", err.Error()))
		return Result{}, err
	}

	var (
		seg   Segmenter
		text  strings.Builder
		units int
		first = true
	)
	emit := func(u SentenceUnit) {
		units++
		metrics.Emit(g.obs, metrics.EventSentenceEmitted, tags, map[string]any{
			"seq":   u.Seq,
			"chars": len(u.Text),
		})
		if req.Sink != nil {
			req.Sink.OnSentence(u)
		}
	}

	for {
		var (
			chunk string
			ok    bool
		)
		select {
		case <-ctx.Done():
			return g.cancelled(req, span, text.String(), units), nil
		case chunk, ok = <-ch:
		}
		if !ok {
			break
		}
		if ctx.Err() != nil {
			return g.cancelled(req, span, text.String(), units), nil
		}
		if first {
			first = false
			metrics.Emit(g.obs, metrics.EventLLMFirstToken, tags, map[string]any{
				"latency_ms": time.Since(started).Milliseconds(),
			})
		}
		text.WriteString(chunk)
		if req.Sink != nil {
			req.Sink.OnText(chunk)
		}
		for _, u := range seg.Push(chunk) {
			emit(u)
		}
	}

	if ctx.Err() != nil {
		return g.cancelled(req, span, text.String(), units), nil
	}
	if u, ok := seg.Flush(); ok {
		emit(u)
	}

	var streamErr error
	if r, ok := g.adapter.(llm.StreamErrorReporter); ok {
		streamErr = r.StreamErr(ch)
	}
	res := Result{Text: text.String(), Units: units}
	metrics.Emit(g.obs, metrics.EventLLMDone, tags, map[string]any{
		"latency_ms": time.Since(started).Milliseconds(),
		"chars":      len(res.Text),
		"units":      units,
	})
	span.SetAttributes(attribute.Int("reply.units", units), attribute.Int("reply.chars", len(res.Text)))
	if streamErr != nil && !errors.Is(streamErr, context.Canceled) {
		streamErr = errorsx.Wrap(streamErr, errorsx.ReasonLLMStream)
		span.RecordError(streamErr)
		span.SetStatus(codes.Error, streamErr.Error())
		g.logger.Warn("llm_stream_ended_with_error",
			slog.String("session_id", req.SessionID),
			slog.String("turn_id", req.TurnID),
			slog.String("error", streamErr.Error()))
		return res, streamErr
	}
	g.logger.Info("reply_generated",
		slog.String("session_id", req.SessionID),
		slog.String("turn_id", req.TurnID),
		slog.Int("units", units),
		slog.String("text", redact.Preview(res.Text, 80)))
	return res, nil
}

func (g *Generator) cancelled(req Request, span trace.Span, text string, units int) Result {
	span.AddEvent("cancelled")
	g.logger.Info("generation_cancelled",
		slog.String("session_id", req.SessionID),
		slog.String("turn_id", req.TurnID),
		slog.Int("chars", len(text)),
		slog.Int("units", units))
	return Result{Text: text, Units: units, Cancelled: true}
}
