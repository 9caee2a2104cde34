package browser

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harunnryd/interviewer/pkg/conversation"
	"github.com/harunnryd/interviewer/pkg/errorsx"
	"github.com/harunnryd/interviewer/pkg/logging"
	"github.com/harunnryd/interviewer/pkg/response"
)

type Config struct {
	Path           string
	SampleRate     int
	AllowedOrigins []string
	// FrameBuffer sizes the inbound audio and outbound message buffers.
	FrameBuffer int
	// AckGrace is how long past a clip's duration Play waits for
	// playback_done before giving up on it.
	AckGrace     time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Path == "" {
		c.Path = "/ws"
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 16000
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = 256
	}
	if c.AckGrace <= 0 {
		c.AckGrace = 2 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// SessionEngine is the conversation engine driven by one browser session.
type SessionEngine interface {
	Start(ctx context.Context) error
	End(ctx context.Context) error
	Reset() error
	Done() <-chan struct{}
	Err() error
	History() []conversation.Turn
}

// EngineFactory builds the engine for a session once the browser sent start.
// The session serves as audio source, player, notifier and interrupt emitter.
type EngineFactory func(sess *Session, params response.SessionParams) (SessionEngine, error)

type Options struct {
	// Defaults are merged under the params sent with start.
	Defaults response.SessionParams
	// Gatherer, when set, is exposed on /metrics.
	Gatherer prometheus.Gatherer
	// EndTimeout bounds ending the engine after the browser went away.
	EndTimeout time.Duration
	Logger     *slog.Logger
}

// Server accepts browser websocket connections and runs one engine per
// connection.
type Server struct {
	cfg      Config
	opts     Options
	factory  EngineFactory
	upgrader websocket.Upgrader
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	server   *http.Server
	wg       sync.WaitGroup
	active   atomic.Int64
	draining atomic.Bool
}

func NewServer(cfg Config, factory EngineFactory, opts Options) *Server {
	if opts.EndTimeout <= 0 {
		opts.EndTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:     cfg.withDefaults(),
		opts:    opts,
		factory: factory,
		logger:  logging.NewComponentLogger(opts.Logger, "browser_transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
	s.upgrader.CheckOrigin = s.checkOrigin
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.handleHealth)
	router.Get(s.cfg.Path, s.handleWS)
	if s.opts.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return router
}

// ListenAndServe serves until ctx is cancelled or the listener fails.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errorsx.Wrap(err, errorsx.ReasonConfigInvalid)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	s.logger.Info("browser_transport_listening",
		slog.String("addr", ln.Addr().String()),
		slog.String("path", s.cfg.Path))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Drain refuses new sessions and waits for the active ones to end. When ctx
// expires the remaining sessions are cancelled.
func (s *Server) Drain(ctx context.Context) error {
	s.draining.Store(true)
	s.logger.Info("browser_transport_draining", slog.Int64("active_sessions", s.active.Load()))

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()

	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = ctx.Err()
		s.cancel()
		<-waited
	}
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		_ = srv.Close()
	}
	return err
}

func (s *Server) ActiveSessions() int { return int(s.active.Load()) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("browser_upgrade_failed",
			slog.String("reason_code", string(errorsx.ReasonTransportUpgrade)),
			slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	s.wg.Add(1)
	defer s.wg.Done()
	s.active.Add(1)
	defer s.active.Add(-1)

	sess := newSession(uuid.NewString(), conn, s.cfg, s.logger)
	writerDone := make(chan struct{})
	go func() {
		sess.writeLoop()
		close(writerDone)
	}()

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	_ = sess.sendJSON(ctx, sessionMessage{Type: MsgSession, SessionID: sess.id, SampleRate: s.cfg.SampleRate})
	s.logger.Info("browser_session_open", slog.String("session_id", sess.id))

	s.serve(ctx, sess, s.readLoop(sess))

	sess.closeGracefully(ctx)
	select {
	case <-writerDone:
	case <-time.After(s.cfg.WriteTimeout):
		sess.shutdown()
	}
	s.logger.Info("browser_session_closed",
		slog.String("session_id", sess.id),
		slog.Int64("dropped_frames", sess.Dropped()))
}

// readLoop decodes inbound messages. Audio, mute and playback acks are
// handled directly so they never wait behind the control loop.
func (s *Server) readLoop(sess *Session) <-chan ClientMessage {
	msgs := make(chan ClientMessage, 16)
	go func() {
		defer close(msgs)
		for {
			mt, data, err := sess.conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				sess.pushAudio(data)
				continue
			}
			var m ClientMessage
			if err := json.Unmarshal(data, &m); err != nil {
				sess.trySend(errorMessage{Type: MsgError, Reason: "bad_request", Message: "invalid json"})
				continue
			}
			switch m.Type {
			case MsgPlaybackDone:
				sess.Ack(m.ID)
			case MsgMute:
				sess.SetMuted(m.Muted)
			default:
				select {
				case msgs <- m:
				case <-sess.done:
					return
				}
			}
		}
	}()
	return msgs
}

func (s *Server) serve(ctx context.Context, sess *Session, msgs <-chan ClientMessage) {
	var eng SessionEngine
	var engDone <-chan struct{}

	defer func() {
		if eng == nil {
			return
		}
		endCtx, cancel := context.WithTimeout(context.Background(), s.opts.EndTimeout)
		defer cancel()
		if err := eng.End(endCtx); err != nil {
			sess.trySend(errorMessage{Type: MsgError, Reason: string(errorsx.Reason(err)), Message: err.Error()})
		}
		turns := make([]turnMessage, 0)
		for _, t := range eng.History() {
			turns = append(turns, newTurnMessage(t))
		}
		sess.trySend(endedMessage{Type: MsgEnded, Turns: turns})
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			return
		case <-engDone:
			if err := eng.Err(); err != nil {
				sess.trySend(errorMessage{Type: MsgError, Reason: string(errorsx.Reason(err)), Message: err.Error()})
			}
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			switch m.Type {
			case MsgStart:
				if eng != nil {
					sess.trySend(errorMessage{Type: MsgError, Reason: string(errorsx.ReasonTurnInProgress), Message: "interview already started"})
					continue
				}
				e, err := s.startEngine(ctx, sess, m.Params)
				if err != nil {
					sess.trySend(errorMessage{Type: MsgError, Reason: string(errorsx.Reason(err)), Message: err.Error()})
					continue
				}
				eng, engDone = e, e.Done()
			case MsgReset:
				if eng != nil {
					_ = eng.Reset()
				}
			case MsgEnd:
				return
			default:
				sess.trySend(errorMessage{Type: MsgError, Reason: "bad_request", Message: "unknown message type " + m.Type})
			}
		}
	}
}

func (s *Server) startEngine(ctx context.Context, sess *Session, params *StartParams) (SessionEngine, error) {
	eng, err := s.factory(sess, params.merge(s.opts.Defaults))
	if err != nil {
		return nil, err
	}
	if err := eng.Start(ctx); err != nil {
		_ = eng.End(ctx)
		return nil, err
	}
	return eng, nil
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	origin = strings.TrimRight(origin, "/")
	originHost := strings.TrimPrefix(origin, "https://")
	originHost = strings.TrimPrefix(originHost, "http://")
	for _, allowed := range s.cfg.AllowedOrigins {
		a := strings.TrimRight(strings.TrimSpace(allowed), "/")
		if a == "" {
			continue
		}
		if a == "*" {
			return true
		}
		if strings.HasPrefix(a, "http://") || strings.HasPrefix(a, "https://") {
			if strings.EqualFold(a, origin) {
				return true
			}
			continue
		}
		if strings.EqualFold(a, originHost) {
			return true
		}
	}
	return false
}
