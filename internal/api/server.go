// Package api exposes the session manager over HTTP/JSON.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/polzovatel/browser-session-server/internal/apperr"
	"github.com/polzovatel/browser-session-server/internal/session"
)

const maxBodyBytes = 8 << 20

// Options configures a Server.
type Options struct {
	Version string
	// CreateRate limits session creations per second. Zero means unlimited.
	CreateRate  float64
	CreateBurst int
	Logger      zerolog.Logger
}

type Server struct {
	mgr     *session.Manager
	version string
	creates *rate.Limiter
	logger  zerolog.Logger
	mux     *http.ServeMux
}

func New(mgr *session.Manager, opts Options) *Server {
	limit := rate.Inf
	if opts.CreateRate > 0 {
		limit = rate.Limit(opts.CreateRate)
	}
	burst := opts.CreateBurst
	if burst <= 0 {
		burst = int(math.Max(1, math.Ceil(opts.CreateRate)))
	}
	s := &Server{
		mgr:     mgr,
		version: opts.Version,
		creates: rate.NewLimiter(limit, burst),
		logger:  opts.Logger.With().Str("comp", "api").Logger(),
		mux:     http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.health)
	s.mux.HandleFunc("GET /commands", s.listCommands)

	s.mux.HandleFunc("POST /sessions", s.createSession)
	s.mux.HandleFunc("GET /sessions", s.listSessions)
	s.mux.HandleFunc("GET /sessions/{sid}", s.getSession)
	s.mux.HandleFunc("DELETE /sessions/{sid}", s.closeSession)

	s.mux.HandleFunc("POST /sessions/{sid}/pages", s.createPage)
	s.mux.HandleFunc("GET /sessions/{sid}/pages/{pid}", s.getPage)
	s.mux.HandleFunc("DELETE /sessions/{sid}/pages/{pid}", s.closePage)
	s.mux.HandleFunc("POST /sessions/{sid}/pages/{pid}/command", s.execute)
	s.mux.HandleFunc("GET /sessions/{sid}/pages/{pid}/console", s.logs(streamConsole))
	s.mux.HandleFunc("GET /sessions/{sid}/pages/{pid}/errors", s.logs(streamErrors))
	s.mux.HandleFunc("GET /sessions/{sid}/pages/{pid}/network", s.logs(streamNetwork))

	s.mux.HandleFunc("POST /vision/normalize", s.normalize)

	s.mux.HandleFunc("GET /snapshot", s.snapshot)
	s.mux.HandleFunc("POST /snapshot", s.restore)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// ServeHTTP logs every request and turns panics into 500s.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
			writeError(sw, apperr.New("api", apperr.CodeInternal, "internal error"))
		}
		s.logger.Debug().Str("method", r.Method).Str("path", r.URL.Path).Int("status", sw.status).
			Dur("took", time.Since(start)).Msg("request")
	}()
	r.Body = http.MaxBytesReader(sw, r.Body, maxBodyBytes)
	s.mux.ServeHTTP(sw, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error struct {
		Code    apperr.Code `json:"code"`
		Message string      `json:"message"`
	} `json:"error"`
}

func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeSessionNotFound, apperr.CodePageNotFound:
		return http.StatusNotFound
	case apperr.CodeSessionClosed:
		return http.StatusConflict
	case apperr.CodeBrowserCrashed:
		return http.StatusGone
	case apperr.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case apperr.CodeValidation, apperr.CodeUnknownCommand, apperr.CodeDimensionUnavailable:
		return http.StatusBadRequest
	case apperr.CodeCommandTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	var body errorBody
	body.Error.Code = apperr.CodeOf(err)
	body.Error.Message = err.Error()
	writeJSON(w, statusFor(body.Error.Code), body)
}

func decode(r *http.Request, v any) error { return decodeBody(r, v, false) }

// decodeOptional accepts an empty body as the zero value.
func decodeOptional(r *http.Request, v any) error { return decodeBody(r, v, true) }

func decodeBody(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return apperr.New("api.decode", apperr.CodeValidation, "request body over %d bytes", tooBig.Limit)
		}
		return apperr.New("api.decode", apperr.CodeValidation, "invalid JSON body: %v", err)
	}
	return nil
}
