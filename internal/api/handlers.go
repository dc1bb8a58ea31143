package api

import (
	"bytes"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/polzovatel/browser-session-server/internal/actionlog"
	"github.com/polzovatel/browser-session-server/internal/apperr"
	"github.com/polzovatel/browser-session-server/internal/browser"
	"github.com/polzovatel/browser-session-server/internal/command"
	"github.com/polzovatel/browser-session-server/internal/geometry"
	"github.com/polzovatel/browser-session-server/internal/session"
)

const defaultLogLimit = 100

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	sessions, pages := s.mgr.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  s.version,
		"sessions": sessions,
		"pages":    pages,
	})
}

func (s *Server) listCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"commands": s.mgr.Executor().Describe()})
}

type createSessionRequest struct {
	BrowserType string           `json:"browser_type"`
	Headless    *bool            `json:"headless"`
	Viewport    browser.Viewport `json:"viewport"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	if !s.creates.Allow() {
		writeError(w, apperr.New("api.create_session", apperr.CodeResourceExhausted, "session creation rate exceeded"))
		return
	}
	var req createSessionRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, err)
		return
	}
	inf, err := s.mgr.CreateSession(r.Context(), session.CreateOptions{
		Kind:     browser.Kind(req.BrowserType),
		Headless: req.Headless,
		Viewport: req.Viewport,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, inf)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	list := s.mgr.ListSessions()
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list, "count": len(list)})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	inf, err := s.mgr.GetSession(r.PathValue("sid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inf)
}

func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("sid")
	if err := s.mgr.CloseSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "closed": true})
}

type createPageRequest struct {
	URL string `json:"url"`
}

func (s *Server) createPage(w http.ResponseWriter, r *http.Request) {
	var req createPageRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.mgr.CreatePage(r.Context(), r.PathValue("sid"), strings.TrimSpace(req.URL))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) getPage(w http.ResponseWriter, r *http.Request) {
	p, err := s.mgr.GetPage(r.PathValue("sid"), r.PathValue("pid"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) closePage(w http.ResponseWriter, r *http.Request) {
	sid, pid := r.PathValue("sid"), r.PathValue("pid")
	if err := s.mgr.ClosePage(r.Context(), sid, pid); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": pid, "session_id": sid, "closed": true})
}

type commandRequest struct {
	Command   string         `json:"command"`
	Params    command.Params `json:"params"`
	TimeoutMs int64          `json:"timeout_ms"`
}

// execute always answers 200 once the page is addressed; the command's own
// failure travels in the result body.
func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Command) == "" {
		writeError(w, apperr.New("api.execute", apperr.CodeValidation, "field command required"))
		return
	}
	if req.TimeoutMs < 0 {
		writeError(w, apperr.New("api.execute", apperr.CodeValidation, "timeout_ms must not be negative"))
		return
	}
	res, err := s.mgr.Execute(r.Context(), r.PathValue("sid"), r.PathValue("pid"), command.Request{
		Command: req.Command,
		Params:  req.Params,
		Timeout: time.Duration(req.TimeoutMs) * time.Millisecond,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type logStream int

const (
	streamConsole logStream = iota
	streamErrors
	streamNetwork
)

func parseQuery(r *http.Request) (actionlog.Query, error) {
	v := r.URL.Query()
	q := actionlog.Query{TextContains: v.Get("text_contains"), Limit: defaultLogLimit}
	for _, t := range strings.Split(v.Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			q.Types = append(q.Types, actionlog.Kind(strings.ToLower(t)))
		}
	}
	for key, dst := range map[string]*time.Time{"since": &q.Since, "until": &q.Until} {
		raw := v.Get(key)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return q, apperr.New("api.query", apperr.CodeValidation, "%s must be RFC3339: %v", key, err)
		}
		*dst = ts
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, apperr.New("api.query", apperr.CodeValidation, "limit must be a non-negative integer")
		}
		q.Limit = n
	}
	return q, nil
}

func (s *Server) logs(which logStream) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q, err := parseQuery(r)
		if err != nil {
			writeError(w, err)
			return
		}
		stream := actionlog.StreamConsole
		switch which {
		case streamErrors:
			q = actionlog.ErrorsOnly(q)
		case streamNetwork:
			stream = actionlog.StreamNetwork
		}
		sid, pid := r.PathValue("sid"), r.PathValue("pid")
		rep, err := s.mgr.QueryLogs(sid, pid, stream, q)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			SessionID string `json:"session_id"`
			PageID    string `json:"page_id"`
			session.LogReport
		}{sid, pid, rep})
	}
}

type normalizeRequest struct {
	Box           geometry.DetectionBox `json:"box"`
	ImageWidth    int                   `json:"image_width"`
	ImageHeight   int                   `json:"image_height"`
	AllowDegraded bool                  `json:"allow_degraded"`
}

func (s *Server) normalize(w http.ResponseWriter, r *http.Request) {
	var req normalizeRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.Box.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if req.AllowDegraded {
		rect, degraded := geometry.ToPixelOrRaw(req.Box, req.ImageWidth, req.ImageHeight)
		writeJSON(w, http.StatusOK, map[string]any{"rect": rect, "degraded": degraded})
		return
	}
	rect, err := geometry.ToPixel(req.Box, req.ImageWidth, req.ImageHeight)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rect": rect, "degraded": false})
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := session.EncodeSnapshot(&buf, s.mgr.Snapshot()); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) restore(w http.ResponseWriter, r *http.Request) {
	descs, err := session.DecodeSnapshot(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	restored, err := s.mgr.Restore(r.Context(), descs)
	if err != nil {
		s.logger.Warn().Err(err).Int("restored", len(restored)).Msg("restore stopped early")
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": restored, "count": len(restored)})
}
