package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stellarlinkco/ambient/internal/analyzer"
	"github.com/stellarlinkco/ambient/internal/buffer"
	"github.com/stellarlinkco/ambient/internal/config"
	"github.com/stellarlinkco/ambient/internal/scheduler"
	"github.com/stellarlinkco/ambient/internal/window"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Status == nil {
		writeError(w, http.StatusNotImplemented, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Status())
}

type digestView struct {
	EntryID  string             `json:"entryId"`
	At       time.Time          `json:"at"`
	HUD      string             `json:"hud"`
	Digest   string             `json:"digest"`
	Commands []analyzer.Command `json:"commands,omitempty"`
	Model    string             `json:"model"`
	ParsedOK bool               `json:"parsedOk"`
}

func (s *Server) handleDigest(w http.ResponseWriter, r *http.Request) {
	e, ok := s.opts.Scheduler.Latest()
	if !ok {
		writeError(w, http.StatusNotFound, "no analysis yet")
		return
	}
	writeJSON(w, http.StatusOK, digestView{
		EntryID:  e.ID,
		At:       e.At,
		HUD:      e.HUD,
		Digest:   e.Digest,
		Commands: e.Commands,
		Model:    e.Model,
		ParsedOK: e.ParsedOK,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	n := defaultHistory
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = min(v, maxHistory)
	}

	var entries []scheduler.Entry
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		if s.opts.Journal == nil {
			writeError(w, http.StatusNotImplemented, "search requires the journal")
			return
		}
		found, err := s.opts.Journal.Search(r.Context(), q, n)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		entries = found
	} else {
		entries = s.opts.Scheduler.History(n)
	}
	if entries == nil {
		entries = []scheduler.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type contextView struct {
	Preset         string    `json:"preset"`
	BuiltAt        time.Time `json:"builtAt"`
	Active         bool      `json:"active"`
	CurrentApp     string    `json:"currentApp,omitempty"`
	AppTransitions []string  `json:"appTransitions,omitempty"`
	FreshnessMs    int64     `json:"freshnessMs"`
	SpanMs         int64     `json:"spanMs"`
	AudioEvents    int       `json:"audioEvents"`
	ScreenEvents   int       `json:"screenEvents"`
	Images         int       `json:"images"`
	Audio          string    `json:"audio"`
	Screen         string    `json:"screen"`
}

func newContextView(win window.Window) contextView {
	return contextView{
		Preset:         win.Preset.Name,
		BuiltAt:        win.BuiltAt,
		Active:         win.Active(),
		CurrentApp:     win.CurrentApp,
		AppTransitions: win.AppTransitions,
		FreshnessMs:    win.Freshness.Milliseconds(),
		SpanMs:         win.Span.Milliseconds(),
		AudioEvents:    len(win.Audio),
		ScreenEvents:   len(win.Screen),
		Images:         len(win.Images),
		Audio:          win.RenderAudio(-1),
		Screen:         win.RenderScreen(-1),
	}
}

func (s *Server) handleContext(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newContextView(s.opts.Scheduler.Window()))
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Store.Get().Redacted())
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch config.RuntimePatch
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid patch: "+err.Error())
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "patch changes nothing")
		return
	}
	next, err := s.opts.Store.Update(patch.Apply)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.log.Info().RawJSON("patch", mustJSON(patch)).Msg("config updated")
	writeJSON(w, http.StatusOK, next.Redacted())
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}

type tickView struct {
	Status scheduler.Status `json:"status"`
	Entry  *scheduler.Entry `json:"entry,omitempty"`
	Error  string           `json:"error,omitempty"`
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	status, err := s.opts.Scheduler.Tick(r.Context(), scheduler.ReasonManual)
	view := tickView{Status: status}
	if err != nil {
		view.Error = err.Error()
		code := http.StatusBadGateway
		if errors.Is(err, scheduler.ErrStopped) {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, view)
		return
	}
	if status == scheduler.StatusRan {
		if e, ok := s.opts.Scheduler.Latest(); ok {
			view.Entry = &e
		}
	}
	code := http.StatusOK
	if status == scheduler.StatusBusy {
		code = http.StatusConflict
	}
	writeJSON(w, code, view)
}

type feedRequest struct {
	Text     string        `json:"text"`
	Priority int           `json:"priority"`
	Source   buffer.Source `json:"source"`
	Channel  string        `json:"channel"`
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	var req feedRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid feed item: "+err.Error())
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	source := req.Source
	switch source {
	case "":
		source = buffer.SourceAudio
	case buffer.SourceAudio, buffer.SourceHUD, buffer.SourceSystem:
	default:
		writeError(w, http.StatusBadRequest, "unknown source "+strconv.Quote(string(source)))
		return
	}
	s.opts.Sink.PushFeedItem(text, req.Priority, source, req.Channel)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSense(w http.ResponseWriter, r *http.Request) {
	var ev buffer.SenseEvent
	if err := decodeBody(w, r, &ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid sense event: "+err.Error())
		return
	}
	switch ev.Type {
	case "":
		ev.Type = buffer.SenseText
	case buffer.SenseText, buffer.SenseVisual, buffer.SenseContext:
	default:
		writeError(w, http.StatusBadRequest, "unknown sense type "+strconv.Quote(string(ev.Type)))
		return
	}
	merged := s.opts.Sink.PushSenseEvent(ev)
	writeJSON(w, http.StatusAccepted, map[string]bool{"merged": merged})
}
