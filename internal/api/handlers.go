package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"OpenLaunch/internal/errors"
	"OpenLaunch/internal/events"
	"OpenLaunch/internal/launcher"
	"OpenLaunch/pkg/plugin"
)

type queryRequest struct {
	Text string `json:"text"`
}

type sessionResponse struct {
	ID string `json:"id"`
}

type enabledRequest struct {
	Enabled bool `json:"enabled"`
}

type statsResponse struct {
	Since  time.Time      `json:"since"`
	Counts map[string]int `json:"counts"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	loaded := 0
	for _, info := range s.launcher.Plugins().List() {
		if info.State == plugin.StateLoaded {
			loaded++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "plugins_loaded": loaded})
}

// handleQuery 同时服务一次性查询与会话查询，会话 ID 来自路径。
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	out, err := s.launcher.Query(r.Context(), chi.URLParam(r, "id"), req.Text)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusCreated, sessionResponse{ID: s.launcher.NewSession()})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.launcher.CloseSession(id) {
		writeError(w, errors.Newf(errors.CodeNotFound, "session %s not found", id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	var req launcher.Activation
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	stored, err := s.launcher.Activate(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// handleStats 接受 RFC3339 时间或相对时长（例如 24h）作为 since 参数。
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r.URL.Query().Get("since"), time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	counts, err := s.launcher.Stats(r.Context(), since)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Since: since, Counts: counts})
}

func parseSince(raw string, now time.Time) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return time.Time{}, errors.Newf(errors.CodeInvalidArgument, "invalid since %q", raw)
	}
	return now.Add(-d), nil
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.launcher.Plugins().List())
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	info, err := s.launcher.Plugins().Info(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleLoadPlugin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.launcher.Plugins().Load(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.handleGetPlugin(w, r)
}

func (s *Server) handleUnloadPlugin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.launcher.Plugins().Unload(r.Context(), id); err != nil {
		// 拆卸失败时插件仍然回到未加载状态，错误随响应返回。
		if !errors.HasCode(err, errors.CodeTeardownError) {
			writeError(w, err)
			return
		}
		s.log.Warn("插件拆卸失败", slog.String("plugin", id), slog.Any("error", err))
	}
	s.handleGetPlugin(w, r)
}

func (s *Server) handleSetPluginEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.launcher.SetPluginEnabled(chi.URLParam(r, "id"), req.Enabled); err != nil {
		writeError(w, err)
		return
	}
	s.handleGetPlugin(w, r)
}

func (s *Server) handleListHandlers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.launcher.Handlers().List())
}

func (s *Server) handleUpdateHandler(w http.ResponseWriter, r *http.Request) {
	var req launcher.HandlerUpdate
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	entry, err := s.launcher.UpdateHandler(chi.URLParam(r, "id"), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.launcher.Preferences())
}

func (s *Server) handleSetPreferences(w http.ResponseWriter, r *http.Request) {
	req := s.launcher.Preferences()
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.launcher.SetPreferences(req); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.launcher.Preferences())
}

// handleEvents 以 Server-Sent Events 推送事件总线内容，kind 参数可按逗号过滤。
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, errors.New(errors.CodeUnknown, "streaming unsupported"))
		return
	}
	kinds := map[events.Kind]bool{}
	if raw := r.URL.Query().Get("kind"); raw != "" {
		for _, k := range strings.Split(raw, ",") {
			kinds[events.Kind(strings.TrimSpace(k))] = true
		}
	}

	ch, cancel := s.launcher.Events().Subscribe(0)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if len(kinds) > 0 && !kinds[ev.Kind] {
				continue
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", ev.ID, ev.Kind, data)
			flusher.Flush()
		}
	}
}
