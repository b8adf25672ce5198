package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"postscheduler/internal/executor"
	"postscheduler/internal/jobs"
	"postscheduler/internal/policy"
	logx "postscheduler/pkg/logx"
)

func (s *Server) registerRoutes(mux *http.ServeMux, cfg Config) {
	mux.HandleFunc("/submit", s.handleSubmit(cfg))
	mux.HandleFunc("/monitor-settings", s.handleMonitorSettings)
	mux.HandleFunc("/api/v1/health", s.handleHealth)
	mux.HandleFunc("/api/v1/jobs", s.handleJobs)
	mux.HandleFunc("/api/v1/jobs/", s.handleJobByID)
	mux.HandleFunc("/api/v1/monitors", s.handleMonitors)
	mux.HandleFunc("/api/v1/monitors/", s.handleMonitorByID)
	mux.HandleFunc("/api/v1/friends", s.handleFriends)
	if cfg.Pprof {
		registerPprof(mux, cfg.PprofToken)
	}
}

// formError is the response shape of the form endpoints.
type formError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func writeFormError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, formError{Status: "error", Message: message})
}

func (s *Server) handleSubmit(cfg Config) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			writeFormError(w, http.StatusMethodNotAllowed, "only POST is supported")
			return
		}
		req.Body = http.MaxBytesReader(w, req.Body, cfg.MaxUploadBytes)
		if err := parseForm(req); err != nil {
			writeFormError(w, http.StatusBadRequest, err.Error())
			return
		}

		target, err := parseScheduledTime(req.FormValue("scheduled_time"))
		if err != nil {
			writeFormError(w, http.StatusBadRequest, err.Error())
			return
		}
		p := jobs.Payload{
			Subreddit:       strings.TrimSpace(req.FormValue("sub")),
			Title:           strings.TrimSpace(req.FormValue("title")),
			Text:            req.FormValue("text"),
			Link:            strings.TrimSpace(req.FormValue("link")),
			LikeComments:    req.FormValue("like_comments") == "on",
			ReplyToComments: req.FormValue("reply_to_comments") == "on",
			ReplyMessage:    strings.TrimSpace(req.FormValue("reply_message")),
		}
		if err := p.Validate(); err != nil {
			writeFormError(w, http.StatusBadRequest, err.Error())
			return
		}
		if p.ImagePath, err = saveUpload(req, "image", cfg.UploadDir); err != nil {
			s.log.Error("upload.save_failed", logx.String("field", "image"), logx.Err(err))
			writeFormError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if p.VideoPath, err = saveUpload(req, "video", cfg.UploadDir); err != nil {
			s.log.Error("upload.save_failed", logx.String("field", "video"), logx.Err(err))
			writeFormError(w, http.StatusInternalServerError, err.Error())
			return
		}

		rec, err := s.deps.Intake.Submit(req.Context(), target, p)
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, rec)
		case errors.Is(err, jobs.ErrValidation):
			writeFormError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, executor.ErrImmediateFailed):
			writeFormError(w, http.StatusInternalServerError, "Immediate post failed")
		case errors.Is(err, jobs.ErrFiring):
			writeFormError(w, http.StatusConflict, err.Error())
		default:
			s.log.Error("submit.failed", logx.Err(err))
			writeFormError(w, http.StatusInternalServerError, err.Error())
		}
	}
}

// parseForm accepts both multipart and urlencoded bodies.
func parseForm(req *http.Request) error {
	if strings.HasPrefix(req.Header.Get("Content-Type"), "multipart/") {
		return req.ParseMultipartForm(32 << 20)
	}
	return req.ParseForm()
}

// parseScheduledTime reads unix milliseconds; empty means now.
func parseScheduledTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, fmt.Errorf("%w: scheduled_time must be unix milliseconds", jobs.ErrValidation)
	}
	return time.UnixMilli(ms), nil
}

func (s *Server) handleMonitorSettings(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeFormError(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	if err := parseForm(req); err != nil {
		writeFormError(w, http.StatusBadRequest, err.Error())
		return
	}
	f := policy.Friends{
		AutoLike:    req.FormValue("auto_like_friends") == "on",
		AutoSummary: req.FormValue("auto_summary_friends") == "on",
		AutoComment: req.FormValue("auto_comment_friends") == "on",
	}
	s.deps.Friends.Store(f)
	s.log.Info("settings.friends_updated", logx.Bool("auto_like", f.AutoLike), logx.Bool("auto_summary", f.AutoSummary), logx.Bool("auto_comment", f.AutoComment))
	writeJSON(w, http.StatusOK, map[string]any{"status": "success"})
}

func (s *Server) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	body := any(map[string]any{"status": "ok"})
	if s.deps.Health != nil {
		body = s.deps.Health(req.Context())
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleJobs(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	q := req.URL.Query()
	limit := 0
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeAPIError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	actions, err := s.deps.Jobs.List(req.Context(), jobs.State(strings.TrimSpace(q.Get("state"))), limit)
	if err != nil {
		writeActionError(w, "list_jobs_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": actions})
}

func (s *Server) handleJobByID(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimSpace(strings.TrimPrefix(req.URL.Path, "/api/v1/jobs/"))
	if id == "" || strings.Contains(id, "/") {
		writeAPIError(w, http.StatusBadRequest, "invalid_job_id", "job id is required")
		return
	}
	switch req.Method {
	case http.MethodGet:
		a, err := s.deps.Jobs.Get(req.Context(), id)
		if err != nil {
			writeActionError(w, "get_job_failed", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job": a})
	case http.MethodDelete:
		a, err := s.deps.Jobs.Get(req.Context(), id)
		if err != nil {
			writeActionError(w, "cancel_job_failed", err)
			return
		}
		ok, err := s.deps.Jobs.Cancel(req.Context(), id)
		if err != nil {
			writeActionError(w, "cancel_job_failed", err)
			return
		}
		if !ok {
			writeAPIError(w, http.StatusConflict, "job_not_pending", fmt.Sprintf("job is %s", a.State))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"cancelled": id})
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET and DELETE are supported")
	}
}

func writeActionError(w http.ResponseWriter, code string, err error) {
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeAPIError(w, http.StatusNotFound, "job_not_found", "job not found")
	case errors.Is(err, jobs.ErrValidation):
		writeAPIError(w, http.StatusBadRequest, code, err.Error())
	default:
		writeAPIError(w, http.StatusInternalServerError, code, err.Error())
	}
}

func (s *Server) handleMonitors(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"monitors": s.deps.Monitors.List()})
}

func (s *Server) handleMonitorByID(w http.ResponseWriter, req *http.Request) {
	id := strings.TrimSpace(strings.TrimPrefix(req.URL.Path, "/api/v1/monitors/"))
	if id == "" || strings.Contains(id, "/") {
		writeAPIError(w, http.StatusBadRequest, "invalid_monitor_id", "monitor id is required")
		return
	}
	switch req.Method {
	case http.MethodGet:
		info, ok := s.deps.Monitors.Get(id)
		if !ok {
			writeAPIError(w, http.StatusNotFound, "monitor_not_found", "monitor not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"monitor": info})
	case http.MethodDelete:
		if !s.deps.Monitors.Stop(id) {
			writeAPIError(w, http.StatusNotFound, "monitor_not_found", "monitor not found")
			return
		}
		s.log.Info("monitor.stop_requested", logx.String("id", id))
		writeJSON(w, http.StatusOK, map[string]any{"stopped": id})
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET and DELETE are supported")
	}
}

func (s *Server) handleFriends(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"friends": s.deps.Friends.Load()})
	case http.MethodPut:
		var f policy.Friends
		if err := decodeJSON(req, &f); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		s.deps.Friends.Store(f)
		s.log.Info("settings.friends_updated", logx.Bool("auto_like", f.AutoLike), logx.Bool("auto_summary", f.AutoSummary), logx.Bool("auto_comment", f.AutoComment))
		writeJSON(w, http.StatusOK, map[string]any{"friends": f})
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET and PUT are supported")
	}
}

func decodeJSON(req *http.Request, out any) error {
	if req.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer req.Body.Close()
	decoder := json.NewDecoder(req.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeAPIError(w http.ResponseWriter, status int, code string, message string) {
	writeJSON(w, status, map[string]any{
		"error": apiError{Code: strings.TrimSpace(code), Message: strings.TrimSpace(message)},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
