package api

import (
	"net/http"
	"runtime"
	"time"
)

type DiagnosticsInfo struct {
	HTTPAddr string `json:"http_addr"`
	DataDir  string `json:"data_dir"`
	DBPath   string `json:"db_path"`
	WebDir   string `json:"web_dir"`
	LLMModel string `json:"llm_model"`
}

type DiagnosticsResponse struct {
	Time          time.Time       `json:"time"`
	StartedAt     time.Time       `json:"started_at"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	GoVersion     string          `json:"go_version"`
	LLMConfigured bool            `json:"llm_configured"`
	Info          DiagnosticsInfo `json:"info"`
	EventBus      map[string]any  `json:"eventbus"`
	Sessions      map[string]any  `json:"sessions"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	now := time.Now().UTC()
	started := s.StartedAt
	if started.IsZero() {
		started = now
	}
	resp := DiagnosticsResponse{
		Time:          now,
		StartedAt:     started,
		UptimeSeconds: int64(now.Sub(started).Seconds()),
		GoVersion:     runtime.Version(),
		LLMConfigured: s.Info.LLMModel != "" && s.Engine != nil && s.Engine.Provider != nil,
		Info:          s.Info,
		EventBus:      map[string]any{},
		Sessions:      map[string]any{},
	}
	if s.Bus != nil {
		resp.EventBus["subscribers"] = s.Bus.SubscriberCount()
	}
	if s.Engine != nil {
		ids := s.Engine.SessionIDs()
		resp.Sessions["count"] = len(ids)
		resp.Sessions["ids"] = ids
	}
	writeJSON(w, http.StatusOK, resp)
}
