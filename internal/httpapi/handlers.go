package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/edp-industrial/plc-gateway/internal/ingest"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func ipFromPath(r *http.Request, prefix string) string {
	return strings.TrimPrefix(r.URL.Path, prefix)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Core.Stats())
}

func (s *Server) clientsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	clients := s.cfg.Core.ConnectedClients()
	if clients == nil {
		clients = []string{}
	}
	writeJSON(w, http.StatusOK, clients)
}

func (s *Server) knownHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	known := s.cfg.Core.AllKnownPLCs()
	if known == nil {
		known = []ingest.PLCInfo{}
	}
	writeJSON(w, http.StatusOK, known)
}

func (s *Server) allDataHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Core.AllPLCData())
}

func (s *Server) dataHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ip := ipFromPath(r, "/api/plc/data/")
	if ip == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	pkt, ok := s.cfg.Core.PLCData(ip)
	if !ok {
		writeError(w, http.StatusNotFound, "no data for "+ip)
		return
	}
	writeJSON(w, http.StatusOK, pkt)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	health := s.cfg.Core.ConnectionHealth()
	if health == nil {
		health = []ingest.HealthInfo{}
	}
	writeJSON(w, http.StatusOK, health)
}

func (s *Server) bytesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Core.BytesReceived())
}

func (s *Server) stopHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := s.cfg.Core.Stop(); err != nil {
		if errors.Is(err, ingest.ErrNotRunning) {
			writeError(w, http.StatusConflict, "server not running")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) disconnectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ip := ipFromPath(r, "/api/plc/disconnect/")
	if ip == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	if err := s.cfg.Core.Disconnect(ip); err != nil {
		if errors.Is(err, ingest.ErrNotConnected) {
			// The blacklist insertion stuck; report it alongside the miss.
			writeJSON(w, http.StatusOK, map[string]string{"status": "blacklisted", "note": "peer was not connected"})
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *Server) reconnectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ip := ipFromPath(r, "/api/plc/reconnect/")
	if ip == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}
	if err := s.cfg.Core.AllowReconnect(ip); err != nil {
		if errors.Is(err, ingest.ErrNotBlacklisted) {
			writeError(w, http.StatusNotFound, "peer not blacklisted")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "allowed"})
}

func (s *Server) logsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Logs == nil {
		writeError(w, http.StatusNotFound, "log store not configured")
		return
	}
	n := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		var err error
		n, err = strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	entries, err := s.cfg.Logs.Recent(r.Context(), n)
	if err != nil {
		s.log.Error("failed to read system logs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read logs")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) videoHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/videos/")
	if name == "" || name != path.Base(name) {
		writeError(w, http.StatusBadRequest, "invalid video name")
		return
	}
	// ServeFile handles Range requests, which the frontend's video element
	// relies on for seeking.
	http.ServeFile(w, r, path.Join(s.cfg.VideoDir, name))
}
