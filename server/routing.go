package server

import (
	"net/http"
	"strings"
)

// maxRequestBody caps JSON request bodies at 10 MiB
const maxRequestBody = 10 << 20

// setupRoutes builds the HTTP mux. Path parameters are extracted by hand;
// the route set is small enough that a router dependency buys nothing.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJobsSubtree)
	mux.HandleFunc("/api/events/monitor", s.handleMonitorSSE)
	mux.HandleFunc("/api/cleanup", s.handleCleanup)
	mux.HandleFunc("/api/machines/", s.handleMachinesSubtree)
	mux.HandleFunc("/ws/", s.handleWebSocket)

	return s.corsMiddleware(s.bodyLimitMiddleware(mux))
}

// handleJobs routes the collection endpoint: POST submits, GET lists
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleSubmitJob(w, r)
	case http.MethodGet:
		s.handleListJobs(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleJobsSubtree routes /api/jobs/{id} and /api/jobs/{id}/progress
func (s *Server) handleJobsSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		jobID := parts[0]
		switch r.Method {
		case http.MethodGet:
			s.handleGetJob(w, r, jobID)
		case http.MethodDelete:
			s.handleCancelJob(w, r, jobID)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	case len(parts) == 2 && parts[1] == "progress":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		s.handleJobProgressSSE(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

// handleMachinesSubtree routes /api/machines/{id}
func (s *Server) handleMachinesSubtree(w http.ResponseWriter, r *http.Request) {
	machineID := strings.TrimPrefix(r.URL.Path, "/api/machines/")
	if machineID == "" || strings.Contains(machineID, "/") {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	s.handleDeleteMachine(w, r, machineID)
}

// handleWebSocket routes the WS surface: /ws/monitor/{id}, /ws/client/{id},
// and anything else under /ws/ as a legacy duplex connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/ws/")
	parts := strings.SplitN(rest, "/", 2)

	switch parts[0] {
	case "monitor":
		id := ""
		if len(parts) == 2 {
			id = parts[1]
		}
		s.serveMonitorWS(w, r, id)
	case "client":
		id := ""
		if len(parts) == 2 {
			id = parts[1]
		}
		s.serveClientWS(w, r, id)
	default:
		s.serveClientWS(w, r, "")
	}
}

// corsMiddleware applies the configured allow-list. The list is read on
// every request so config hot reload takes effect immediately.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bodyLimitMiddleware caps request bodies. Streaming responses (SSE, WS) are
// unaffected; the limit applies to what clients send.
func (s *Server) bodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
		}
		next.ServeHTTP(w, r)
	})
}
