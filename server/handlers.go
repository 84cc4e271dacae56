package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/emprops/relay/errors"
	"github.com/emprops/relay/fleet"
	"github.com/emprops/relay/job"
	"github.com/emprops/relay/version"
)

// handleHealth reports liveness, uptime, and version. During shutdown the
// state field flips to draining so load balancers can pull the node early.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         stateString(s.getState()),
		"uptime_seconds": time.Since(s.startedAt).Seconds(),
		"version":        version.Get().Version,
		"timestamp":      time.Now().UnixMilli(),
	})
}

// handleSubmitJob admits a job over HTTP
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var sub job.Submission
	if err := readJSON(w, r, &sub); err != nil {
		return
	}

	j, err := s.queue.Submit(r.Context(), &sub)
	if err != nil {
		s.logger.Errorw("Job submission failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to submit job")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"success":   true,
		"job_id":    j.ID,
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleGetJob returns one decoded job record
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	j, err := s.queue.Get(r.Context(), jobID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Job not found: "+jobID)
			return
		}
		s.logger.Errorw("Job lookup failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch job")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// handleListJobs enumerates jobs with optional status/limit/offset
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	jobs, err := s.queue.List(r.Context(), q.Get("status"), limit, offset)
	if err != nil {
		s.logger.Errorw("Job listing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to list jobs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// handleCancelJob cancels a job over HTTP
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := s.queue.Cancel(r.Context(), jobID); err != nil {
		switch {
		case errors.IsNotFoundError(err):
			writeError(w, http.StatusNotFound, "Job not found: "+jobID)
		case errors.IsInvalidRequestError(err):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Errorw("Job cancellation failed", "job_id", jobID, "error", err)
			writeError(w, http.StatusInternalServerError, "Failed to cancel job")
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"job_id":    jobID,
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleCleanup runs the reconciler with the posted options
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}

	var opts fleet.CleanupOptions
	if err := readJSON(w, r, &opts); err != nil {
		return
	}

	result, err := s.reconciler.Cleanup(r.Context(), opts)
	if err != nil {
		s.logger.Errorw("Cleanup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "Cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleDeleteMachine removes a machine and its workers
func (s *Server) handleDeleteMachine(w http.ResponseWriter, r *http.Request, machineID string) {
	if !requireMethod(w, r, http.MethodDelete) {
		return
	}

	result, err := s.reconciler.DeleteMachine(r.Context(), machineID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			writeError(w, http.StatusNotFound, "Machine not found: "+machineID)
			return
		}
		s.logger.Errorw("Machine deletion failed", "machine_id", machineID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to delete machine")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
