package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/game-data-manager/internal/job"
)

// handleListJobs handles GET /api/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	names := s.deps.Jobs.Jobs()
	statuses := make([]*job.JobStatus, 0, len(names))
	for _, name := range names {
		status, err := s.deps.Jobs.Status(name)
		if err != nil {
			respondError(w, err)
			return
		}
		statuses = append(statuses, status)
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"data": statuses})
}

// handleGetJob handles GET /api/jobs/{name}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Jobs.Status(mux.Vars(r)["name"])
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleRunJob handles POST /api/jobs/{name}/run. With wait=true the run
// happens inside the request and its result is returned; otherwise the
// run is queued as a manual trigger.
func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, err := s.deps.Jobs.Job(name); err != nil {
		respondError(w, err)
		return
	}

	if r.URL.Query().Get("wait") != "true" {
		s.deps.Jobs.Trigger(name, job.SourceManual)
		respondJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "queued"})
		return
	}

	if _, err := s.deps.Jobs.RunJob(r.Context(), name, job.StartOptions{}); err != nil {
		respondError(w, err)
		return
	}
	status, err := s.deps.Jobs.Status(name)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

// handleFireEvent handles POST /api/events/{event}
func (s *Server) handleFireEvent(w http.ResponseWriter, r *http.Request) {
	event := mux.Vars(r)["event"]
	names, err := s.deps.Jobs.FireEvent(event)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{"event": event, "jobs": names})
}

// handleWorkerStats handles GET /api/workers
func (s *Server) handleWorkerStats(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dispatcher == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"workers": 0})
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Dispatcher.Stats())
}
