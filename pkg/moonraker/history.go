// Console job history for the Moonraker API
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package moonraker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
)

// Job statuses.
const (
	JobInProgress = "in_progress"
	JobCompleted  = "completed"
	JobError      = "error"
)

// Job is one script submitted through the API.
type Job struct {
	JobID         string   `json:"job_id"`
	Script        string   `json:"script"`
	Status        string   `json:"status"`
	Error         string   `json:"error,omitempty"`
	StartTime     float64  `json:"start_time"`
	EndTime       *float64 `json:"end_time"`
	TotalDuration float64  `json:"total_duration"`
	// The mmu3 current_filament values around the job; nil when no
	// filament was loaded.
	FilamentBefore any `json:"filament_before"`
	FilamentAfter  any `json:"filament_after"`
}

// FilamentChanged reports whether the job left a different filament loaded.
func (j *Job) FilamentChanged() bool {
	return j.EndTime != nil && j.FilamentBefore != j.FilamentAfter
}

// JobTotals holds aggregated job statistics.
type JobTotals struct {
	TotalJobs       int     `json:"total_jobs"`
	FailedJobs      int     `json:"failed_jobs"`
	FilamentChanges int     `json:"filament_changes"`
	TotalTime       float64 `json:"total_time"`
	LongestJob      float64 `json:"longest_job"`
}

// HistoryManager records console jobs, most recent first.
type HistoryManager struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	jobOrder []string
	limit    int

	now func() time.Time
}

// NewHistoryManager creates a history keeping at most limit jobs; zero
// keeps everything.
func NewHistoryManager(limit int) *HistoryManager {
	return &HistoryManager{
		jobs:  make(map[string]*Job),
		limit: limit,
		now:   time.Now,
	}
}

func generateJobID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func (hm *HistoryManager) timestamp() float64 {
	return float64(hm.now().UnixNano()) / 1e9
}

// StartJob records a job in progress.
func (hm *HistoryManager) StartJob(script string, filament any) *Job {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	job := &Job{
		JobID:          generateJobID(),
		Script:         script,
		Status:         JobInProgress,
		StartTime:      hm.timestamp(),
		FilamentBefore: filament,
	}
	hm.jobs[job.JobID] = job
	hm.jobOrder = append([]string{job.JobID}, hm.jobOrder...)

	if hm.limit > 0 && len(hm.jobOrder) > hm.limit {
		for _, id := range hm.jobOrder[hm.limit:] {
			delete(hm.jobs, id)
		}
		hm.jobOrder = hm.jobOrder[:hm.limit]
	}
	return job
}

// FinishJob closes a job with the outcome of its script.
func (hm *HistoryManager) FinishJob(jobID string, filament any, err error) *Job {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	job, ok := hm.jobs[jobID]
	if !ok {
		return nil
	}

	now := hm.timestamp()
	job.EndTime = &now
	job.TotalDuration = now - job.StartTime
	job.FilamentAfter = filament
	job.Status = JobCompleted
	if err != nil {
		job.Status = JobError
		job.Error = err.Error()
	}
	return job
}

// GetJob returns a copy of a job.
func (hm *HistoryManager) GetJob(jobID string) (Job, error) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	job, ok := hm.jobs[jobID]
	if !ok {
		return Job{}, fmt.Errorf("job not found: %s", jobID)
	}
	return *job, nil
}

// ListJobs returns jobs with optional filtering and pagination.
func (hm *HistoryManager) ListJobs(limit, start int, since, before float64, order string) []Job {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	matches := []Job{}
	for _, jobID := range hm.jobOrder {
		job := hm.jobs[jobID]
		if since > 0 && job.StartTime < since {
			continue
		}
		if before > 0 && job.StartTime > before {
			continue
		}
		matches = append(matches, *job)
	}

	if order == "asc" {
		slices.Reverse(matches)
	}

	if start >= len(matches) {
		return []Job{}
	}
	if start > 0 {
		matches = matches[start:]
	}
	if limit > 0 && limit < len(matches) {
		matches = matches[:limit]
	}
	return matches
}

// Count returns the number of recorded jobs.
func (hm *HistoryManager) Count() int {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return len(hm.jobs)
}

// Active returns the most recent job still in progress.
func (hm *HistoryManager) Active() (Job, bool) {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	for _, id := range hm.jobOrder {
		if job := hm.jobs[id]; job.Status == JobInProgress {
			return *job, true
		}
	}
	return Job{}, false
}

// GetTotals returns aggregated job statistics.
func (hm *HistoryManager) GetTotals() JobTotals {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	var totals JobTotals
	for _, job := range hm.jobs {
		totals.TotalJobs++
		totals.TotalTime += job.TotalDuration
		if job.TotalDuration > totals.LongestJob {
			totals.LongestJob = job.TotalDuration
		}
		if job.Status == JobError {
			totals.FailedJobs++
		}
		if job.FilamentChanged() {
			totals.FilamentChanges++
		}
	}
	return totals
}

// DeleteJob deletes a job from history.
func (hm *HistoryManager) DeleteJob(jobID string) error {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if _, ok := hm.jobs[jobID]; !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	delete(hm.jobs, jobID)

	for i, id := range hm.jobOrder {
		if id == jobID {
			hm.jobOrder = append(hm.jobOrder[:i], hm.jobOrder[i+1:]...)
			break
		}
	}
	return nil
}

// Reset clears all job history and returns the totals it had.
func (hm *HistoryManager) Reset() JobTotals {
	totals := hm.GetTotals()

	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.jobs = make(map[string]*Job)
	hm.jobOrder = nil
	return totals
}

// RegisterHistoryEndpoints registers history HTTP endpoints.
func (hm *HistoryManager) RegisterHistoryEndpoints(r *mux.Router) {
	r.HandleFunc("/server/history/list", hm.handleList).Methods(http.MethodGet)
	r.HandleFunc("/server/history/status", hm.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/server/history/totals", hm.handleTotals).Methods(http.MethodGet)
	r.HandleFunc("/server/history/job", hm.handleJob).Methods(http.MethodGet, http.MethodDelete)
	r.HandleFunc("/server/history/reset_totals", hm.handleResetTotals).Methods(http.MethodPost)
}

func queryInt(r *http.Request, name string, fallback int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(name)); err == nil {
		return v
	}
	return fallback
}

func queryFloat(r *http.Request, name string) float64 {
	v, _ := strconv.ParseFloat(r.URL.Query().Get(name), 64)
	return v
}

func (hm *HistoryManager) handleList(w http.ResponseWriter, r *http.Request) {
	order := r.URL.Query().Get("order")
	if order == "" {
		order = "desc"
	}

	jobs := hm.ListJobs(
		queryInt(r, "limit", 50),
		queryInt(r, "start", 0),
		queryFloat(r, "since"),
		queryFloat(r, "before"),
		order,
	)

	writeJSON(w, map[string]any{
		"result": map[string]any{
			"count": hm.Count(),
			"jobs":  jobs,
		},
	})
}

func (hm *HistoryManager) handleStatus(w http.ResponseWriter, r *http.Request) {
	result := map[string]any{}
	if job, ok := hm.Active(); ok {
		result["job"] = job
	}
	writeJSON(w, map[string]any{"result": result})
}

func (hm *HistoryManager) handleTotals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"result": map[string]any{
			"job_totals": hm.GetTotals(),
		},
	})
}

func (hm *HistoryManager) handleJob(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("uid")
	if uid == "" {
		writeJSONError(w, fmt.Errorf("missing uid parameter"), http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodDelete {
		if err := hm.DeleteJob(uid); err != nil {
			writeJSONError(w, err, http.StatusNotFound)
			return
		}
		writeJSON(w, map[string]any{
			"result": map[string]any{"deleted_jobs": []string{uid}},
		})
		return
	}

	job, err := hm.GetJob(uid)
	if err != nil {
		writeJSONError(w, err, http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]any{"result": map[string]any{"job": job}})
}

func (hm *HistoryManager) handleResetTotals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"result": map[string]any{
			"last_totals": hm.Reset(),
		},
	})
}
