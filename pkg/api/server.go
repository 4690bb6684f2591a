package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/surveyor/pkg/log"
	"github.com/cuemby/surveyor/pkg/storage"
	"github.com/cuemby/surveyor/pkg/types"
)

// outputTruncateLimit is the size at which Output/BuildOutput are cut
// off in task detail responses.
const outputTruncateLimit = 1 << 20 // 1 MiB

// defaultAuthor is used when a create-suite request carries no
// AUTH_USER header.
const defaultAuthor = "web"

// Server is the HTTP API server.
type Server struct {
	store  storage.Store
	logger zerolog.Logger
	mux    *http.ServeMux
}

// NewServer wires a Server's routes against store.
func NewServer(store storage.Store) *Server {
	s := &Server{store: store, logger: log.WithComponent("api")}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/suites", s.listSuites)
	mux.HandleFunc("POST /api/suites", s.createSuite)
	mux.HandleFunc("GET /api/suites/{id}", s.getSuite)
	mux.HandleFunc("GET /api/suites/{id}/results", s.getSuite)
	mux.HandleFunc("POST /api/suites/{id}/pause", s.pauseSuite)
	mux.HandleFunc("POST /api/suites/{id}/resume", s.resumeSuite)
	mux.HandleFunc("POST /api/suites/{id}/delete", s.deleteSuite)
	mux.HandleFunc("GET /api/tasks/{id}", s.getTask)
	s.mux = mux
	return s
}

// Handler returns the API's http.Handler, for embedding in a Server or
// tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves the API, blocking until the listener fails or is closed.
func (s *Server) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return server.ListenAndServe()
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response body")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(r.PathValue("id"), 10, 64)
}

// suiteOverview is the list-view shape: no per-task payloads, just
// counts, matching the "overview fields" the suite list endpoint
// promises.
type suiteOverview struct {
	ID             int64     `json:"id"`
	CreatedAt      time.Time `json:"createdAt"`
	Author         string    `json:"author"`
	Description    string    `json:"description"`
	TaskCount      int       `json:"taskCount"`
	CompletedCount int       `json:"completedTaskCount"`
	AssignedCount  int       `json:"assignedTaskCount"`
}

func toOverview(suite *types.BenchmarkSuite) suiteOverview {
	return suiteOverview{
		ID:             suite.ID,
		CreatedAt:      suite.CreatedAt,
		Author:         suite.Author,
		Description:    suite.Description,
		TaskCount:      len(suite.Tasks),
		CompletedCount: suite.CompletedTaskCount(),
		AssignedCount:  suite.AssignedTaskCount(),
	}
}

func (s *Server) listSuites(w http.ResponseWriter, r *http.Request) {
	suites, err := s.store.ListSuites()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	overviews := make([]suiteOverview, 0, len(suites))
	for _, suite := range suites {
		overviews = append(overviews, toOverview(suite))
	}
	s.writeJSON(w, http.StatusOK, overviews)
}

// createSuiteRequest is the POST /api/suites body.
type createSuiteRequest struct {
	Description   string            `json:"description"`
	Dockerfile    string            `json:"dockerfile"`
	Params        map[string]string `json:"params"`
	CPUTimeLimit  int               `json:"cputimelimit"`
	WallTimeLimit int               `json:"walltimelimit"`
	CPULimit      int               `json:"cpulimit"`
	MemoryLimit   int64             `json:"memorylimit"`
	Tasks         []string          `json:"tasks"`
}

func (s *Server) createSuite(w http.ResponseWriter, r *http.Request) {
	var req createSuiteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Dockerfile == "" {
		s.writeError(w, http.StatusBadRequest, "dockerfile is required")
		return
	}
	if len(req.Tasks) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one task is required")
		return
	}

	author := r.Header.Get("AUTH_USER")
	if author == "" {
		author = defaultAuthor
	}

	tasks := make([]*types.BenchmarkTask, 0, len(req.Tasks))
	for _, command := range req.Tasks {
		tasks = append(tasks, &types.BenchmarkTask{
			Command: command,
			State:   types.TaskStatePending,
		})
	}

	suite := &types.BenchmarkSuite{
		CreatedAt:   time.Now().UTC(),
		Author:      author,
		Description: req.Description,
		Env: &types.RuntimeEnv{
			Dockerfile:         req.Dockerfile,
			Params:             req.Params,
			CPULimit:           req.CPULimit,
			MemoryLimit:        req.MemoryLimit,
			CPUTimeLimit:       req.CPUTimeLimit,
			WallClockTimeLimit: req.WallTimeLimit,
		},
		Tasks: tasks,
	}

	if err := s.store.CreateSuite(suite); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().Int64("suite_id", suite.ID).Str("author", author).Int("task_count", len(tasks)).Msg("suite created")
	s.writeJSON(w, http.StatusCreated, suite)
}

func (s *Server) getSuite(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid suite id")
		return
	}
	suite, err := s.store.GetSuite(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, suite)
}

func (s *Server) pauseSuite(w http.ResponseWriter, r *http.Request) {
	s.transitionSuite(w, r, types.TaskStatePending, types.TaskStateCreated)
}

func (s *Server) resumeSuite(w http.ResponseWriter, r *http.Request) {
	s.transitionSuite(w, r, types.TaskStateCreated, types.TaskStatePending)
}

func (s *Server) transitionSuite(w http.ResponseWriter, r *http.Request, from, to types.TaskState) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid suite id")
		return
	}
	if err := s.store.SetSuiteTaskStates(id, from, to); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) deleteSuite(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid suite id")
		return
	}
	if err := s.store.DeleteSuite(id); err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info().Int64("suite_id", id).Msg("suite deleted")
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// taskDetail mirrors types.BenchmarkTask but truncates the two
// unbounded text fields and flags when truncation happened.
type taskDetail struct {
	ID               int64            `json:"id"`
	SuiteID          int64            `json:"suiteId"`
	Command          string           `json:"command"`
	State            types.TaskState  `json:"state"`
	AssignedAt       *time.Time       `json:"assignedAt"`
	UpdatedAt        *time.Time       `json:"updatedAt"`
	Assignee         string           `json:"assignee"`
	ExitCode         *int             `json:"exitCode"`
	BuildOutput      string           `json:"buildOutput"`
	BuildOutputTrunc bool             `json:"buildOutputTruncated"`
	Output           string           `json:"output"`
	OutputTruncated  bool             `json:"outputTruncated"`
	Stats            *types.TaskStats `json:"stats"`
	Result           map[string]any   `json:"result"`
}

func truncate(s string) (string, bool) {
	if len(s) <= outputTruncateLimit {
		return s, false
	}
	return s[:outputTruncateLimit], true
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid task id")
		return
	}
	task, err := s.store.GetTask(id)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	output, outputTrunc := truncate(task.Output)
	buildOutput, buildTrunc := truncate(task.BuildOutput)

	s.writeJSON(w, http.StatusOK, taskDetail{
		ID:               task.ID,
		SuiteID:          task.SuiteID,
		Command:          task.Command,
		State:            task.State,
		AssignedAt:       task.AssignedAt,
		UpdatedAt:        task.UpdatedAt,
		Assignee:         task.Assignee,
		ExitCode:         task.ExitCode,
		BuildOutput:      buildOutput,
		BuildOutputTrunc: buildTrunc,
		Output:           output,
		OutputTruncated:  outputTrunc,
		Stats:            task.Stats,
		Result:           task.Result,
	})
}
