package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hpwhdash/internal/procs"
	"hpwhdash/internal/runner"
	"hpwhdash/internal/store"
	"hpwhdash/internal/telemetry"
	"hpwhdash/internal/types"
)

// Runner dispatches engine runs.
type Runner interface {
	Measure(ctx context.Context, req types.MeasureRequest) (types.RunRecord, error)
	Simulate(ctx context.Context, req types.SimulateRequest) (types.RunRecord, error)
}

// Procs starts and stops the plot processes.
type Procs interface {
	Launch(ctx context.Context, name string, data []byte) (types.LaunchResult, error)
	Run(ctx context.Context, name string, data []byte) error
	Stop(name string) error
	Running() map[string]bool
}

// Relay is the WebSocket relay the dashboard and plot processes share.
type Relay interface {
	http.Handler
	Restart()
}

// RunLister lists recorded runs, newest first.
type RunLister interface {
	List(ctx context.Context, limit int) ([]types.RunRecord, error)
}

type Deps struct {
	Store    *store.Store
	Runner   Runner
	Procs    Procs
	Relay    Relay
	History  RunLister
	Metrics  telemetry.Collector
	Gatherer prometheus.Gatherer
	Logger   zerolog.Logger
}

type Server struct {
	Router chi.Router
	deps   Deps
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func NewServer(d Deps) *Server {
	if d.Metrics == nil {
		d.Metrics = telemetry.Noop()
	}
	s := &Server{deps: d}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(d.Logger, d.Metrics))
	r.Use(withCORS)

	r.Get("/healthz", s.handleHealth)
	r.Get("/file", s.handleFile)
	r.Get("/read_json", s.handleReadJSON)
	r.Get("/write_json", s.handleWriteJSON)
	r.Get("/measure", s.handleMeasure)
	r.Get("/simulate", s.handleSimulate)
	r.Get("/launch_ws", s.handleLaunchWS)
	r.Get("/launch_test_proc", s.handleLaunch(types.PeerTestProc))
	r.Get("/launch_perf_proc", s.handleLaunch(types.PeerPerfProc))
	r.Get("/launch_fit_proc", s.handleLaunchFit)
	r.Get("/test_proc", s.handleProc(types.PeerTestProc))
	r.Get("/perf_proc", s.handleProc(types.PeerPerfProc))
	r.Get("/fit_proc", s.handleProc(types.PeerFitProc))
	r.Get("/runs", s.handleRuns)
	if d.Relay != nil {
		r.Handle("/ws", d.Relay)
	}
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
	}
	// index.html, main.js and everything else the page loads.
	r.NotFound(http.FileServer(http.Dir(d.Store.Root())).ServeHTTP)

	s.Router = r
	return s
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, store.ErrInvalidJSON), errors.Is(err, runner.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, procs.ErrUnknownProc):
		return http.StatusNotFound
	case errors.Is(err, procs.ErrNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	ev := s.deps.Logger.Warn()
	if status >= http.StatusInternalServerError {
		ev = s.deps.Logger.Error()
	}
	ev.Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := struct {
		Status string          `json:"status"`
		Procs  map[string]bool `json:"procs,omitempty"`
	}{Status: "ok"}
	if s.deps.Procs != nil {
		resp.Procs = s.deps.Procs.Running()
	}
	writeJSON(w, http.StatusOK, resp)
}

func required(r *http.Request, key string) (string, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return "", badRequest("missing %s", key)
	}
	return v, nil
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	filename, err := required(r, "filename")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	q := r.URL.Query()
	switch cmd := q.Get("cmd"); cmd {
	case "read":
		s.read(w, r, filename)
	case "write":
		s.write(w, r, filename)
	case "copy":
		dst, err := required(r, "new_filename")
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if err := s.deps.Store.Copy(filename, dst); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	case "delete":
		if err := s.deps.Store.Delete(filename); err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, struct{}{})
	default:
		s.fail(w, r, badRequest("unknown file command %q", cmd))
	}
}

func (s *Server) read(w http.ResponseWriter, r *http.Request, filename string) {
	data, err := s.deps.Store.Read(filename)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeRaw(w, data)
}

func (s *Server) write(w http.ResponseWriter, r *http.Request, filename string) {
	data, err := required(r, "json_data")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.deps.Store.Write(filename, []byte(data)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleReadJSON(w http.ResponseWriter, r *http.Request) {
	filename, err := required(r, "filename")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.read(w, r, filename)
}

func (s *Server) handleWriteJSON(w http.ResponseWriter, r *http.Request) {
	filename, err := required(r, "filename")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.write(w, r, filename)
}

func decodeData(r *http.Request, v any) error {
	data, err := required(r, "data")
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return badRequest("data: %v", err)
	}
	return nil
}

func (s *Server) handleMeasure(w http.ResponseWriter, r *http.Request) {
	var req types.MeasureRequest
	if err := decodeData(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.deps.Runner.Measure(r.Context(), req)
	s.finishRun(w, r, rec, err)
}

func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	var req types.SimulateRequest
	if err := decodeData(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.deps.Runner.Simulate(r.Context(), req)
	s.finishRun(w, r, rec, err)
}

func (s *Server) finishRun(w http.ResponseWriter, r *http.Request, rec types.RunRecord, err error) {
	if err != nil {
		if errors.Is(err, runner.ErrRunFailed) {
			s.deps.Logger.Error().Err(err).Str("run", rec.ID).Int("exit_code", rec.ExitCode).Msg("engine run failed")
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error(), "run": rec})
			return
		}
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleLaunchWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Relay == nil {
		s.fail(w, r, errors.New("relay disabled"))
		return
	}
	s.deps.Relay.Restart()
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *Server) handleLaunch(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := s.deps.Procs.Launch(r.Context(), name, []byte(r.URL.Query().Get("data")))
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (s *Server) handleLaunchFit(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Procs.Run(r.Context(), types.PeerFitProc, []byte(r.URL.Query().Get("data"))); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

// handleProc serves /test_proc, /perf_proc and /fit_proc. start launches
// the process (the fitter runs to completion), stop kills it.
func (s *Server) handleProc(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		data := r.URL.Query().Get("data")
		var req types.ProcRequest
		if err := decodeData(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
		switch req.Cmd {
		case types.ProcStart:
			if name == types.PeerFitProc {
				if err := s.deps.Procs.Run(r.Context(), name, []byte(data)); err != nil {
					s.fail(w, r, err)
					return
				}
				writeJSON(w, http.StatusOK, types.LaunchResult{})
				return
			}
			res, err := s.deps.Procs.Launch(r.Context(), name, []byte(data))
			if err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
		case types.ProcStop:
			if err := s.deps.Procs.Stop(name); err != nil {
				s.fail(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, types.LaunchResult{})
		default:
			s.fail(w, r, badRequest("unknown process command %q", req.Cmd))
		}
	}
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.fail(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}
	if s.deps.History == nil {
		writeJSON(w, http.StatusOK, []types.RunRecord{})
		return
	}
	runs, err := s.deps.History.List(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if runs == nil {
		runs = []types.RunRecord{}
	}
	writeJSON(w, http.StatusOK, runs)
}
