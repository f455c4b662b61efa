// File: internal/server/server.go
// Description: A small web front end over the workflow: a request page, a
// Server-Sent Events stream of the run's progress, and artifact download.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/permitflow/permitflow/internal/config"
	"github.com/permitflow/permitflow/internal/workflow"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const homePage = `<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"><title>Permit Request</title></head>
<body>
  <h1>Permit Request</h1>
  <form action="/stream" method="get">
    <label>Permits <input type="number" name="permits" value="1" min="1" max="5"></label>
    <label>Auto-print <input type="checkbox" name="auto_print" value="true" checked></label>
    <button type="submit">Request</button>
  </form>
</body>
</html>
`

// Server serves the progress UI. One workflow run is processed per stream
// request; the run is driven to completion even if the client disconnects
// mid-stage (the in-flight stage finishes, then no further stages start).
type Server struct {
	cfg    *config.Config
	runner *workflow.Runner
	log    *zap.Logger
	http   *http.Server
}

// New builds the server and its routes.
func New(cfg *config.Config, runner *workflow.Runner, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		runner: runner,
		log:    logger.Named("server"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleHome).Methods(http.MethodGet)
	r.HandleFunc("/stream", s.handleStream).Methods(http.MethodGet)
	r.HandleFunc("/download/{filename}", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the context is cancelled or the listener
// fails, then shuts the server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("serving progress UI", zap.String("address", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

func (s *Server) handleHome(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, homePage)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"healthy","service":"permitflow"}`)
}

// handleStream runs one workflow and streams its progress events as SSE
// frames. The stream ends after the terminal event.
func (s *Server) handleStream(w http.ResponseWriter, req *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	permits, _ := strconv.Atoi(req.URL.Query().Get("permits"))
	autoPrint := !strings.EqualFold(req.URL.Query().Get("auto_print"), "false")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	events := workflow.NewEventChannel()
	go s.runner.Run(req.Context(), workflow.RunParams{
		Permits:   permits,
		AutoPrint: autoPrint,
	}, events)

	for ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.log.Error("failed to encode event", zap.Error(err))
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}
}

// handleDownload serves a previously generated artifact. Only permit_*.pdf
// names from the artifact directory are allowed; files expire via the
// workflow's cleanup timer.
func (s *Server) handleDownload(w http.ResponseWriter, req *http.Request) {
	// Strip any path components to prevent traversal.
	name := filepath.Base(mux.Vars(req)["filename"])
	if !strings.HasPrefix(name, "permit_") || !strings.HasSuffix(name, ".pdf") {
		http.Error(w, "invalid filename", http.StatusBadRequest)
		return
	}

	dir := s.cfg.Workflow.ArtifactDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err != nil {
		http.Error(w, "file not found or has expired", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", `attachment; filename="permit.pdf"`)
	http.ServeFile(w, req, path)
}
