package server

import (
	"log/slog"

	"github.com/securecollab/mpstudy/api/httpserver"
	"github.com/securecollab/mpstudy/services"
)

// Server is the study coordinator's HTTP front: the shared BaseServer
// shell with the study API mounted on it.
type Server struct {
	*httpserver.BaseServer
	handler *StudyHandler
	orch    *services.Orchestrator
}

// New wires the orchestrator's REST handler into a BaseServer.
func New(cfg *httpserver.HTTPServerConfig, orch *services.Orchestrator, log *slog.Logger) (*Server, error) {
	handler := NewStudyHandler(orch, log)
	base, err := httpserver.New(cfg, handler)
	if err != nil {
		return nil, err
	}
	return &Server{
		BaseServer: base,
		handler:    handler,
		orch:       orch,
	}, nil
}

// Shutdown stops accepting requests, waits for in-flight computations,
// then stops the HTTP and metrics listeners.
func (s *Server) Shutdown() {
	s.orch.Drain()
	s.BaseServer.Shutdown()
}
