package service

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ethereum/go-ethereum/log"
	"github.com/rs/cors"
)

// Status is the body of a health check response
type Status struct {
	Status     string   `json:"status"`
	Version    string   `json:"version,omitempty"`
	Frameworks []string `json:"frameworks"`
	Running    int      `json:"running"`
}

type HealthzServer struct {
	ctx    context.Context
	server *http.Server
	log    log.Logger
	status func() Status
}

func NewHealthzServer(logger log.Logger, status func() Status) *HealthzServer {
	if logger == nil {
		logger = log.New()
	}
	return &HealthzServer{log: logger, status: status}
}

func (h *HealthzServer) Start(ctx context.Context, addr string) error {
	hdlr := http.NewServeMux()
	hdlr.HandleFunc("/healthz", h.Handle)
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
	})
	server := &http.Server{
		Handler: c.Handler(hdlr),
		Addr:    addr,
	}
	h.server = server
	h.ctx = ctx
	return h.server.ListenAndServe()
}

func (h *HealthzServer) Shutdown() error {
	if h.server == nil {
		return nil
	}
	return h.server.Shutdown(h.ctx)
}

func (h *HealthzServer) Handle(w http.ResponseWriter, r *http.Request) {
	h.log.Debug("Received health check request", "path", r.URL.Path)
	status := Status{Status: "ok"}
	if h.status != nil {
		status = h.status()
	}
	if status.Frameworks == nil {
		status.Frameworks = []string{}
	}
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
