package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"realtime-chat/internal/auth"
	"realtime-chat/internal/chat"
	"realtime-chat/internal/realtime"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

// Deps are the collaborators served over HTTP
type Deps struct {
	Accounts      *auth.Service
	Verifier      auth.Verifier
	Conversations *chat.ConversationService
	Messages      *chat.MessageService
	Hub           *realtime.Hub
	// Metrics serves /metrics when set
	Metrics http.Handler
}

// Server defines fields used in HTTP processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	hub           *realtime.Hub
	afterShutdown []func()
}

// NewServer returns new Server routing the API under /api/v1 and realtime connections under /ws
func NewServer(logger *zap.SugaredLogger, deps Deps, opts ...Option) (*Server, error) {
	if deps.Accounts == nil || deps.Verifier == nil || deps.Conversations == nil || deps.Messages == nil {
		return nil, errors.New("server: accounts, verifier, conversations and messages are required")
	}

	cfg := &config{
		httpServer: &http.Server{
			Addr:              "0.0.0.0:2000",
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
	for _, opt := range opts {
		opt.apply(cfg)
	}

	h := &handler{
		logger:        logger,
		accounts:      deps.Accounts,
		conversations: deps.Conversations,
		messages:      deps.Messages,
		cookieSecure:  cfg.cookieSecure,
	}
	if deps.Hub != nil {
		h.notifier = deps.Hub
	}

	desugared := logger.Desugar()
	protect := func(f http.HandlerFunc) http.Handler {
		return authenticate(f, deps.Verifier, desugared)
	}
	protectJSON := func(f http.HandlerFunc) http.Handler {
		return authenticate(enforceJSON(f), deps.Verifier, desugared)
	}

	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/auth/register", enforceJSON(http.HandlerFunc(h.register))).Methods(http.MethodPost)
	api.Handle("/auth/login", enforceJSON(http.HandlerFunc(h.login))).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", h.logout).Methods(http.MethodPost)
	api.Handle("/auth/profile", protect(h.profile)).Methods(http.MethodGet)
	api.Handle("/auth/profile/pic", protectJSON(h.updateProfilePicture)).Methods(http.MethodPut)
	api.Handle("/auth", protect(h.searchUsers)).Methods(http.MethodGet)

	api.Handle("/chat", protectJSON(h.accessChat)).Methods(http.MethodPost)
	api.Handle("/chat", protect(h.listChats)).Methods(http.MethodGet)
	api.Handle("/chat/group", protectJSON(h.createGroupChat)).Methods(http.MethodPost)
	api.Handle("/chat/group/add", protectJSON(h.addToGroup)).Methods(http.MethodPut)
	api.Handle("/chat/group/remove", protectJSON(h.removeFromGroup)).Methods(http.MethodPut)

	api.Handle("/message", protectJSON(h.sendMessage)).Methods(http.MethodPost)
	api.Handle("/message/{chatId}", protect(h.history)).Methods(http.MethodGet)

	api.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})
	api.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, http.StatusText(http.StatusMethodNotAllowed))
	})

	if deps.Hub != nil {
		r.Handle("/ws", deps.Hub)
	}
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		_ = writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics).Methods(http.MethodGet)
	}

	cfg.httpServer.Handler = log(cors(bodyLimit(r, cfg.maxBodyBytes), cfg.origins), desugared)

	return &Server{
		logger:        logger,
		httpServer:    cfg.httpServer,
		hub:           deps.Hub,
		afterShutdown: cfg.afterShutdown,
	}, nil
}

// MetricsHandler serves the default prometheus registry
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Handler returns the root handler with every middleware applied
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		// hijacked websocket connections are not tracked by http.Server
		if s.hub != nil {
			if err := s.hub.Shutdown(ctx); err != nil {
				s.logger.Errorf("hub.Shutdown: %v", err)
			}
			s.logger.Info("Realtime hub is stopped")
		}

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("s.httpServer.ListenAndServe: %w", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}
