package handler

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/koodine/grader-backend/internal/auth"
	"github.com/koodine/grader-backend/internal/session"
	"github.com/koodine/grader-backend/internal/storage"
)

// buildUpgrader creates a WebSocket upgrader with origin validation.
// An empty allowedOrigins slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler upgrades grading connections and hands them to per-connection
// session routers.
type WSHandler struct {
	verifier       *auth.Verifier
	exams          storage.ExamStore
	exercises      storage.ExerciseStore
	grader         session.Grader
	registry       *session.Registry
	graderRoot     string
	integration    bool
	onUnknownError func()
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// WSConfig wires a WSHandler.
type WSConfig struct {
	Verifier       *auth.Verifier
	Exams          storage.ExamStore
	Exercises      storage.ExerciseStore
	Grader         session.Grader
	Registry       *session.Registry
	GraderRoot     string
	Integration    bool
	OnUnknownError func()
	AllowedOrigins []string
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(cfg WSConfig, log zerolog.Logger) *WSHandler {
	return &WSHandler{
		verifier:       cfg.Verifier,
		exams:          cfg.Exams,
		exercises:      cfg.Exercises,
		grader:         cfg.Grader,
		registry:       cfg.Registry,
		graderRoot:     cfg.GraderRoot,
		integration:    cfg.Integration,
		onUnknownError: cfg.OnUnknownError,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(cfg.AllowedOrigins),
	}
}

// Stream upgrades the request and runs the session router until the
// connection closes. Each connection owns its session exclusively.
func (h *WSHandler) Stream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	remote := c.Request.RemoteAddr
	h.log.Info().Str("remote", remote).Msg("Client connected")

	router := session.NewRouter(session.Deps{
		Conn:           conn,
		Verifier:       h.verifier,
		Exams:          h.exams,
		Exercises:      h.exercises,
		Grader:         h.grader,
		GraderRoot:     h.graderRoot,
		Integration:    h.integration,
		OnUnknownError: h.onUnknownError,
		Log:            h.log.With().Str("remote", remote).Logger(),
	})

	h.registry.Add(router)
	defer func() {
		h.registry.Remove(router)
		_ = conn.Close()
		h.log.Info().Str("remote", remote).Msg("Client disconnected")
	}()

	router.Run(c.Request.Context())
}
