package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/koodine/grader-backend/internal/auth"
	"github.com/koodine/grader-backend/internal/config"
	"github.com/koodine/grader-backend/internal/database"
	"github.com/koodine/grader-backend/internal/grader"
	"github.com/koodine/grader-backend/internal/handler"
	"github.com/koodine/grader-backend/internal/logger"
	"github.com/koodine/grader-backend/internal/session"
	"github.com/koodine/grader-backend/internal/shutdown"
	"github.com/koodine/grader-backend/internal/storage"
)

const (
	depExamDB     = "exam_db"
	depExerciseDB = "exercise_db"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("Invalid configuration")
	}

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("env", cfg.AppEnv).
		Str("log_level", cfg.LogLevel).
		Msg("Starting grader backend")

	coordinator := shutdown.New(depExamDB, depExerciseDB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to MongoDB ────────────────────────────────────────────
	examClient, examDB, err := database.NewMongoDatabase(ctx, cfg.ExamDatabaseURI, cfg.ExamDatabaseName, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to exam database")
	}
	coordinator.Report(depExamDB, true)

	exerciseClient, exerciseDB, err := database.NewMongoDatabase(ctx, cfg.ExerciseDatabaseURI, cfg.ExerciseDatabaseName, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to exercise database")
	}
	coordinator.Report(depExerciseDB, true)

	// ─── Connect to Redis (optional variant cache) ─────────────────────
	var rdb *redis.Client
	var variantCache *storage.VariantCache
	if cfg.RedisURL != "" {
		rdb, err = database.NewRedisClient(ctx, cfg.RedisURL, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		variantCache = storage.NewVariantCache(rdb, log)
	}

	// ─── Initialize Stores ─────────────────────────────────────────────
	examStore := storage.NewMongoExamStore(examDB)
	exerciseStore := storage.NewMongoExerciseStore(exerciseDB, variantCache)

	// ─── Initialize Token Verifier ─────────────────────────────────────
	verifier, err := auth.NewVerifier(cfg.JWTPublicKey, cfg.JWTAlgorithm, cfg.JWTIssuer, cfg.JWTSubject, cfg.JWTAudience)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load JWT public key")
	}

	// ─── Initialize Container Engine ───────────────────────────────────
	engine, err := grader.NewDockerEngine()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create docker client")
	}

	lifecycle := grader.NewLifecycle(engine, grader.Config{
		Image:           cfg.GraderImage,
		Cmd:             cfg.GraderCmd,
		WorkingDir:      cfg.GraderWorkingDir,
		ResultDir:       cfg.GraderResultDir,
		ErrorDir:        cfg.GraderErrorDir,
		InternalTimeout: cfg.GraderInternalTimeout,
		Volumes:         volumeMounts(cfg.GraderVolumes),
	}, log)

	orchestrator := grader.NewOrchestrator(lifecycle, exerciseStore, cfg.GraderExternalTimeout, log)

	// ─── Initialize Session Handling ───────────────────────────────────
	registry := session.NewRegistry()
	wsHandler := handler.NewWSHandler(handler.WSConfig{
		Verifier:       verifier,
		Exams:          examStore,
		Exercises:      exerciseStore,
		Grader:         orchestrator,
		Registry:       registry,
		GraderRoot:     cfg.GraderPath,
		Integration:    cfg.AppEnv == "integration",
		OnUnknownError: coordinator.ReportError,
		AllowedOrigins: cfg.AllowedOrigins,
	}, log)

	// ─── Setup Router ──────────────────────────────────────────────────
	gin.SetMode(cfg.GinMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		if !coordinator.Healthy() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": registry.Len()})
	})
	r.GET("/ws", wsHandler.Stream)

	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			coordinator.ReportError()
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	// Termination is gated: storage connections stay open while a grading
	// run might still be writing a submission. A not-ready process re-raises
	// the signal after a delay, up to the retry budget.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)

	for sig := range quit {
		if !coordinator.Ready() {
			attempts := coordinator.Attempt()
			log.Info().
				Int("attempt", attempts).
				Int("max_attempts", coordinator.MaxAttempts()).
				Msg("Server state not yet ready to exit")
			time.AfterFunc(5*time.Second, func() { quit <- sig })
			continue
		}

		log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

		// 1. Close active sessions.
		registry.CloseAll()

		// 2. Release storage connections.
		disconnectCtx, disconnectCancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := examClient.Disconnect(disconnectCtx); err != nil {
			log.Error().Err(err).Msg("Exam database disconnect error")
		} else {
			log.Info().Msg("Exam database connection closed")
		}
		if err := exerciseClient.Disconnect(disconnectCtx); err != nil {
			log.Error().Err(err).Msg("Exercise database disconnect error")
		} else {
			log.Info().Msg("Exercise database connection closed")
		}
		if rdb != nil {
			_ = rdb.Close()
		}
		disconnectCancel()

		// 3. Stop accepting new connections.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
		shutdownCancel()

		log.Info().Msg("Shutdown complete")
		return
	}
}

func volumeMounts(specs []config.VolumeSpec) []grader.Mount {
	mounts := make([]grader.Mount, 0, len(specs))
	for _, s := range specs {
		mounts = append(mounts, grader.Mount{
			Target:   s.Target,
			Source:   s.Source,
			Type:     s.Type,
			ReadOnly: s.ReadOnly,
		})
	}
	return mounts
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
