package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// VolumeSpec describes one grader container mount. Source may contain the
// EXAMCODE and STUDENTID placeholders, substituted per grading run.
type VolumeSpec struct {
	Target   string
	Source   string
	Type     string
	ReadOnly bool
}

// Config holds all application configuration.
type Config struct {
	ServerPort string
	GinMode    string
	LogLevel   string
	LogFormat  string
	// AppEnv toggles integration-test behavior such as allowing inactive exams.
	AppEnv string

	ExamDatabaseURI      string
	ExamDatabaseName     string
	ExerciseDatabaseURI  string
	ExerciseDatabaseName string
	// RedisURL is optional; empty disables the variant cache.
	RedisURL string

	JWTPublicKey []byte
	JWTIssuer    string
	JWTSubject   string
	JWTAudience  string
	JWTAlgorithm string

	GraderImage string
	// GraderCmd overrides the grading command; empty derives it from the variant path.
	GraderCmd []string
	// GraderWorkingDir overrides both the working directory and the upload target.
	GraderWorkingDir      string
	GraderResultDir       string
	GraderErrorDir        string
	GraderPath            string
	GraderInternalTimeout int
	GraderExternalTimeout time.Duration
	GraderVolumes         []VolumeSpec

	// AllowedOrigins controls WebSocket origin validation.
	// Empty slice means all origins are permitted (dev default).
	AllowedOrigins []string
}

// Load reads configuration from environment variables with sensible defaults.
// It loads .env file if present but does not fail if missing.
func Load() (*Config, error) {
	_ = godotenv.Load() // Ignore error — .env is optional

	cfg := &Config{
		ServerPort:            getEnv("SERVER_PORT", "4000"),
		GinMode:               getEnv("GIN_MODE", "debug"),
		LogLevel:              getEnv("LOG_LEVEL", "info"),
		LogFormat:             getEnv("LOG_FORMAT", "pretty"),
		AppEnv:                getEnv("APP_ENV", "development"),
		ExamDatabaseURI:       getEnv("EXAM_DATABASE_URI", "mongodb://localhost:27017"),
		ExamDatabaseName:      getEnv("EXAM_DATABASE_NAME", "exam"),
		ExerciseDatabaseURI:   getEnv("EXERCISE_DATABASE_URI", "mongodb://localhost:27017"),
		ExerciseDatabaseName:  getEnv("EXERCISE_DATABASE_NAME", "exercise"),
		RedisURL:              getEnv("REDIS_URL", ""),
		JWTIssuer:             getEnv("JWT_ISSUER", ""),
		JWTSubject:            getEnv("JWT_SUBJECT", ""),
		JWTAudience:           getEnv("JWT_AUDIENCE", ""),
		JWTAlgorithm:          getEnv("JWT_ALGORITHM", "RS256"),
		GraderImage:           getEnv("GRADER_CONTAINER_IMAGE", "grader"),
		GraderCmd:             splitList(getEnv("GRADER_CMD", "")),
		GraderWorkingDir:      getEnv("GRADER_WORKING_DIR", ""),
		GraderResultDir:       getEnv("GRADER_RESULT_DIR", ""),
		GraderErrorDir:        getEnv("GRADER_ERROR_DIR", "/home/student/grader/"),
		GraderPath:            getEnv("GRADER_PATH", "/var/grader"),
		GraderInternalTimeout: getEnvInt("GRADER_INTERNAL_TIMEOUT", 5),
		GraderExternalTimeout: time.Duration(getEnvInt("GRADER_EXTERNAL_TIMEOUT_MS", 10000)) * time.Millisecond,
		AllowedOrigins:        splitList(getEnv("ALLOWED_ORIGINS", "")),
	}

	keyFile := getEnv("JWT_PUBLIC_KEY_FILE", "")
	if keyFile != "" {
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read JWT public key: %w", err)
		}
		cfg.JWTPublicKey = key
	}

	volumes, err := parseVolumes(
		splitList(getEnv("GRADER_CONTAINER_VOLUME_TARGETS", "")),
		splitList(getEnv("GRADER_CONTAINER_VOLUME_SOURCES", "")),
		splitList(getEnv("GRADER_CONTAINER_VOLUME_PERMISSIONS", "")),
		splitList(getEnv("GRADER_CONTAINER_VOLUME_TYPES", "")),
	)
	if err != nil {
		return nil, err
	}
	cfg.GraderVolumes = volumes

	return cfg, nil
}

// parseVolumes zips the per-field volume lists into VolumeSpecs. Targets,
// sources and permissions must be the same length; types default to "volume".
func parseVolumes(targets, sources, permissions, types []string) ([]VolumeSpec, error) {
	if len(targets) != len(sources) || len(targets) != len(permissions) {
		return nil, fmt.Errorf("grader volume fields have to be the same length")
	}

	volumes := make([]VolumeSpec, 0, len(targets))
	for i, target := range targets {
		volType := "volume"
		if i < len(types) && types[i] != "" {
			volType = types[i]
		}
		readOnly, _ := strconv.ParseBool(permissions[i])
		volumes = append(volumes, VolumeSpec{
			Target:   target,
			Source:   sources[i],
			Type:     volType,
			ReadOnly: readOnly,
		})
	}
	return volumes, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// splitList splits a comma-separated string into a trimmed slice.
// Returns nil if the input is empty.
func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
