package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/collabnotes/notesync/internal/httpapi"
	"github.com/collabnotes/notesync/internal/notesync"
)

func main() {
	addr := os.Getenv("NOTESYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	store := notesync.NewStoreWithOptions(notesync.StoreOptions{
		StateBackend:      stateBackend,
		StateFile:         os.Getenv("NOTESYNC_STATE_FILE"),
		SessionTTL:        durationEnv("NOTESYNC_SESSION_TTL", 0),
		MaxEvents:         intEnv("NOTESYNC_MAX_EVENTS", 0),
		MaxVersionHistory: intEnv("NOTESYNC_MAX_VERSION_HISTORY", 0),
		BackendProfile:    strings.TrimSpace(os.Getenv("NOTESYNC_BACKEND_PROFILE")),
	})
	defer func() { _ = store.Close() }()

	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("NOTESYNC_JWT_SECRET"),
		RateLimitMax:    intEnv("NOTESYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("NOTESYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("NOTESYNC_MAX_BODY_BYTES", 0),
	})

	log.Printf("notesync listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func buildStateBackendFromEnv() (notesync.StateBackend, error) {
	profileDSN, err := profileStateDSNFromEnv()
	if err != nil {
		return nil, err
	}
	stateBackendDSN := strings.TrimSpace(os.Getenv("NOTESYNC_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("NOTESYNC_STATE_FILE"))
	switch {
	case stateBackendDSN != "":
		return notesync.BuildStateBackendFromDSN(stateBackendDSN)
	case stateFile != "":
		return notesync.BuildStateBackendFromDSN(stateFile)
	case profileDSN != "":
		return notesync.BuildStateBackendFromDSN(profileDSN)
	default:
		return nil, nil
	}
}

func profileStateDSNFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("NOTESYNC_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("NOTESYNC_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".notesync"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("NOTESYNC_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("NOTESYNC_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("NOTESYNC_PRODUCTION_DSN or NOTESYNC_POSTGRES_DSN is required when NOTESYNC_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "state.json"), nil
	default:
		return "", fmt.Errorf("unsupported NOTESYNC_BACKEND_PROFILE: %s", profile)
	}
}
