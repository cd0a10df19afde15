package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/collabnotes/notesync/internal/agentsync"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("NOTESYNC_BASE_URL", "http://127.0.0.1:8080"), "notesync base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("NOTESYNC_TOKEN")), "bearer token")
	notebookID := flag.String("notebook", strings.TrimSpace(os.Getenv("NOTESYNC_NOTEBOOK")), "notebook ID")
	filePath := flag.String("file", strings.TrimSpace(os.Getenv("NOTESYNC_FILE")), "local file to keep in sync")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("NOTESYNC_AGENT_STATE_FILE")), "state file path")
	summary := flag.String("summary", envOrDefault("NOTESYNC_SYNC_SUMMARY", "agent sync"), "change summary attached to accepted writes")
	interval := flag.Duration("interval", durationEnv("NOTESYNC_AGENT_INTERVAL", 5*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("NOTESYNC_AGENT_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	debounce := flag.Duration("debounce", durationEnv("NOTESYNC_AGENT_DEBOUNCE", 500*time.Millisecond), "delay after a file change before syncing")
	timeout := flag.Duration("timeout", durationEnv("NOTESYNC_AGENT_TIMEOUT", 15*time.Second), "per-sync timeout")
	watch := flag.Bool("watch", true, "watch the file for changes between polls")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or NOTESYNC_TOKEN)")
	}
	if strings.TrimSpace(*notebookID) == "" {
		log.Fatalf("notebook is required (--notebook or NOTESYNC_NOTEBOOK)")
	}
	if strings.TrimSpace(*filePath) == "" {
		log.Fatalf("file is required (--file or NOTESYNC_FILE)")
	}
	if *interval <= 0 {
		*interval = 5 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := agentsync.NewHTTPClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	syncer, err := agentsync.NewSyncer(client, agentsync.SyncerOptions{
		NotebookID: strings.TrimSpace(*notebookID),
		FilePath:   *filePath,
		StateFile:  *stateFile,
		Summary:    *summary,
		Logger:     log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize agent syncer: %v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := syncer.SyncOnce(ctx); err != nil {
			log.Printf("sync cycle failed: %v", err)
			return
		}
		log.Printf("sync cycle completed")
	}

	if *once {
		run()
		return
	}

	if *watch {
		err := syncer.Run(rootCtx, agentsync.RunOptions{
			Interval: *interval,
			Debounce: *debounce,
			Watch:    true,
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("agent stopped: %v", err)
		}
		log.Printf("agent stopping: %v", rootCtx.Err())
		return
	}

	run()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("agent stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
