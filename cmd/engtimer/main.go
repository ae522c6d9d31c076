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

	"github.com/fsnotify/fsnotify"

	"github.com/zkindustry/eng-timer/internal/engtimer"
	"github.com/zkindustry/eng-timer/internal/httpapi"
)

func main() {
	addr := os.Getenv("ENGTIMER_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	stateBackend, err := buildStateBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize state backend: %v", err)
	}

	store, err := engtimer.NewStoreWithOptions(engtimer.StoreOptions{
		StateBackend:    stateBackend,
		MaxStoredEvents: intEnv("ENGTIMER_MAX_STORED_EVENTS", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize store: %v", err)
	}

	gateway := engtimer.NewHTTPGateway(engtimer.HTTPGatewayOptions{
		BaseURL:    os.Getenv("ENGTIMER_NOTION_BASE_URL"),
		APIKey:     os.Getenv("NOTION_API_KEY"),
		APIVersion: os.Getenv("ENGTIMER_NOTION_VERSION"),
		PageSize:   intEnv("ENGTIMER_NOTION_PAGE_SIZE", 0),
	})

	notices := httpapi.NewNoticeLog()
	engine := engtimer.NewEngine(engtimer.EngineOptions{
		Store:    store,
		Gateway:  gateway,
		Notifier: notices.Add,
	})
	timer := engtimer.NewTimer(store, engine)

	if err := seedSyncConfigFromEnv(store); err != nil {
		log.Fatalf("failed to load sync config: %v", err)
	}
	stopWatch, err := watchSyncConfigFromEnv(store)
	if err != nil {
		log.Printf("sync config watch disabled: %v", err)
	} else if stopWatch != nil {
		defer stopWatch()
	}

	server := httpapi.NewServerWithConfig(store, engine, timer, gateway, notices, httpapi.ServerConfig{
		JWTSecret:       os.Getenv("ENGTIMER_JWT_SECRET"),
		RateLimitMax:    intEnv("ENGTIMER_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("ENGTIMER_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("ENGTIMER_MAX_BODY_BYTES", 0),
	})

	log.Printf("engtimer listening on %s", addr)
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

func buildStateBackendFromEnv() (engtimer.StateBackend, error) {
	profileDSN, err := storageProfileDefaultFromEnv()
	if err != nil {
		return nil, err
	}
	stateBackendDSN := strings.TrimSpace(os.Getenv("ENGTIMER_STATE_BACKEND_DSN"))
	stateFile := strings.TrimSpace(os.Getenv("ENGTIMER_STATE_FILE"))
	switch {
	case stateBackendDSN != "":
		return engtimer.BuildStateBackendFromDSN(stateBackendDSN)
	case stateFile != "":
		return engtimer.BuildStateBackendFromDSN(stateFile)
	case profileDSN != "":
		return engtimer.BuildStateBackendFromDSN(profileDSN)
	default:
		return nil, nil
	}
}

func storageProfileDefaultFromEnv() (string, error) {
	profile := strings.ToLower(strings.TrimSpace(os.Getenv("ENGTIMER_BACKEND_PROFILE")))
	dataDir := strings.TrimSpace(os.Getenv("ENGTIMER_DATA_DIR"))
	if dataDir == "" {
		dataDir = ".engtimer"
	}
	switch profile {
	case "", "custom":
		return "", nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		productionDSN := strings.TrimSpace(os.Getenv("ENGTIMER_PRODUCTION_DSN"))
		if productionDSN == "" {
			productionDSN = strings.TrimSpace(os.Getenv("ENGTIMER_POSTGRES_DSN"))
		}
		if productionDSN == "" {
			return "", fmt.Errorf("ENGTIMER_PRODUCTION_DSN or ENGTIMER_POSTGRES_DSN is required when ENGTIMER_BACKEND_PROFILE=%s", profile)
		}
		return productionDSN, nil
	case "durable-local", "local-durable":
		return "sqlite://" + filepath.Join(dataDir, "state.db"), nil
	default:
		return "", fmt.Errorf("unsupported ENGTIMER_BACKEND_PROFILE: %s", profile)
	}
}

func seedSyncConfigFromEnv(store *engtimer.Store) error {
	path := strings.TrimSpace(os.Getenv("ENGTIMER_SYNC_CONFIG_FILE"))
	userID := strings.TrimSpace(os.Getenv("ENGTIMER_SYNC_CONFIG_USER"))
	if path == "" || userID == "" {
		return nil
	}
	cfg, err := engtimer.LoadSyncConfigFile(path)
	if err != nil {
		return err
	}
	_, err = store.SetSyncConfig(userID, cfg)
	return err
}

// watchSyncConfigFromEnv reloads the sync config whenever the configured
// file changes, so database mappings can be edited without a restart.
// Editors often replace the file, so the watch is re-armed on each event.
func watchSyncConfigFromEnv(store *engtimer.Store) (func(), error) {
	path := strings.TrimSpace(os.Getenv("ENGTIMER_SYNC_CONFIG_FILE"))
	userID := strings.TrimSpace(os.Getenv("ENGTIMER_SYNC_CONFIG_USER"))
	if path == "" || userID == "" {
		return nil, nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	target := filepath.Clean(path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				cfg, loadErr := engtimer.LoadSyncConfigFile(path)
				if loadErr != nil {
					log.Printf("sync config reload failed: %v", loadErr)
					continue
				}
				if _, setErr := store.SetSyncConfig(userID, cfg); setErr != nil {
					log.Printf("sync config reload rejected: %v", setErr)
					continue
				}
				log.Printf("sync config reloaded from %s", path)
			case watchErr, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("sync config watcher error: %v", watchErr)
			}
		}
	}()
	return func() { _ = watcher.Close() }, nil
}
