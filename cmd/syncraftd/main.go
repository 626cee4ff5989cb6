package main

import (
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/syncraft/syncraft/internal/crdt"
	"github.com/syncraft/syncraft/internal/syncraft"
	"github.com/syncraft/syncraft/internal/wsapi"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	redisURL := strings.TrimSpace(os.Getenv("REDIS_URL"))
	if redisURL == "" {
		log.Fatal("REDIS_URL is required")
	}

	store, err := syncraft.NewPostgresStore(databaseURL)
	if err != nil {
		log.Fatalf("failed to initialize postgres store: %v", err)
	}
	defer store.Close()

	redisOpts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("invalid REDIS_URL: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	bus := syncraft.NewRedisBus(rdb)
	defer bus.Close()

	engine := crdt.DefaultEngine()
	registry := syncraft.NewRegistry(syncraft.RegistryOptions{
		Engine:         engine,
		Store:          store,
		Bus:            bus,
		HydrateTimeout: durationEnv("SYNCRAFT_HYDRATE_TIMEOUT", 0),
	})
	defer registry.Close()

	versions := syncraft.NewVersions(registry, store, engine,
		durationEnv("SYNCRAFT_AUTOSAVE_INTERVAL", 0))
	defer versions.Close()
	versions.StartAutosave()

	presence := syncraft.NewPresenceTracker(durationEnv("SYNCRAFT_PRESENCE_TTL", 0))
	defer presence.Close()

	server := wsapi.NewServer(registry, versions, presence, wsapi.ServerConfig{
		AllowedOrigins: splitOrigins(os.Getenv("ALLOWED_ORIGINS")),
		MetricsToken:   os.Getenv("METRICS_TOKEN"),
	})

	if metricsPort := strings.TrimSpace(os.Getenv("METRICS_PORT")); metricsPort != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", server.MetricsHandler())
		go func() {
			log.Printf("metrics listening on :%s", metricsPort)
			if err := http.ListenAndServe(":"+metricsPort, mux); err != nil {
				log.Fatalf("metrics server failed: %v", err)
			}
		}()
	}

	addr := ":" + port
	log.Printf("syncraftd listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func splitOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
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
