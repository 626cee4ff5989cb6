package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/syncraft/syncraft/internal/agentsync"
)

func main() {
	serverURL := strings.TrimSpace(os.Getenv("SYNCRAFT_SERVER_URL"))
	if serverURL == "" {
		serverURL = "ws://localhost:8080"
	}
	docID := strings.TrimSpace(os.Getenv("SYNCRAFT_DOC"))
	if docID == "" {
		log.Fatal("SYNCRAFT_DOC is required")
	}
	cachePath := strings.TrimSpace(os.Getenv("SYNCRAFT_CACHE_FILE"))
	if cachePath == "" {
		cachePath = "syncraft-agent.db"
	}

	agent, err := agentsync.New(agentsync.Options{
		ServerURL:            serverURL,
		DocID:                docID,
		CachePath:            cachePath,
		UserName:             os.Getenv("SYNCRAFT_USER"),
		Heartbeat:            durationEnv("SYNCRAFT_HEARTBEAT", 0),
		MaxReconnectInterval: durationEnv("SYNCRAFT_MAX_RECONNECT_INTERVAL", 0),
	})
	if err != nil {
		log.Fatalf("failed to start agent: %v", err)
	}
	defer agent.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	go func() {
		if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
			log.Fatalf("agent stopped: %v", err)
		}
	}()

	log.Printf("agent editing %s via %s (cache %s)", docID, serverURL, cachePath)
	runREPL(ctx, agent)
}

// runREPL reads edit commands from stdin: "i <index> <text>" inserts,
// "d <index> <count>" deletes, "p" prints, "s" shows the sync state.
func runREPL(ctx context.Context, agent *agentsync.Agent) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "p":
			fmt.Println(agent.Text())
		case line == "s":
			fmt.Println(agent.State())
		case strings.HasPrefix(line, "i "):
			var index int
			var text string
			if _, err := fmt.Sscanf(line, "i %d %s", &index, &text); err != nil {
				fmt.Println("usage: i <index> <text>")
				continue
			}
			if err := agent.InsertAt(index, text); err != nil {
				fmt.Printf("insert: %v\n", err)
			}
		case strings.HasPrefix(line, "d "):
			var index, count int
			if _, err := fmt.Sscanf(line, "d %d %d", &index, &count); err != nil {
				fmt.Println("usage: d <index> <count>")
				continue
			}
			if err := agent.DeleteAt(index, count); err != nil {
				fmt.Printf("delete: %v\n", err)
			}
		default:
			fmt.Println("commands: i <index> <text>, d <index> <count>, p, s")
		}
	}
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
