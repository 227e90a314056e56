// ABOUTME: Entry point for the chat-gateway server.
// ABOUTME: Subcommands: serve, init, token, health.

package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/trovia/chat-gateway/internal/auth"
	"github.com/trovia/chat-gateway/internal/config"
	"github.com/trovia/chat-gateway/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
       _           _                     _
   ___| |__   __ _| |_       __ _  __ _| |_ _____      ____ _ _   _
  / __| '_ \ / _' | __|____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
 | (__| | | | (_| | ||_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
  \___|_| |_|\__,_|\__|     \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                            |___/                             |___/
`

// getConfigPath returns the config file location.
// Priority: CHAT_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/chat-gateway/gateway.yaml
// > ~/.config/chat-gateway/gateway.yaml.
func getConfigPath() string {
	if envPath := os.Getenv("CHAT_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "chat-gateway", "gateway.yaml")
}

// getDataPath returns the data directory for the session database.
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "chat-gateway")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: chat-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve              Start the gateway server")
		fmt.Println("  init               Create a config file with a fresh JWT secret")
		fmt.Println("  token --user ID    Issue a bearer token for the given user")
		fmt.Println("  health             Check gateway health")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "token":
		err = runToken()
	case "health":
		err = runHealth(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Engine:   %s\n", cfg.Engine.URL)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	fmt.Println()

	logger.Info("starting chat-gateway",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"session_ttl", cfg.Session.TTL.String(),
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runInit writes a starter config with a random JWT secret.
func runInit() error {
	configPath := getConfigPath()
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	dataPath := getDataPath()
	dbPath := filepath.Join(dataPath, "sessions.db")

	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return fmt.Errorf("generating JWT secret: %w", err)
	}
	jwtSecret := base64.StdEncoding.EncodeToString(secretBytes)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	configContent := fmt.Sprintf(`# chat-gateway configuration
# Generated by chat-gateway init

server:
  http_addr: "localhost:8080"

database:
  path: "%s"

session:
  ttl: "30m"
  message_cap: 50
  history_window: 10

engine:
  url: "${AI_API_URL}"
  api_key: "${AI_API_KEY}"
  timeout: "30s"

auth:
  jwt_secret: "%s"

rate_limit:
  max_requests: 10
  window: "1m"

logging:
  level: "info"
  format: "text"
`, dbPath, jwtSecret)

	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Printf("  ✓ Created config: %s\n", configPath)
	fmt.Println("  Set AI_API_URL (and optionally AI_API_KEY), then run: chat-gateway serve")
	return nil
}

// runToken issues a bearer token, mainly for poking at the API during
// development.
func runToken() error {
	var userID string
	args := os.Args[2:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--user", "-u":
			if i+1 >= len(args) {
				return fmt.Errorf("--user requires a value")
			}
			userID = args[i+1]
			i++
		default:
			return fmt.Errorf("unknown argument: %s", args[i])
		}
	}
	if userID == "" {
		return fmt.Errorf("--user flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	authority := auth.NewJWTAuthority([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	token, err := authority.Issue(userID)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://%s/health/ready", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
