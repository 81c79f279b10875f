// ABOUTME: Entry point for the overlay-bridge relay server
// ABOUTME: Runs the bridge and offers setup and inspection subcommands

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/overlay-bridge/internal/bridge"
	"github.com/2389/overlay-bridge/internal/config"
	"github.com/2389/overlay-bridge/internal/logging"
	"github.com/2389/overlay-bridge/internal/registry"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
                     _                  _        _     _
  _____   _____ _ __| | __ _ _   _     | |__  _ __(_) __| | __ _  ___
 / _ \ \ / / _ \ '__| |/ _' | | | |____| '_ \| '__| |/ _' |/ _' |/ _ \
| (_) \ V /  __/ |  | | (_| | |_| |____| |_) | |  | | (_| | (_| |  __/
 \___/ \_/ \___|_|  |_|\__,_|\__, |    |_.__/|_|  |_|\__,_|\__, |\___|
                             |___/                         |___/
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: overlay-bridge <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve      Start the bridge")
		fmt.Println("  init       Create a new config file interactively")
		fmt.Println("  health     Check bridge health")
		fmt.Println("  clients    List registered clients")
		fmt.Println("  version    Print the version")
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
	case "health":
		err = runHealth(ctx)
	case "clients":
		err = runClients(ctx)
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when it does not exist.
func loadConfig() (*config.Config, string, bool, error) {
	configPath := config.Path()
	cfg, found, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, configPath, false, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, found, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, found, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.New(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s", configPath)
	if !found {
		yellow.Print(" (not found, using defaults)")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("Clients:   ws://%s%s\n", cfg.Server.Addr, cfg.Server.WSPath)
	green.Print("    ▶ ")
	fmt.Printf("Host API:  http://%s/api\n", cfg.Server.Addr)
	green.Print("    ▶ ")
	fmt.Printf("Heartbeat: every %s, evict after %d missed\n", cfg.Bridge.HeartbeatInterval, cfg.Bridge.HeartbeatMaxMissed)
	if cfg.SinglePlugin() {
		green.Print("    ▶ ")
		fmt.Print("Plugins:   ")
		yellow.Println("single")
	}
	green.Print("    ▶ ")
	fmt.Print("History:   ")
	if cfg.History.Path == "" {
		gray.Println("disabled")
	} else {
		fmt.Println(cfg.History.Path)
	}
	fmt.Println()

	logger.Info("starting overlay-bridge",
		"config", configPath,
		"addr", cfg.Server.Addr,
		"ws_path", cfg.Server.WSPath,
	)

	b, err := bridge.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}

	return b.Run(ctx)
}

// apiGet issues a GET against the running bridge.
func apiGet(ctx context.Context, cfg *config.Config, path string) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	url := fmt.Sprintf("http://%s%s", cfg.Server.Addr, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases the request timeout when the body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	defer c.cancel()
	return c.ReadCloser.Close()
}

func runHealth(ctx context.Context) error {
	cfg, _, _, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := apiGet(ctx, cfg, "/health")
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

func runClients(ctx context.Context) error {
	cfg, _, _, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := apiGet(ctx, cfg, "/api/clients")
	if err != nil {
		return fmt.Errorf("listing clients failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("listing clients: status %d", resp.StatusCode)
	}

	var clients []registry.ClientInfo
	if err := json.NewDecoder(resp.Body).Decode(&clients); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	if len(clients) == 0 {
		fmt.Println("no clients registered")
		return nil
	}

	bold := color.New(color.Bold)
	gray := color.New(color.FgHiBlack)
	for _, c := range clients {
		bold.Printf("%-8s", c.ClientType)
		fmt.Printf(" %s", c.ID)
		if c.WidgetID != "" {
			fmt.Printf("  widget=%s", c.WidgetID)
		}
		if c.FileKey != "" {
			fmt.Printf("  file=%s", c.FileKey)
		}
		gray.Printf("  connected %s ago\n", time.Since(c.ConnectedAt).Round(time.Second))
	}
	return nil
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("overlay-bridge configuration setup")
	fmt.Println("==================================")
	fmt.Println()

	cfg := config.Default()

	outputFile := prompt(reader, "Config file path", config.Path())
	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	cfg.Server.Addr = prompt(reader, "Listen address", cfg.Server.Addr)
	cfg.Server.WSPath = prompt(reader, "WebSocket path", cfg.Server.WSPath)

	fmt.Println("\n--- Client Policy ---")
	cfg.Bridge.PluginPolicy = prompt(reader, "Plugin policy (allow/single)", cfg.Bridge.PluginPolicy)

	fmt.Println("\n--- Session History ---")
	if isYes(prompt(reader, "Record session history?", "no")) {
		cfg.History.Path = prompt(reader, "SQLite database path", filepath.Join(config.DataDir(), "history.db"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	cfg.Logging.Level = prompt(reader, "Log level (debug/info/warn/error)", cfg.Logging.Level)
	cfg.Logging.Format = prompt(reader, "Log format (text/json)", cfg.Logging.Format)

	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := cfg.Marshal(outputFile)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, data, 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	if cfg.History.Path != "" {
		fmt.Printf("History database: %s\n", cfg.History.Path)
	}
	fmt.Println("\nTo start the bridge:")
	fmt.Printf("  overlay-bridge serve\n")

	return nil
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
