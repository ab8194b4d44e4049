// ABOUTME: Entry point for the relaygram relay server
// ABOUTME: Serves adapter ingress and offers offline settings and template management

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/relaygram/internal/config"
	"github.com/2389/relaygram/internal/gateway"
	"github.com/2389/relaygram/internal/settings"
	"github.com/2389/relaygram/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
           _
 _ __ ___ | | __ _ _   _  __ _ _ __ __ _ _ __ ___
| '__/ _ \| |/ _' | | | |/ _' | '__/ _' | '_ ' _ \
| | |  __/| | (_| | |_| | (_| | | | (_| | | | | | |
|_|  \___||_|\__,_|\__, |\__, |_|  \__,_|_| |_| |_|
                   |___/ |___/
`

// getConfigPath returns the path to the config file.
// Priority: RELAYGRAM_CONFIG env var > XDG_CONFIG_HOME/relaygram/config.yaml > ~/.config/relaygram/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("RELAYGRAM_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "relaygram", "config.yaml")
}

func printUsage() {
	fmt.Println("Usage: relaygram <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                        Start the relay server")
	fmt.Println("  health                       Check a running server")
	fmt.Println("  settings [flag [on|off]]     Show, toggle or set a feature flag")
	fmt.Println("  template <event> [text]      Show or set the welcome / chat_opened template")
	fmt.Println()
	fmt.Println("settings and template edit the database directly; restart a running")
	fmt.Println("server or use the in-thread /settings and /template commands instead.")
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "settings":
		err = runSettings(ctx, os.Args[2:])
	case "template":
		err = runTemplate(ctx, os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
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
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Local:     %s ", cfg.Local.AdapterURL)
	gray.Printf("(group %s)\n", cfg.Local.GroupID)
	green.Print("    ▶ ")
	fmt.Printf("Remote:    %s\n", cfg.Remote.AdapterURL)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	if cfg.Server.IngressToken == "" {
		yellow.Println("    ! ingress is unauthenticated (server.ingress_token not set)")
	}
	fmt.Println()

	logger.Info("starting relaygram",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

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

// openStore loads the config and opens its database for offline commands.
func openStore() (*store.SQLiteStore, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return store.NewSQLiteStore(cfg.Database.Path)
}

func runSettings(ctx context.Context, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	gate := settings.New(st, nil)

	switch len(args) {
	case 0:
	case 1:
		if _, err := gate.Toggle(ctx, args[0]); err != nil {
			return err
		}
	case 2:
		var value bool
		switch strings.ToLower(args[1]) {
		case "on", "true", "1":
			value = true
		case "off", "false", "0":
		default:
			return fmt.Errorf("expected on or off, got %q", args[1])
		}
		if err := gate.Set(ctx, args[0], value); err != nil {
			return err
		}
	default:
		return errors.New("usage: relaygram settings [flag [on|off]]")
	}

	flags, err := gate.Flags(ctx)
	if err != nil {
		return err
	}
	fmt.Println(settings.Describe(flags))
	return nil
}

func runTemplate(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: relaygram template <welcome|chat_opened> [text]")
	}
	event := args[0]
	if event != store.EventWelcome && event != store.EventChatOpened {
		return fmt.Errorf("unknown template %q, expected %s or %s", event, store.EventWelcome, store.EventChatOpened)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	if len(args) > 1 {
		text := strings.Join(args[1:], " ")
		if err := st.SetPendingMessage(ctx, event, text); err != nil {
			return fmt.Errorf("saving template: %w", err)
		}
	}

	tmpl, err := st.GetPendingMessage(ctx, event)
	if errors.Is(err, store.ErrNotFound) {
		color.New(color.FgHiBlack).Printf("no %s template set\n", event)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading template: %w", err)
	}
	fmt.Println(tmpl.Text)
	return nil
}
