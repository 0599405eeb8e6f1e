// ABOUTME: Entry point for the chat-gateway server and its client commands
// ABOUTME: serve runs the gateway; init, health, status, and chat are operator tools

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/chat-gateway/internal/config"
	"github.com/2389/chat-gateway/internal/gateway"
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

var (
	cfgFile string
	addr    string
)

// getConfigPath returns the path to the gateway config file.
// Priority: CHAT_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/chat-gateway/gateway.yaml > ~/.config/chat-gateway/gateway.yaml
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

// getDataPath returns the chat-gateway data directory.
// Priority: XDG_DATA_HOME/chat-gateway > ~/.local/share/chat-gateway
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

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "chat-gateway",
		Short: "Real-time chat gateway with streaming replies",
		Long: `chat-gateway serves multi-user chat over websockets, SSE, and plain HTTP.

Replies come from an OpenAI-compatible completion API and are streamed to
every open connection of the user as they are generated.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", getConfigPath(), "config file path (YAML or .toml)")

	root.AddCommand(
		newServeCmd(),
		newInitCmd(),
		newHealthCmd(),
		newStatusCmd(),
		newChatCmd(),
	)
	return root
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", cfgFile)
	green.Print("    ▶ ")
	fmt.Printf("gRPC:       %s\n", cfg.Server.GRPCAddr)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Completion: %s", cfg.Completion.Provider)
	if cfg.Completion.Model != "" && cfg.Completion.Provider != config.ProviderMock {
		gray.Printf(" (%s)", cfg.Completion.Model)
	}
	fmt.Println()

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:  ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:    %s\n", cfg.Metrics.Path)
	}

	fmt.Println()

	logger.Info("starting chat-gateway",
		"config", cfgFile,
		"grpc_addr", cfg.Server.GRPCAddr,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
