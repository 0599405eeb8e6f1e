// ABOUTME: Interactive config file generator for chat-gateway init
// ABOUTME: Prompts with defaults on stdin and writes a YAML config the server can load

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

// initAnswers holds everything init asks for.
type initAnswers struct {
	GRPCAddr string
	HTTPAddr string
	DBPath   string

	Provider string
	BaseURL  string
	Model    string

	Tailscale   bool
	TSHostname  string
	TSAuthKey   string
	TSEphemeral bool
	TSFunnel    bool

	LogLevel  string
	LogFormat string
	Metrics   bool
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "chat-gateway configuration setup")
	fmt.Fprintln(out, "================================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", cfgFile)

	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.GRPCAddr = prompt(reader, out, "gRPC address", "localhost:50051")
	a.HTTPAddr = prompt(reader, out, "HTTP address", "localhost:8080")

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	a.DBPath = prompt(reader, out, "SQLite database path", filepath.Join(getDataPath(), "chat.db"))

	fmt.Fprintln(out, "\n--- Completion Configuration ---")
	a.Provider = prompt(reader, out, "Provider (openai/mock)", "openai")
	if a.Provider != "mock" {
		a.BaseURL = prompt(reader, out, "API base URL", "https://api.groq.com/openai/v1")
		a.Model = prompt(reader, out, "Model", "llama3-8b-8192")
	}

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.Tailscale = yes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, out, "Tailscale hostname", "chat-gateway")
		a.TSAuthKey = prompt(reader, out, "Tailscale auth key (leave empty for TS_AUTHKEY)", "")
		a.TSEphemeral = yes(prompt(reader, out, "Ephemeral node?", "no"))
		a.TSFunnel = yes(prompt(reader, out, "Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")
	a.Metrics = yes(prompt(reader, out, "Expose Prometheus metrics?", "yes"))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	if a.Provider != "mock" {
		fmt.Fprintln(out, "\nSet OPENAI_API_KEY (or GROQ_API_KEY) before starting the server.")
	}
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintf(out, "  chat-gateway serve --config %s\n", outputFile)

	return nil
}

// renderConfig produces the YAML config for a.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# chat-gateway configuration\n")
	cfg.WriteString("# Generated by chat-gateway init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", a.GRPCAddr))
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.HTTPAddr))
	cfg.WriteString("  shutdown_timeout: \"30s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", a.DBPath))
	cfg.WriteString("\n")

	cfg.WriteString("completion:\n")
	cfg.WriteString(fmt.Sprintf("  provider: %q\n", a.Provider))
	if a.Provider != "mock" {
		cfg.WriteString(fmt.Sprintf("  base_url: %q\n", a.BaseURL))
		cfg.WriteString("  api_key: \"${OPENAI_API_KEY}\"\n")
		cfg.WriteString(fmt.Sprintf("  model: %q\n", a.Model))
		cfg.WriteString("  timeout: \"2m\"\n")
	}
	cfg.WriteString("\n")

	cfg.WriteString("session:\n")
	cfg.WriteString("  chunk_delay: \"10ms\"\n")
	cfg.WriteString("  exchange_timeout: \"5m\"\n")
	cfg.WriteString("  send_timeout: \"10s\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.Tailscale))
	if a.Tailscale {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", a.TSHostname))
		if a.TSAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", a.TSAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", a.TSEphemeral))
		cfg.WriteString(fmt.Sprintf("  funnel: %t\n", a.TSFunnel))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.Metrics))
	cfg.WriteString("  path: \"/metrics\"\n")

	return cfg.String()
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
