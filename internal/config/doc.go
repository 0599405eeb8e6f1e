// Package config handles configuration loading for chat-gateway.
//
// # Overview
//
// Configuration is loaded from a YAML file (or TOML, chosen by the .toml
// extension) with environment variable expansion, defaults for optional
// fields, and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CHAT_GATEWAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/chat-gateway/gateway.yaml
//  3. ~/.config/chat-gateway/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	completion:
//	  api_key: "${GROQ_API_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
// An empty completion.api_key also falls back to OPENAI_API_KEY, then GROQ_API_KEY.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	session:
//	  chunk_delay: "10ms"
//	  exchange_timeout: "5m"
//	  send_timeout: "10s"
//
// # Configuration Sections
//
//	server:
//	  grpc_addr: "0.0.0.0:50051"  # gRPC health service
//	  http_addr: "0.0.0.0:8000"   # websocket, SSE, REST
//
//	database:
//	  path: "/var/lib/chat-gateway/chat.db"
//
//	completion:
//	  provider: "openai"           # openai | mock
//	  base_url: "https://api.groq.com/openai/v1"
//	  model: "llama3-8b-8192"
//	  temperature: 0.7
//	  max_tokens: 1024
//	  timeout: "2m"
//
//	session:
//	  rate_limit: 2                # inbound messages per second, 0 disables
//	  rate_burst: 5
//	  read_limit: 65536
//	  allowed_origins: ["localhost:*"]
//
//	tailscale:
//	  enabled: true
//	  hostname: "chat-gateway"
//	  funnel: false
//
//	logging:
//	  level: "info"                # debug, info, warn, error
//	  format: "text"               # text (colour), json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
