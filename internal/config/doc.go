// Package config handles configuration loading for relaygram.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension) after a .env file in the working directory, if any, has been
// loaded into the environment. Values may reference environment variables
// as ${VAR_NAME}; unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"      # ingress, health and metrics
//	  ingress_token: "${RELAY_TOKEN}"  # optional bearer token for adapters
//
//	database:
//	  path: "/var/lib/relaygram/relay.db"
//
//	local:
//	  adapter_url: "http://127.0.0.1:7001"
//	  token: "${LOCAL_ADAPTER_TOKEN}"
//	  group_id: "-1001234567890"
//	  max_upload:
//	    video: "50MB"
//
//	remote:
//	  adapter_url: "http://127.0.0.1:7002"
//	  token: "${REMOTE_ADAPTER_TOKEN}"
//
//	relay:
//	  greeting_command: "/start"
//	  outbound_rate: 0          # messages per second per peer, 0 disables pacing
//	  outbound_burst: 1
//	  request_timeout: "30s"    # adapter calls
//	  handle_timeout: "0"       # one inbound update end to end, 0 is unbounded
//	  allowed_reactions: ["👍", "❤", "🔥"]
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// Durations use time.ParseDuration syntax. Upload ceilings accept sizes
// such as "500KB" or "16MB"; kinds left out keep the platform defaults.
package config
