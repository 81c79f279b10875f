// Package config handles configuration loading for overlay-bridge.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from OVERLAY_BRIDGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/overlay-bridge/bridge.yaml
//  3. ~/.config/overlay-bridge/bridge.yaml
//
// A missing file is not an error; LoadOrDefault falls back to Default.
// Files ending in .toml are read as TOML, anything else as YAML.
//
// # Example
//
//	server:
//	  addr: "127.0.0.1:3002"
//	  ws_path: "/"
//	  allowed_origins: []      # empty accepts any origin
//	bridge:
//	  register_timeout: "10s"
//	  heartbeat_interval: "15s"
//	  heartbeat_max_missed: 2
//	  write_timeout: "5s"
//	  max_message_bytes: 1048576
//	  plugin_policy: "allow"   # or "single"
//	history:
//	  path: "${HOME}/.local/share/overlay-bridge/history.db"
//	logging:
//	  level: "info"
//	  format: "text"
//
// # Environment Variables
//
// ${VAR} references anywhere in the file are replaced before parsing; unset
// variables become empty strings. OVERLAY_BRIDGE_ADDR overrides server.addr.
package config
