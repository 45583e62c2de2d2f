package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Strategy Builder Configuration

[api]
# Strategy service base URL (REST endpoints live under /api/strategy-builder)
base_url = "http://localhost:8000"
# Exchange segment used for underlying lookups
exchange_segment = "NSEFO"
# Per-request timeout
timeout = "15s"
# Client-side request rate limit
rate_per_second = 5.0
burst = 5
# Retries for idempotent requests (creation is never retried)
max_retries = 3
# Consecutive outages before requests fail fast for breaker_cooldown
breaker_threshold = 5
breaker_cooldown = "30s"

[stream]
# Websocket base URL; derived from api.base_url when empty
ws_url = ""
# Reconnect attempts after the channel drops
max_reconnect_attempts = 5
reconnect_base_delay = "1s"
reconnect_max_delay = "30s"
# Keepalive ping interval
ping_interval = "30s"
# Pending update queue size
update_buffer = 256

[store]
# Keep a local snapshot of strategies for offline viewing
persist = true
# Snapshot database path; defaults to <config dir>/strategies.db
db_path = ""

[log]
# Log level: debug, info, warn, error
level = "info"
console = true
file = true

[defaults]
underlying = "NIFTY"
# Lot multiple applied when --qty is not given
quantity = 1
# Strikes shown on each side of ATM in the chain view
strike_window = 10

[ui]
color_enabled = true
`

const credentialsTemplate = `# Strategy Builder Credentials
# WARNING: Keep this file secure. Do not commit to version control.

# Bearer token issued by the strategy service
token = ""
# User the update channel is opened for
user_id = ""
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return fmt.Errorf("config file not found, created template at %s", path)
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return fmt.Errorf("credentials file not found, created template at %s", path)
}
