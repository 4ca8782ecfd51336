package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/marcus/replica/internal/endpoint"
)

const (
	defaultServerURL   = "http://localhost:8080"
	defaultHTTPTimeout = 30 * time.Second
)

// ServerURL returns the REST server URL.
// Priority: REPLICA_SERVER_URL env > config > auth.json > default.
func ServerURL() string {
	if v := os.Getenv("REPLICA_SERVER_URL"); v != "" {
		return strings.TrimRight(v, "/")
	}
	if cfg, err := Load(); err == nil && cfg.ServerURL != "" {
		return strings.TrimRight(cfg.ServerURL, "/")
	}
	if a, err := LoadAuth(); err == nil && a != nil && a.ServerURL != "" {
		return strings.TrimRight(a.ServerURL, "/")
	}
	return defaultServerURL
}

// PushURL returns the push server URL.
// Priority: REPLICA_PUSH_URL env > config > ServerURL.
func PushURL() string {
	if v := os.Getenv("REPLICA_PUSH_URL"); v != "" {
		return v
	}
	if cfg, err := Load(); err == nil && cfg.PushURL != "" {
		return cfg.PushURL
	}
	return ServerURL()
}

// APIKey returns the API key.
// Priority: REPLICA_API_KEY env > auth.json.
func APIKey() string {
	if v := os.Getenv("REPLICA_API_KEY"); v != "" {
		return v
	}
	if a, err := LoadAuth(); err == nil && a != nil {
		return a.APIKey
	}
	return ""
}

// Identity returns the identity channels are derived from.
// Priority: REPLICA_IDENTITY env > config > device id.
func Identity() (string, error) {
	if v := os.Getenv("REPLICA_IDENTITY"); v != "" {
		return v, nil
	}
	if cfg, err := Load(); err == nil && cfg.Identity != "" {
		return cfg.Identity, nil
	}
	return DeviceID()
}

// Backend returns the store backend name.
// Priority: REPLICA_BACKEND env > config > sqlite.
func Backend() string {
	if v := os.Getenv("REPLICA_BACKEND"); v != "" {
		return strings.ToLower(v)
	}
	if cfg, err := Load(); err == nil && cfg.Backend != "" {
		return strings.ToLower(cfg.Backend)
	}
	return "sqlite"
}

// DBPath returns the local store path.
// Priority: REPLICA_DB env > config > <config dir>/replica.db (or
// replica.pebble for the pebble backend).
func DBPath() (string, error) {
	if v := os.Getenv("REPLICA_DB"); v != "" {
		return v, nil
	}
	if cfg, err := Load(); err == nil && cfg.DBPath != "" {
		return cfg.DBPath, nil
	}
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	if Backend() == "pebble" {
		return filepath.Join(dir, "replica.pebble"), nil
	}
	return filepath.Join(dir, "replica.db"), nil
}

// HTTPTimeout returns the remote request timeout.
// Priority: REPLICA_HTTP_TIMEOUT env > config > 30s.
func HTTPTimeout() time.Duration {
	if v := os.Getenv("REPLICA_HTTP_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	if cfg, err := Load(); err == nil && cfg.HTTPTimeout != "" {
		if d, err := time.ParseDuration(cfg.HTTPTimeout); err == nil && d > 0 {
			return d
		}
	}
	return defaultHTTPTimeout
}

// LogLevel returns the slog level.
// Priority: REPLICA_LOG_LEVEL env > config > info.
func LogLevel() slog.Level {
	v := os.Getenv("REPLICA_LOG_LEVEL")
	if v == "" {
		if cfg, err := Load(); err == nil {
			v = cfg.LogLevel
		}
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(v)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// LogFormat returns "json" or "text".
// Priority: REPLICA_LOG_FORMAT env > config > text.
func LogFormat() string {
	v := os.Getenv("REPLICA_LOG_FORMAT")
	if v == "" {
		if cfg, err := Load(); err == nil {
			v = cfg.LogFormat
		}
	}
	if strings.EqualFold(v, "json") {
		return "json"
	}
	return "text"
}

// Endpoints returns the configured entities as endpoint specs. REPLICA_ENTITIES
// ("tasks,notes:2") replaces the configured list; a ":n" suffix sets the
// priority. Entities without a root live under the server URL.
func Endpoints() []endpoint.Spec {
	var entities []Entity
	if v := os.Getenv("REPLICA_ENTITIES"); v != "" {
		entities = ParseEntities(v)
	} else if cfg, err := Load(); err == nil {
		entities = cfg.Entities
	}
	server := ServerURL()
	specs := make([]endpoint.Spec, 0, len(entities))
	for _, e := range entities {
		if e.Name == "" {
			continue
		}
		root := e.Root
		if root == "" {
			root = server + "/" + e.Name
		}
		specs = append(specs, endpoint.Spec{Entity: e.Name, RemoteRoot: root, Priority: e.Priority})
	}
	return specs
}

// ParseEntities parses "tasks,notes:2" into entities. A ":n" suffix sets the
// priority.
func ParseEntities(v string) []Entity {
	var out []Entity
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, prio, _ := strings.Cut(part, ":")
		e := Entity{Name: name}
		if n, err := strconv.Atoi(prio); err == nil {
			e.Priority = n
		}
		out = append(out, e)
	}
	return out
}

// FormatEntities is the inverse of ParseEntities. Roots are not included.
func FormatEntities(entities []Entity) string {
	parts := make([]string, 0, len(entities))
	for _, e := range entities {
		if e.Priority != 0 {
			parts = append(parts, e.Name+":"+strconv.Itoa(e.Priority))
		} else {
			parts = append(parts, e.Name)
		}
	}
	return strings.Join(parts, ",")
}
