package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// isolate points the config dir at a temp dir and clears every REPLICA_*
// variable the getters read.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("REPLICA_CONFIG_DIR", dir)
	for _, k := range []string{
		"REPLICA_SERVER_URL", "REPLICA_PUSH_URL", "REPLICA_API_KEY", "REPLICA_IDENTITY",
		"REPLICA_BACKEND", "REPLICA_DB", "REPLICA_HTTP_TIMEOUT", "REPLICA_LOG_LEVEL",
		"REPLICA_LOG_FORMAT", "REPLICA_ENTITIES",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func writeJSON(t *testing.T, dir string, cfg *Config) {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	dir := isolate(t)

	if got := ServerURL(); got != defaultServerURL {
		t.Fatalf("ServerURL: got %q, want %q", got, defaultServerURL)
	}
	if got := PushURL(); got != defaultServerURL {
		t.Fatalf("PushURL: got %q, want %q", got, defaultServerURL)
	}
	if got := Backend(); got != "sqlite" {
		t.Fatalf("Backend: got %q, want sqlite", got)
	}
	if got := HTTPTimeout(); got != defaultHTTPTimeout {
		t.Fatalf("HTTPTimeout: got %v, want %v", got, defaultHTTPTimeout)
	}
	if got := LogLevel(); got != slog.LevelInfo {
		t.Fatalf("LogLevel: got %v, want info", got)
	}
	if got := LogFormat(); got != "text" {
		t.Fatalf("LogFormat: got %q, want text", got)
	}
	path, err := DBPath()
	if err != nil {
		t.Fatalf("DBPath: %v", err)
	}
	if want := filepath.Join(dir, "replica.db"); path != want {
		t.Fatalf("DBPath: got %q, want %q", path, want)
	}
	if specs := Endpoints(); len(specs) != 0 {
		t.Fatalf("Endpoints: got %v, want none", specs)
	}
}

func TestConfigFile(t *testing.T) {
	dir := isolate(t)
	writeJSON(t, dir, &Config{
		ServerURL:   "https://sync.example.com/",
		Backend:     "Pebble",
		LogLevel:    "debug",
		LogFormat:   "json",
		HTTPTimeout: "5s",
		Entities: []Entity{
			{Name: "tasks"},
			{Name: "notes", Root: "https://notes.example.com/v1/notes", Priority: 2},
		},
	})

	if got := ServerURL(); got != "https://sync.example.com" {
		t.Fatalf("ServerURL: got %q", got)
	}
	if got := Backend(); got != "pebble" {
		t.Fatalf("Backend: got %q", got)
	}
	if got := LogLevel(); got != slog.LevelDebug {
		t.Fatalf("LogLevel: got %v", got)
	}
	if got := LogFormat(); got != "json" {
		t.Fatalf("LogFormat: got %q", got)
	}
	if got := HTTPTimeout(); got != 5*time.Second {
		t.Fatalf("HTTPTimeout: got %v", got)
	}
	path, err := DBPath()
	if err != nil {
		t.Fatalf("DBPath: %v", err)
	}
	if want := filepath.Join(dir, "replica.pebble"); path != want {
		t.Fatalf("DBPath: got %q, want %q", path, want)
	}

	specs := Endpoints()
	if len(specs) != 2 {
		t.Fatalf("Endpoints: got %d, want 2", len(specs))
	}
	if specs[0].RemoteRoot != "https://sync.example.com/tasks" {
		t.Fatalf("tasks root: got %q", specs[0].RemoteRoot)
	}
	if specs[1].RemoteRoot != "https://notes.example.com/v1/notes" || specs[1].Priority != 2 {
		t.Fatalf("notes spec: got %+v", specs[1])
	}
}

func TestYAMLConfig(t *testing.T) {
	dir := isolate(t)
	yml := "server_url: http://yaml.local:9000\nidentity: bob\nentities:\n  - name: tasks\n    priority: 1\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yml), 0644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	if got := ServerURL(); got != "http://yaml.local:9000" {
		t.Fatalf("ServerURL: got %q", got)
	}
	id, err := Identity()
	if err != nil || id != "bob" {
		t.Fatalf("Identity: got %q, %v", id, err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.PushURL = "ws://push.local"
	if err := Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "config.json")); !os.IsNotExist(err) {
		t.Fatalf("Save should keep the yaml file, json stat err = %v", err)
	}
	if got := PushURL(); got != "ws://push.local" {
		t.Fatalf("PushURL after save: got %q", got)
	}
}

func TestEnvOverridesConfig(t *testing.T) {
	dir := isolate(t)
	writeJSON(t, dir, &Config{ServerURL: "http://file", Backend: "pebble", HTTPTimeout: "5s", Identity: "file-id"})

	t.Setenv("REPLICA_SERVER_URL", "http://env")
	t.Setenv("REPLICA_BACKEND", "sqlite")
	t.Setenv("REPLICA_HTTP_TIMEOUT", "750ms")
	t.Setenv("REPLICA_IDENTITY", "env-id")
	t.Setenv("REPLICA_ENTITIES", "tasks, notes:3")

	if got := ServerURL(); got != "http://env" {
		t.Fatalf("ServerURL: got %q", got)
	}
	if got := Backend(); got != "sqlite" {
		t.Fatalf("Backend: got %q", got)
	}
	if got := HTTPTimeout(); got != 750*time.Millisecond {
		t.Fatalf("HTTPTimeout: got %v", got)
	}
	if id, _ := Identity(); id != "env-id" {
		t.Fatalf("Identity: got %q", id)
	}
	specs := Endpoints()
	if len(specs) != 2 || specs[1].Entity != "notes" || specs[1].Priority != 3 {
		t.Fatalf("Endpoints: got %+v", specs)
	}
	if specs[0].RemoteRoot != "http://env/tasks" {
		t.Fatalf("tasks root: got %q", specs[0].RemoteRoot)
	}
}

func TestInvalidTimeoutFallsBack(t *testing.T) {
	isolate(t)
	t.Setenv("REPLICA_HTTP_TIMEOUT", "soon")
	if got := HTTPTimeout(); got != defaultHTTPTimeout {
		t.Fatalf("HTTPTimeout: got %v, want default", got)
	}
}

func TestAuth(t *testing.T) {
	dir := isolate(t)

	a, err := LoadAuth()
	if err != nil || a != nil {
		t.Fatalf("LoadAuth on empty dir: got %v, %v", a, err)
	}

	id, err := DeviceID()
	if err != nil || id == "" {
		t.Fatalf("DeviceID: got %q, %v", id, err)
	}
	again, err := DeviceID()
	if err != nil || again != id {
		t.Fatalf("DeviceID not stable: %q then %q (%v)", id, again, err)
	}

	info, err := os.Stat(filepath.Join(dir, "auth.json"))
	if err != nil {
		t.Fatalf("stat auth.json: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Fatalf("auth.json perms: got %o, want 600", perm)
	}

	if err := SaveAuth(&Auth{APIKey: "secret", DeviceID: id}); err != nil {
		t.Fatalf("SaveAuth: %v", err)
	}
	if got := APIKey(); got != "secret" {
		t.Fatalf("APIKey: got %q", got)
	}
	t.Setenv("REPLICA_API_KEY", "from-env")
	if got := APIKey(); got != "from-env" {
		t.Fatalf("APIKey env: got %q", got)
	}

	if err := ClearAuth(); err != nil {
		t.Fatalf("ClearAuth: %v", err)
	}
	if err := ClearAuth(); err != nil {
		t.Fatalf("ClearAuth twice: %v", err)
	}
}

func TestIdentityDefaultsToDeviceID(t *testing.T) {
	isolate(t)
	id, err := Identity()
	if err != nil {
		t.Fatalf("Identity: %v", err)
	}
	dev, err := DeviceID()
	if err != nil {
		t.Fatalf("DeviceID: %v", err)
	}
	if id != dev {
		t.Fatalf("Identity: got %q, want device id %q", id, dev)
	}
}

func TestParseEntities(t *testing.T) {
	got := ParseEntities(" tasks:2, notes ,, tags:x")
	want := []Entity{{Name: "tasks", Priority: 2}, {Name: "notes"}, {Name: "tags"}}
	if len(got) != len(want) {
		t.Fatalf("got %+v, want %+v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entity %d: got %+v, want %+v", i, got[i], want[i])
		}
	}
	if s := FormatEntities(got); s != "tasks:2,notes,tags" {
		t.Errorf("FormatEntities: got %q", s)
	}
	if s := FormatEntities(nil); s != "" {
		t.Errorf("FormatEntities(nil): got %q", s)
	}
}
