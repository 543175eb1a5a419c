package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// memBackend is an in-memory ConfigBackend.
type memBackend struct {
	strs map[string]string
	ints map[string]int
}

func newMemBackend() *memBackend {
	return &memBackend{strs: map[string]string{}, ints: map[string]int{}}
}

func (m *memBackend) GetString(key string) (string, bool, error) {
	v, ok := m.strs[key]
	return v, ok, nil
}

func (m *memBackend) GetInt(key string) (int, bool, error) {
	v, ok := m.ints[key]
	return v, ok, nil
}

func (m *memBackend) SetString(key, val string) error { m.strs[key] = val; return nil }
func (m *memBackend) SetInt(key string, val int) error { m.ints[key] = val; return nil }
func (m *memBackend) Delete(key string) error {
	delete(m.strs, key)
	delete(m.ints, key)
	return nil
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, s := range specs {
		t.Setenv(s.env, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := loadWith(newMemBackend())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Queue.Concurrency != 16 {
		t.Errorf("Queue.Concurrency = %d, want 16", cfg.Queue.Concurrency)
	}
	if cfg.LLM.Provider != ProviderOpenRouter {
		t.Errorf("LLM.Provider = %q, want %q", cfg.LLM.Provider, ProviderOpenRouter)
	}
	if cfg.Cache.ForceRecompute {
		t.Error("Cache.ForceRecompute = true, want false")
	}
	if cfg.Server.APIToken != "" {
		t.Errorf("Server.APIToken = %q, want empty", cfg.Server.APIToken)
	}
	if got := cfg.CacheDir(); got != filepath.Join(cfg.Storage.DataDir, "cache") {
		t.Errorf("CacheDir = %q", got)
	}
}

func TestBackendValues(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	b.ints["server.port"] = 5000
	b.ints["queue.concurrency"] = 4
	b.strs["llm.provider"] = "ollama"
	b.strs["llm.requests_per_second"] = "2.5"
	b.strs["cache.force_recompute"] = "true"
	b.strs["storage.data_dir"] = "/tmp/adt-test"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 {
		t.Errorf("Server.Port = %d, want 5000", cfg.Server.Port)
	}
	if cfg.Queue.Concurrency != 4 {
		t.Errorf("Queue.Concurrency = %d, want 4", cfg.Queue.Concurrency)
	}
	if cfg.LLM.Provider != ProviderOllama {
		t.Errorf("LLM.Provider = %q", cfg.LLM.Provider)
	}
	if cfg.LLM.RequestsPerSecond != 2.5 {
		t.Errorf("LLM.RequestsPerSecond = %v, want 2.5", cfg.LLM.RequestsPerSecond)
	}
	if !cfg.Cache.ForceRecompute {
		t.Error("Cache.ForceRecompute = false, want true")
	}
	if cfg.Storage.DataDir != "/tmp/adt-test" {
		t.Errorf("Storage.DataDir = %q", cfg.Storage.DataDir)
	}
}

func TestEnvOverride(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	b.ints["server.port"] = 5000

	t.Setenv("ADT_SERVER_PORT", "6000")
	t.Setenv("ADT_OPENROUTER_API_KEY", "env-key")
	t.Setenv("ADT_FORCE_RECOMPUTE", "1")
	t.Setenv("ADT_API_TOKEN", "s3cret")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 {
		t.Errorf("Server.Port = %d, want 6000", cfg.Server.Port)
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Errorf("LLM.APIKey = %q, want env-key", cfg.LLM.APIKey)
	}
	if !cfg.Cache.ForceRecompute {
		t.Error("ADT_FORCE_RECOMPUTE=1 not applied")
	}
	if cfg.Server.APIToken != "s3cret" {
		t.Errorf("Server.APIToken = %q", cfg.Server.APIToken)
	}
}

func TestSecretsIgnoredInBackend(t *testing.T) {
	clearEnv(t)
	b := newMemBackend()
	b.strs["llm.api_key"] = "file-key"

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LLM.APIKey != "" {
		t.Errorf("LLM.APIKey = %q, want secrets to come from env only", cfg.LLM.APIKey)
	}
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"provider", "llm.provider", "anthropic", "invalid llm.provider"},
		{"timeout", "llm.timeout", "soon", "invalid llm.timeout"},
		{"log level", "log.level", "chatty", "invalid log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			b := newMemBackend()
			b.strs[tt.key] = tt.val
			_, err := loadWith(b)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want %q", err, tt.want)
			}
		})
	}

	clearEnv(t)
	b := newMemBackend()
	b.ints["queue.concurrency"] = 0
	if _, err := loadWith(b); err == nil {
		t.Error("expected error for zero concurrency")
	}
}

func TestRequireLLM(t *testing.T) {
	cfg := defaults()
	if err := cfg.RequireLLM(); err == nil || !strings.Contains(err.Error(), "missing required config") {
		t.Errorf("RequireLLM = %v, want missing key error", err)
	}
	cfg.LLM.APIKey = "k"
	if err := cfg.RequireLLM(); err != nil {
		t.Errorf("RequireLLM with key = %v", err)
	}
	cfg = defaults()
	cfg.LLM.Provider = ProviderOllama
	if err := cfg.RequireLLM(); err != nil {
		t.Errorf("RequireLLM for ollama = %v", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":      slog.LevelInfo,
		"DEBUG": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLogLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
}

func TestSetKey(t *testing.T) {
	b := newMemBackend()

	if err := setKeyIn(b, "server.port", "4500"); err != nil {
		t.Fatalf("setKeyIn int: %v", err)
	}
	if b.ints["server.port"] != 4500 {
		t.Errorf("server.port = %d", b.ints["server.port"])
	}
	if err := setKeyIn(b, "cache.force_recompute", "true"); err != nil {
		t.Fatalf("setKeyIn bool: %v", err)
	}
	if err := setKeyIn(b, "llm.requests_per_second", "fast"); err == nil {
		t.Error("expected error for invalid float")
	}
	if err := setKeyIn(b, "server.port", "abc"); err == nil {
		t.Error("expected error for invalid int")
	}
	if err := setKeyIn(b, "llm.api_key", "x"); err == nil || !strings.Contains(err.Error(), "ADT_OPENROUTER_API_KEY") {
		t.Errorf("secret set error = %v", err)
	}
	if err := setKeyIn(b, "nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestShowAllHidesSecrets(t *testing.T) {
	cfg := defaults()
	cfg.LLM.APIKey = "hidden"
	for _, k := range ShowAll(cfg) {
		if k.Key == "llm.api_key" || k.Key == "server.api_token" {
			t.Errorf("ShowAll exposed secret %s", k.Key)
		}
		if k.Value == "hidden" {
			t.Error("ShowAll exposed a secret value")
		}
	}
	for _, k := range ValidKeys() {
		if k == "llm.api_key" {
			t.Error("ValidKeys includes a secret")
		}
	}
}

func TestFileBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "adt", "config.json")
	b := newFileBackend(path)
	if err := b.SetInt("server.port", 4200); err != nil {
		t.Fatalf("SetInt: %v", err)
	}
	if err := b.SetString("llm.provider", "ollama"); err != nil {
		t.Fatalf("SetString: %v", err)
	}

	reloaded := newFileBackend(path)
	port, ok, err := reloaded.GetInt("server.port")
	if err != nil || !ok || port != 4200 {
		t.Errorf("GetInt = %d, %v, %v", port, ok, err)
	}
	provider, ok, _ := reloaded.GetString("llm.provider")
	if !ok || provider != "ollama" {
		t.Errorf("GetString = %q, %v", provider, ok)
	}
	if err := reloaded.Delete("server.port"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := newFileBackend(path).GetInt("server.port"); ok {
		t.Error("deleted key still present")
	}
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	content := "ADT_LLM_DEFAULT_MODEL=from-dotenv\nADT_LLM_BASE_URL=http://dotenv\n"
	if err := os.WriteFile(envFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ADT_LLM_DEFAULT_MODEL", "from-env")
	t.Setenv("ADT_LLM_BASE_URL", "")
	os.Unsetenv("ADT_LLM_BASE_URL")

	loadDotEnv(envFile, filepath.Join(dir, "missing.env"))

	if got := os.Getenv("ADT_LLM_DEFAULT_MODEL"); got != "from-env" {
		t.Errorf("ADT_LLM_DEFAULT_MODEL = %q, want from-env", got)
	}
	if got := os.Getenv("ADT_LLM_BASE_URL"); got != "http://dotenv" {
		t.Errorf("ADT_LLM_BASE_URL = %q, want http://dotenv", got)
	}
}
