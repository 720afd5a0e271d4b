package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/palettemesh/logging"
)

const fullConfig = `
version: "1"
server:
  addr: ":9090"
  read_header_timeout: 5s
  allowed_origins: ["https://palettes.example"]
  default_limit: 12
logging:
  level: debug
  format: json
session:
  backend: redis
  redis:
    addr: localhost:6379
    namespace: pm
    ttl: 24h
scheduler:
  producer_timeout: 90s
  stagger: 250ms
  max_concurrent_generations: 8
prompt:
  instructions: "Design {{.Limit}} palettes."
producers:
  - key: gpt
    provider: openai
    model: gpt-4o-mini
    api_key_env: PALETTEMESH_TEST_OPENAI_KEY
    temperature: 0.9
  - key: claude
    name: Claude
    provider: anthropic
    model: claude-3-5-haiku-latest
    api_key_env: ANTHROPIC_API_KEY
    max_tokens: 2048
  - key: gemini
    provider: gemini
    model: gemini-2.0-flash
`

func TestParse_Full(t *testing.T) {
	cfg, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadHeaderTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 12, cfg.Server.DefaultLimit)
	assert.Equal(t, BackendRedis, cfg.Session.Backend)
	assert.Equal(t, "Design {{.Limit}} palettes.", cfg.Prompt.Instructions)
	assert.Equal(t, 24*time.Hour, cfg.Session.Redis.TTL)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.ProducerTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.Stagger)
	assert.Equal(t, 32, cfg.Scheduler.BufferSize)

	require.Len(t, cfg.Producers, 3)
	assert.Equal(t, "gpt-4o-mini", cfg.Producers[0].Name)
	assert.Equal(t, "Claude", cfg.Producers[1].Name)
	require.NotNil(t, cfg.Producers[0].Temperature)
	assert.InDelta(t, 0.9, *cfg.Producers[0].Temperature, 1e-9)

	t.Setenv("PALETTEMESH_TEST_OPENAI_KEY", "sk-test")
	assert.Equal(t, "sk-test", cfg.Producers[0].APIKey())
	assert.Empty(t, cfg.Producers[2].APIKey())

	lc := cfg.LoggerConfig()
	assert.Equal(t, logging.LogLevelDebug, lc.Level)
	assert.Equal(t, "json", lc.Format)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad version", `version: "2"`, "unsupported version"},
		{"no producers", `version: "1"`, "no producers defined"},
		{"unknown provider", `
version: "1"
producers: [{key: a, provider: llama}]`, "unknown provider"},
		{"missing model", `
version: "1"
producers: [{key: a, provider: openai}]`, "model is required"},
		{"duplicate key", `
version: "1"
producers: [{key: a, provider: mock, script: x}, {key: a, provider: mock, script: y}]`, "duplicate producer key"},
		{"redis without addr", `
version: "1"
session: {backend: redis}
producers: [{key: a, provider: mock, script: x}]`, "session.redis.addr"},
		{"badger without dir", `
version: "1"
session: {backend: badger, badger: {}}
producers: [{key: a, provider: mock, script: x}]`, "session.badger.dir"},
		{"unknown backend", `
version: "1"
session: {backend: postgres}
producers: [{key: a, provider: mock, script: x}]`, "unknown session backend"},
		{"bad level", `
version: "1"
logging: {level: loud}
producers: [{key: a, provider: mock, script: x}]`, "level"},
		{"temperature out of range", `
version: "1"
producers: [{key: a, provider: openai, model: m, temperature: 3}]`, "temperature"},
		{"limit out of range", `
version: "1"
server: {default_limit: 500}
producers: [{key: a, provider: mock, script: x}]`, "default_limit"},
		{"not yaml", `version: [`, "failed to parse YAML"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "palettemesh.yml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, cfg.Producers, 3)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.ErrorContains(t, err, "failed to read config")
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Session.Backend)
	require.Len(t, cfg.Producers, 1)
	assert.Equal(t, ProviderMock, cfg.Producers[0].Provider)
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "palettemesh.example.yml"))
	require.NoError(t, err)
	assert.Equal(t, BackendBadger, cfg.Session.Backend)
	assert.Len(t, cfg.Producers, 3)
	assert.Equal(t, "Claude Haiku", cfg.Producers[1].Name)
}
