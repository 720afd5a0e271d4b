// Package bootstrap turns a loaded configuration into a ready Mesh: it opens
// the session store, constructs one model per producer entry and registers
// them.
package bootstrap

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/palettemesh"
	"github.com/hupe1980/palettemesh/core"
	"github.com/hupe1980/palettemesh/fanin"
	"github.com/hupe1980/palettemesh/internal/config"
	"github.com/hupe1980/palettemesh/logging"
	"github.com/hupe1980/palettemesh/model"
	anthropicmodel "github.com/hupe1980/palettemesh/model/anthropic"
	"github.com/hupe1980/palettemesh/model/gemini"
	"github.com/hupe1980/palettemesh/model/openai"
	"github.com/hupe1980/palettemesh/producer"
	"github.com/hupe1980/palettemesh/prompt"
	"github.com/hupe1980/palettemesh/session"
)

// NewSessionStore opens the configured session backend.
func NewSessionStore(cfg config.SessionConfig, logger logging.Logger) (core.SessionStore, error) {
	switch cfg.Backend {
	case config.BackendRedis:
		rc := cfg.Redis
		if rc == nil {
			return nil, fmt.Errorf("redis backend selected without redis settings")
		}
		opts := &redis.Options{Addr: rc.Addr, DB: rc.DB}
		if rc.PasswordEnv != "" {
			opts.Password = os.Getenv(rc.PasswordEnv)
		}
		return session.NewRedisStore(redis.NewClient(opts), func(o *session.RedisOptions) {
			if rc.Namespace != "" {
				o.Namespace = rc.Namespace
			}
			o.TTL = rc.TTL
		}), nil
	case config.BackendBadger:
		if cfg.Badger == nil {
			return nil, fmt.Errorf("badger backend selected without badger settings")
		}
		return session.NewBadgerStore(func(o *session.BadgerOptions) {
			o.Dir = cfg.Badger.Dir
			o.InMemory = cfg.Badger.InMemory
			o.Logger = logging.With(logger, "component", "badger")
		})
	case config.BackendMemory, "":
		return session.NewInMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown session backend %q", cfg.Backend)
	}
}

// NewModel constructs the backend for one producer entry. Construction
// failures become a model.ErrorModel so the producer reports them per
// request as a Failed event instead of preventing startup.
func NewModel(ctx context.Context, p config.Producer) model.Model {
	info := model.Info{Name: p.Name, Provider: p.Provider}
	apiKey := p.APIKey()
	if p.APIKeyEnv != "" && apiKey == "" {
		return model.NewErrorModel(info, fmt.Errorf("%w: %s is not set", model.ErrMissingAPIKey, p.APIKeyEnv))
	}

	switch p.Provider {
	case config.ProviderOpenAI:
		return openai.NewModel(func(o *openai.Options) {
			o.Model = p.Model
			o.APIKey = apiKey
			o.BaseURL = p.BaseURL
			if p.Temperature != nil {
				o.Temperature = *p.Temperature
			}
			if p.MaxTokens > 0 {
				o.MaxCompletionTokens = int64(p.MaxTokens)
			}
		})
	case config.ProviderAnthropic:
		return anthropicmodel.NewModel(func(o *anthropicmodel.Options) {
			o.Model = anthropic.Model(p.Model)
			o.APIKey = apiKey
			if p.Temperature != nil {
				o.Temperature = *p.Temperature
			}
			if p.MaxTokens > 0 {
				o.MaxTokens = int64(p.MaxTokens)
			}
		})
	case config.ProviderGemini:
		m, err := gemini.NewModel(ctx, func(o *gemini.Options) {
			o.Model = p.Model
			o.APIKey = apiKey
			if p.Temperature != nil {
				o.Temperature = float32(*p.Temperature)
			}
			if p.MaxTokens > 0 {
				o.MaxOutputTokens = int32(p.MaxTokens)
			}
		})
		if err != nil {
			return model.NewErrorModel(info, err)
		}
		return m
	case config.ProviderMock:
		return model.NewMockTextModel(p.Name, p.Script, p.ChunkSize, p.ChunkDelay)
	default:
		return model.NewErrorModel(info, fmt.Errorf("unknown provider %q", p.Provider))
	}
}

// NewMesh builds a Mesh with every configured producer registered.
func NewMesh(ctx context.Context, cfg *config.Config, logger logging.Logger) (*palettemesh.Mesh, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	store, err := NewSessionStore(cfg.Session, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	mesh := palettemesh.New(func(o *palettemesh.Options) {
		o.SessionStore = store
		o.Logger = logger
		o.MaxConcurrentGenerations = cfg.Scheduler.MaxConcurrentGenerations
		if cfg.Prompt.Instructions != "" {
			o.Prompt = prompt.NewBuilder(func(po *prompt.Options) {
				po.Instructions = prompt.NewInstructionFromText(cfg.Prompt.Instructions)
			})
		}
		o.Scheduler = fanin.Options{
			BufferSize:      cfg.Scheduler.BufferSize,
			ProducerTimeout: cfg.Scheduler.ProducerTimeout,
			Stagger:         cfg.Scheduler.Stagger,
		}
	})

	for _, p := range cfg.Producers {
		p := p
		src := producer.New(p.Key, NewModel(ctx, p), func(o *producer.Options) {
			o.Name = p.Name
			o.MaxPending = p.MaxPending
			o.Logger = logging.With(logger, "component", "producer")
		})
		if err := mesh.RegisterProducer(src); err != nil {
			_ = mesh.Close()
			return nil, err
		}
		logger.Debug("Producer registered", "producer", p.Key, "provider", p.Provider)
	}
	return mesh, nil
}
