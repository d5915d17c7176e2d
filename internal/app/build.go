package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"busticket-agent/internal/config"
	"busticket-agent/internal/integrations/broker"
	"busticket-agent/internal/integrations/gemini"
	"busticket-agent/internal/integrations/openai"
	"busticket-agent/internal/integrations/paramstore"
	"busticket-agent/internal/integrations/vectorstore"
	"busticket-agent/internal/lock"
	"busticket-agent/internal/repository"
	"busticket-agent/internal/usecase"
)

// New connects every configured backend and assembles the application.
// On error, whatever was already opened is closed again.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (_ *App, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	var closers []func(context.Context) error
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i](ctx)
			}
		}
	}()

	var awsCfg *aws.Config
	loadAWS := func() (aws.Config, error) {
		if awsCfg == nil {
			c, err := awsconfig.LoadDefaultConfig(ctx)
			if err != nil {
				return aws.Config{}, fmt.Errorf("app: load aws config: %w", err)
			}
			awsCfg = &c
		}
		return *awsCfg, nil
	}

	var (
		params *paramstore.Client
		getter pathGetter
	)
	if cfg.ParamPrefix != "" {
		ac, err := loadAWS()
		if err != nil {
			return nil, err
		}
		params, err = paramstore.New(awsssm.NewFromConfig(ac), 0)
		if err != nil {
			return nil, err
		}
		getter = params
	}
	if cfg, err = resolveSecrets(ctx, cfg, getter); err != nil {
		return nil, err
	}

	var comps Components

	switch cfg.StoreBackend {
	case config.StoreMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, fmt.Errorf("app: connect mongo: %w", err)
		}
		closers = append(closers, client.Disconnect)
		if err := client.Ping(ctx, nil); err != nil {
			return nil, fmt.Errorf("app: ping mongo: %w", err)
		}
		store, err := repository.NewMongoStore(client.Database(cfg.MongoDatabase), cfg.MongoTransactions)
		if err != nil {
			return nil, err
		}
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		comps.Store = store
	default:
		ac, err := loadAWS()
		if err != nil {
			return nil, err
		}
		store, err := repository.New(awsdynamodb.NewFromConfig(ac), cfg.StateTable)
		if err != nil {
			return nil, err
		}
		comps.Store = store
	}

	switch cfg.LLMProvider {
	case config.ProviderGemini:
		gc, err := gemini.New(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiEmbeddingModel)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func(context.Context) error { return gc.Close() })
		comps.LLM, comps.Embedder = gc, gc
		if cfg.ModerationEnabled {
			log.Warn("moderation is only available with the openai provider; disabled")
		}
	default:
		opts := []openai.Option{
			openai.WithBaseURL(cfg.OpenAIBaseURL),
			openai.WithEmbeddingModel(cfg.OpenAIEmbeddingModel),
		}
		if cfg.OpenAIAPIKey != "" {
			opts = append(opts, openai.WithAPIKey(cfg.OpenAIAPIKey))
		} else {
			opts = append(opts, openai.WithParamStore(params, cfg.ParamPrefix))
		}
		oc, err := openai.NewClient(cfg.OpenAIModel, opts...)
		if err != nil {
			return nil, err
		}
		comps.LLM, comps.Embedder = oc, oc
		if cfg.ModerationEnabled {
			comps.Moderator = oc
		}
	}

	if cfg.PGVectorDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PGVectorDSN)
		if err != nil {
			return nil, fmt.Errorf("app: connect pgvector: %w", err)
		}
		closers = append(closers, func(context.Context) error { pool.Close(); return nil })
		vs, err := vectorstore.New(pool, cfg.EmbeddingDimensions)
		if err != nil {
			return nil, err
		}
		if err := vs.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		comps.Knowledge = vs
	}

	locker, closeLocker, err := newLocker(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if closeLocker != nil {
		closers = append(closers, closeLocker)
	}
	comps.Locker = locker

	if cfg.AMQPURL != "" {
		pub, err := broker.Dial(cfg.AMQPURL, cfg.BookingEventsQueue)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func(context.Context) error { return pub.Close() })
		comps.Events = pub
	}

	a, err := Assemble(cfg, log, comps)
	if err != nil {
		return nil, err
	}
	for _, c := range closers {
		a.onClose(c)
	}
	log.Info("application assembled",
		zap.String("store", cfg.StoreBackend),
		zap.String("llm", cfg.LLMProvider),
		zap.Bool("knowledge", comps.Knowledge != nil),
		zap.Bool("redis_lock", cfg.RedisURL != ""),
		zap.Bool("events", comps.Events != nil),
		zap.Bool("accounts", a.Accounts != nil),
	)
	return a, nil
}

func newLocker(ctx context.Context, cfg config.Config, log *zap.Logger) (usecase.Locker, func(context.Context) error, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.RedisURL == "" {
		return lock.NewLocal(cfg.LockWait), nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("app: parse REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)
	closeFn := func(context.Context) error { return rdb.Close() }
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("app: ping redis: %w", err)
	}
	l, err := lock.NewRedis(rdb, cfg.LockTTL, cfg.LockWait, log.Named("lock"))
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return l, closeFn, nil
}

type pathGetter interface {
	GetParametersByPath(ctx context.Context, path string) (map[string]string, error)
}

// resolveSecrets overlays parameter store secrets when params is set and
// then checks that every required secret is present.
func resolveSecrets(ctx context.Context, cfg config.Config, params pathGetter) (config.Config, error) {
	if params != nil {
		var err error
		if cfg, err = overlaySecrets(ctx, cfg, params); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ValidateSecrets(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// overlaySecrets fills secrets left empty in the environment from the
// parameters stored under PARAM_PREFIX.
func overlaySecrets(ctx context.Context, cfg config.Config, params pathGetter) (config.Config, error) {
	values, err := params.GetParametersByPath(ctx, cfg.ParamPrefix)
	if err != nil {
		return cfg, err
	}
	fill := func(dst *string, key string) {
		if strings.TrimSpace(*dst) == "" {
			*dst = values[key]
		}
	}
	fill(&cfg.JWTSecret, "jwt-secret")
	fill(&cfg.GeminiAPIKey, "gemini-api-key")
	fill(&cfg.AMQPURL, "amqp-url")
	fill(&cfg.PGVectorDSN, "pgvector-dsn")
	return cfg, nil
}
