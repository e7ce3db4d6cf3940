package generation

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/recipe-pipeline/config"
	"github.com/feichai0017/recipe-pipeline/internal/agent"
	"github.com/feichai0017/recipe-pipeline/internal/agent/concept"
	"github.com/feichai0017/recipe-pipeline/internal/agent/imagegen"
	"github.com/feichai0017/recipe-pipeline/internal/agent/imagestore"
	"github.com/feichai0017/recipe-pipeline/internal/agent/persist"
	"github.com/feichai0017/recipe-pipeline/internal/agent/validation"
	"github.com/feichai0017/recipe-pipeline/internal/clients/imageapi"
	"github.com/feichai0017/recipe-pipeline/internal/clients/ollama"
	"github.com/feichai0017/recipe-pipeline/internal/progress"
	"github.com/feichai0017/recipe-pipeline/internal/repository"
	"github.com/feichai0017/recipe-pipeline/pkg/logger"
	"github.com/feichai0017/recipe-pipeline/pkg/queue"
	"github.com/feichai0017/recipe-pipeline/pkg/retry"
	"github.com/feichai0017/recipe-pipeline/pkg/storage"
)

// Role selects which half of a queue-mode deployment a process plays.
type Role string

const (
	RoleServer Role = "server"
	RoleWorker Role = "worker"
)

// GlobalHistoryKey is the redis list shared by every batch.
const GlobalHistoryKey = "fingerprints:global"

// GetService wires the service from cfg. The returned func releases every
// connection it opened.
func GetService(ctx context.Context, cfg *config.Config, role Role, log logger.Logger) (*GenerationService, func(), error) {
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*GenerationService, func(), error) {
		closeAll()
		return nil, nil, err
	}

	store, err := storage.NewStorage(ctx, cfg.Storage, log)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize storage: %w", err))
	}

	pool, err := repository.NewPool(ctx, cfg.Database)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize database: %w", err))
	}
	closers = append(closers, pool.Close)
	repo := repository.NewRecipeRepository(pool, log)
	if err := repo.EnsureSchema(ctx); err != nil {
		return fail(err)
	}

	var rdb *redis.Client
	if cfg.Server.Mode == config.ModeQueue || cfg.Pipeline.GlobalHistorySize > 0 {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = rdb.Close() })
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fail(fmt.Errorf("failed to connect redis: %w", err))
		}
	}

	text := ollama.NewGenerator(cfg.LLM, log)
	closers = append(closers, func() { _ = text.Close() })

	factory, err := NewDefaultFactory(cfg, text, store, repo, log)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize stage factory: %w", err))
	}

	tracker := progress.NewTracker(log)
	broadcaster := progress.NewBroadcaster(log, progress.WithBuffer(cfg.Observers.Buffer))
	deps := Deps{
		Factory:     factory,
		Tracker:     tracker,
		Broadcaster: broadcaster,
		Reports:     store,
	}

	if rdb != nil {
		deps.Snapshots = progress.NewSnapshotStore(rdb, cfg.Pipeline.Retention)
		if size := cfg.Pipeline.GlobalHistorySize; size > 0 {
			global := imagegen.NewRedisHistory(rdb, GlobalHistoryKey, size)
			deps.History = func(string) agent.History {
				return imagegen.NewCombinedHistory(imagegen.NewBatchHistory(), global, log)
			}
		}
	}

	if cfg.Server.Mode == config.ModeQueue {
		q := queue.NewAsynqQueue(queue.Config{
			RedisAddr:     cfg.Redis.Addr,
			RedisPassword: cfg.Redis.Password,
			RedisDB:       cfg.Redis.DB,
		})
		closers = append(closers, func() { _ = q.Close() })
		deps.Queue = q

		switch role {
		case RoleWorker:
			deps.Emitter = progress.MultiEmitter{broadcaster, progress.NewRedisPublisher(rdb)}
		case RoleServer:
			deps.Relay = progress.NewRelay(rdb, broadcaster, log)
		}
	}

	svc, err := NewService(deps, ConfigFrom(cfg), log)
	if err != nil {
		return fail(err)
	}
	return svc, func() {
		svc.Close()
		closeAll()
	}, nil
}

// NewDefaultFactory registers the production stage builders. The caller owns
// text and closes it after the service has stopped.
func NewDefaultFactory(cfg *config.Config, text concept.Generator, store storage.Storage, repo persist.Repository, log logger.Logger) (*agent.StageFactory, error) {
	policy := retry.Policy{
		MaxAttempts: cfg.Pipeline.MaxAttempts,
		BaseDelay:   cfg.Pipeline.BaseDelay,
		MaxDelay:    cfg.Pipeline.MaxDelay,
		Multiplier:  2,
	}
	images := imageapi.NewProvider(cfg.ImageGen, log)
	validator := validation.NewValidator(nil)
	fingerprinter := imagegen.NewFingerprinter(nil)
	imageCfg := imagegen.Config{
		Threshold:   cfg.Pipeline.DuplicateThreshold,
		Attempts:    cfg.Pipeline.DuplicateAttempts,
		Placeholder: cfg.Pipeline.PlaceholderImage,
	}

	return agent.NewStageFactory(log, map[agent.Kind]agent.Builder{
		agent.KindConcept: func() agent.Stage {
			return concept.NewStage(text, retry.New("concept", policy, log), log)
		},
		agent.KindValidation: func() agent.Stage {
			return validation.NewStage(validator, log)
		},
		agent.KindImage: func() agent.Stage {
			return imagegen.NewStage(images, retry.New("image", policy, log), fingerprinter, imageCfg, log)
		},
		agent.KindStorage: func() agent.Stage {
			return imagestore.NewStage(store, retry.New("storage", policy, log), "", log)
		},
		agent.KindPersistence: func() agent.Stage {
			return persist.NewStage(repo, policy, log)
		},
	})
}
