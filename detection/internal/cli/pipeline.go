package cli

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/ledgerwatch/common/config"
	"github.com/telhawk-systems/ledgerwatch/common/deliveryqueue"
	"github.com/telhawk-systems/ledgerwatch/common/logging"
	natsclient "github.com/telhawk-systems/ledgerwatch/common/messaging/nats"
	"github.com/telhawk-systems/ledgerwatch/common/pubsub"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/detector"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/embedding"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/emitter"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/repository"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/service"
	"github.com/telhawk-systems/ledgerwatch/detection/internal/similarity"
)

// pipeline holds the wired detection service and what must be closed with it.
type pipeline struct {
	repo    *repository.PostgresRepository
	service *service.Service
	broker  *natsclient.Manager
	redis   *redis.Client
}

// buildPipeline connects to every backend the run needs. Postgres is
// required. Redis and NATS are optional: when unreachable the matching side
// channel is disabled and the run still persists threats.
func buildPipeline(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*pipeline, error) {
	repo, err := repository.NewPostgresRepository(ctx, cfg.Database.Postgres.ConnString())
	if err != nil {
		return nil, err
	}
	p := &pipeline{repo: repo}

	simCfg := cfg.Detection.Similarity
	var (
		index   similarity.Index = repo
		indexer embedding.Indexer
	)
	if simCfg.Backend == "opensearch" {
		osIndex, err := similarity.NewOpenSearchIndex(cfg.OpenSearch, simCfg.Index)
		if err != nil {
			p.Close(ctx)
			return nil, err
		}
		index, indexer = osIndex, osIndex
	}
	accessor := similarity.NewAccessor(index, repo, similarity.OptionsFrom(simCfg),
		similarity.WithLogger(logger.With("component", "similarity")))

	det := detector.New(repo, accessor, detector.ThresholdsFrom(cfg.Detection.Thresholds), logger)

	var (
		notifier emitter.Notifier
		progress service.Progress
	)
	if client, err := pubsub.Connect(ctx, cfg.Redis); err != nil {
		logger.Warn("redis unavailable, real-time events disabled", logging.Error(err))
	} else {
		p.redis = client
		pub := pubsub.NewPublisher(client, cfg.PubSub, logger)
		notifier, progress = pub, pub
	}

	p.broker = natsclient.NewManager(natsclient.ConfigFrom(cfg.NATS, cfg.Delivery.Prefetch),
		natsclient.WithLogger(logger.With("component", "nats")))
	if err := p.broker.DeclareStreams(ctx, natsclient.WebhooksStream); err != nil {
		logger.Warn("failed to declare webhook stream", logging.Error(err))
	}
	if err := p.broker.Connect(ctx); err != nil {
		logger.Warn("nats unavailable, webhook jobs will fail until it reconnects", logging.Error(err))
	}
	queue := deliveryqueue.New(p.broker)

	em := emitter.New(repo, notifier, queue, cfg.Environment, logger)

	opts := []service.Option{
		service.WithBucket(cfg.Detection.Thresholds.CanonicalTimeBucket),
		service.WithLogger(logger),
	}
	if progress != nil {
		opts = append(opts, service.WithProgress(progress))
	}
	if cfg.Embedding.Endpoint != "" {
		client := embedding.NewClient(cfg.Embedding)
		opts = append(opts, service.WithBackfiller(
			embedding.NewBackfiller(client, repo, indexer, client.BatchSize(), logger)))
	} else {
		logger.Info("embedding endpoint not configured, records without vectors skip the similarity pass")
	}

	p.service = service.NewService(repo, det, em, opts...)
	return p, nil
}

// Close releases connections in reverse order of acquisition.
func (p *pipeline) Close(ctx context.Context) {
	if p.broker != nil {
		_ = p.broker.Shutdown(ctx)
	}
	if p.redis != nil {
		_ = p.redis.Close()
	}
	if p.repo != nil {
		_ = p.repo.Close()
	}
}
