package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"assistant-memory/internal/config"
	"assistant-memory/internal/integrations/gemini"
	"assistant-memory/internal/integrations/paramstore"
	"assistant-memory/internal/metrics"
	"assistant-memory/internal/repository"
	"assistant-memory/internal/state"
)

// app holds the components every command shares. Configuration is read
// only here and in main.go.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	store    *state.Manager

	params  *paramstore.Client
	archive repository.Archiver
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if cfg == nil || logger == nil {
		return nil, errors.New("app: config and logger are required")
	}
	reg := prometheus.NewRegistry()
	a := &app{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  metrics.New(reg),
	}

	store, err := state.New(cfg.Data.Dir, cfg.Data.File,
		state.WithAutoSave(cfg.Data.AutoSave),
		state.WithLogger(logger.Named("state")),
		state.WithMetrics(a.metrics),
	)
	if err != nil {
		return nil, err
	}
	a.store = store

	// ---- AWS clients, only when something needs them ----
	if !cfg.NeedsAWS() {
		return a, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	a.params, err = paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create SSM client: %w", err)
	}
	if cfg.Archive.Table != "" {
		a.archive, err = repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.Archive.Table,
			repository.WithTTL(cfg.Archive.TTL))
		if err != nil {
			return nil, fmt.Errorf("failed to create archive client: %w", err)
		}
	}
	return a, nil
}

// load reads the data file into the state manager.
func (a *app) load() error {
	if err := a.store.Load(); err != nil {
		return fmt.Errorf("failed to load data: %w", err)
	}
	return nil
}

// generator builds the Gemini client. The key comes from config, or from
// the parameter store when only a parameter name is configured.
func (a *app) generator() (*gemini.Client, error) {
	var keys gemini.KeySource = gemini.StaticKey(a.cfg.AI.APIKey)
	if a.cfg.AI.APIKey == "" && a.cfg.AI.KeyParam != "" {
		if a.params == nil {
			return nil, errors.New("gemini key parameter configured but parameter store is unavailable")
		}
		keys = gemini.ParamStoreKey{Getter: a.params, Name: a.cfg.AI.KeyParam}
	}
	return gemini.NewClient(keys,
		gemini.WithModel(a.cfg.AI.Model),
		gemini.WithRequestsPerMinute(a.cfg.AI.RequestsPerMinute),
		gemini.WithTemperature(a.cfg.AI.Temperature),
	)
}

// archiveSnapshot exports the aggregate to the off-box archive.
func (a *app) archiveSnapshot(ctx context.Context) error {
	if a.archive == nil {
		return errors.New("archive table is not configured")
	}
	body, err := a.store.Export()
	if err != nil {
		return err
	}
	if err := a.archive.PutSnapshot(ctx, a.cfg.Archive.Name, body, time.Now()); err != nil {
		return err
	}
	a.logger.Info("snapshot archived",
		zap.String("archive", a.cfg.Archive.Name),
		zap.Int("bytes", len(body)),
	)
	return nil
}
