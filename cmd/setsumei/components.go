package main

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/setsumei/internal/config"
	"github.com/hyperjump/setsumei/internal/history"
	"github.com/hyperjump/setsumei/internal/keyword"
	"github.com/hyperjump/setsumei/internal/service"
	"github.com/hyperjump/setsumei/internal/storage"
	"github.com/hyperjump/setsumei/internal/vector"
)

// Components holds initialized services. History fields are nil when history is disabled.
type Components struct {
	Service      *service.Service
	Storage      storage.Storage
	KeywordIndex keyword.Index
	VectorIndex  vector.Index
	History      *history.Recorder

	vectorPath string
	logger     *zap.Logger
}

// Close saves the feature index and releases everything.
func (c *Components) Close() {
	if c.VectorIndex != nil && c.vectorPath != "" {
		if err := c.VectorIndex.Save(c.vectorPath); err != nil {
			c.logger.Warn("vector index save failed", zap.String("path", c.vectorPath), zap.Error(err))
		}
		_ = c.VectorIndex.Close()
	}
	if c.KeywordIndex != nil {
		_ = c.KeywordIndex.Close()
	}
	if c.Storage != nil {
		_ = c.Storage.Close()
	}
	if c.Service != nil {
		_ = c.Service.Close()
	}
}

// initializeComponents builds the caption service and, when withHistory is set and history is
// enabled in cfg, the history stores. Nothing is loaded from the model artifacts here.
func initializeComponents(cfg *config.Config, logger *zap.Logger, withHistory bool) (*Components, error) {
	c := &Components{
		Service: service.New(cfg.Model, service.WithLogger(logger)),
		logger:  logger,
	}
	if !withHistory || !cfg.History.EnabledOrDefault() {
		return c, nil
	}

	store, err := storage.NewSQLiteStorage(cfg.History.DatabasePath)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	c.Storage = store

	keywordIndex, err := keyword.NewBleveIndex(cfg.History.BleveIndexPath)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}
	c.KeywordIndex = keywordIndex

	vectorIndex, err := vector.NewMemoryIndex(cfg.Model.FeatureSize)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	if cfg.History.VectorIndexPath != "" {
		if err := vectorIndex.Load(cfg.History.VectorIndexPath); err != nil {
			logger.Warn("vector index load skipped", zap.String("path", cfg.History.VectorIndexPath), zap.Error(err))
		}
	}
	c.VectorIndex = vectorIndex
	c.vectorPath = cfg.History.VectorIndexPath
	logger.Debug("vector index initialized", zap.Int("size", vectorIndex.Size()), zap.Int("dimensions", vectorIndex.Dimensions()))

	c.History = history.NewRecorder(store, keywordIndex, vectorIndex, c.Service, history.WithLogger(logger))
	return c, nil
}
