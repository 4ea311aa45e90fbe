// Package collector builds source collectors from job source specs.
package collector

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kirillkom/lexrag/internal/core/domain"
	"github.com/kirillkom/lexrag/internal/core/ports"
	"github.com/kirillkom/lexrag/internal/infrastructure/collector/feed"
	"github.com/kirillkom/lexrag/internal/infrastructure/collector/localfs"
	"github.com/kirillkom/lexrag/internal/infrastructure/resilience"
)

const (
	KindLocalFS = "localfs"
	KindFeed    = "feed"
)

type Factory struct {
	feedConfig feed.Config
	executor   *resilience.Executor
	logger     *zap.Logger
}

func NewFactory(feedConfig feed.Config, executor *resilience.Executor, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Factory{feedConfig: feedConfig, executor: executor, logger: logger.Named("collector")}
}

func (f *Factory) Build(spec domain.SourceSpec) (ports.SourceCollector, error) {
	switch strings.ToLower(strings.TrimSpace(spec.Kind)) {
	case KindLocalFS:
		return localfs.New(spec, f.logger)
	case KindFeed:
		return feed.New(spec, f.feedConfig, f.executor, f.logger)
	default:
		return nil, domain.WrapError(domain.ErrInvalidInput, "build collector", fmt.Errorf("unknown source kind %q", spec.Kind))
	}
}
