package scoring

import (
	"fmt"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// New creates the scoring model selected by cfg.Type.
func New(cfg domain.ScoringConfig) (domain.ScoringModel, error) {
	switch cfg.Type {
	case "", "cel":
		return NewCELModel(cfg)
	case "http":
		return NewHTTPModel(cfg.Endpoint, cfg.Timeout)
	default:
		return nil, fmt.Errorf("unsupported scoring model: %s", cfg.Type)
	}
}
