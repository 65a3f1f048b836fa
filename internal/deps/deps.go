package deps

import (
	"github.com/and161185/postwallet/internal/auth"
	"github.com/and161185/postwallet/internal/config"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Deps struct {
	Logger       *zap.SugaredLogger
	TokenManager *auth.TokenManager
}

func NewDependencies(cfg *config.Config) *Deps {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	key := cfg.Key
	if key == "" {
		key = uuid.NewString()
		logger.Warn("no signing key configured, tokens are valid for this process only")
	}

	deps := Deps{Logger: logger, TokenManager: auth.NewTokenManager(key)}

	return &deps
}
