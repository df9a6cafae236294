package slack

import (
	"github.com/smallbiznis/insurecard/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.slack",
	fx.Provide(NewFromConfig),
)

func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	log = log.Named("providers.slack")
	if cfg.Slack.WebhookURL == "" {
		log.Info("slack webhook not configured, alerts are logged only")
		return NewLogProvider(log)
	}
	return NewWebhook(cfg.Slack.WebhookURL, 0)
}
