package slack

import (
	"context"

	"go.uber.org/zap"
)

// Provider delivers an operator alert to a Slack channel.
type Provider interface {
	PostMessage(ctx context.Context, channelID string, message string) error
}

// LogProvider stands in when no webhook is configured so alerts still show
// up in the service logs.
type LogProvider struct {
	log *zap.Logger
}

func NewLogProvider(log *zap.Logger) *LogProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogProvider{log: log}
}

func (p *LogProvider) PostMessage(ctx context.Context, channelID string, message string) error {
	p.log.Warn("operator alert",
		zap.String("channel", channelID),
		zap.String("message", message),
	)
	return nil
}
