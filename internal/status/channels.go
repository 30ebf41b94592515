package status

import (
	"context"

	"go.uber.org/zap"

	"github.com/otrix/occam-agents/pkg/types"
)

// LogChannel delivers alerts to the structured log. It is the default
// channel wired by occamd; real deployments add webhook or mail channels
// next to it.
type LogChannel struct {
	logger *zap.Logger
}

func NewLogChannel(logger *zap.Logger) *LogChannel {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogChannel{logger: logger}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Deliver(ctx context.Context, alert *types.Alert) error {
	c.logger.Warn("compliance alert",
		zap.String("alert_id", alert.ID),
		zap.String("kind", string(alert.Kind)),
		zap.String("severity", string(alert.Severity)),
		zap.String("entity_id", alert.EntityID),
		zap.String("license_id", alert.LicenseID),
		zap.Any("payload", alert.Payload),
	)
	return nil
}
