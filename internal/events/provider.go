package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/events/bus"
)

// Provide builds the configured event bus: NATS when nats.url is set,
// the in-process bus otherwise. The returned cleanup drains and closes
// the bus and is safe to defer immediately.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, func(), error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("initialize NATS event bus: %w", err)
		}
		return natsBus, natsBus.Close, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	return memBus, memBus.Close, nil
}
