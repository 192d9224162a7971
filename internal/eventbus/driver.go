package eventbus

import (
	"fmt"

	"github.com/drluca/shopflow/config"
)

// FromConfig builds the bus named by BUS_DRIVER. The RabbitMQ bus may
// be returned alongside an error when the initial dial fails; it keeps
// reconnecting in the background and callers may choose to proceed.
func FromConfig(cfg config.Config) (Bus, error) {
	switch cfg.BusDriver {
	case "memory":
		return NewMemoryBus(MemoryBusOptions{
			MaxAttempts:     cfg.MaxProcessingRetries,
			RedeliveryDelay: cfg.RedeliveryDelay,
		}), nil
	case "rabbitmq", "":
		return NewRabbitBus(cfg)
	default:
		return nil, fmt.Errorf("unknown bus driver %q", cfg.BusDriver)
	}
}
