package bus

import (
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// New creates a stream based on configuration.
// Community tier: channel stream. Pro tier: Kafka (reference) or NATS.
func New(cfg domain.StreamConfig) (domain.Stream, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelStream(cfg.ChannelPartitions, cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSStream(cfg)

	case "kafka":
		return NewKafkaStream(cfg)

	default:
		return nil, fmt.Errorf("unsupported stream type: %s", cfg.Type)
	}
}
