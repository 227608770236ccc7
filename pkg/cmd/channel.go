package cmd

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/crisislens/pipeline/pkg/channels/gochannel"
	"github.com/crisislens/pipeline/pkg/channels/kafka"
)

// NewChannel builds a publisher/subscriber pair for the requested transport.
// "kafka" is the production transport; "gochannel" keeps everything inside
// one process for local development.
func NewChannel(provider string, logger watermill.LoggerAdapter, serviceName string) (message.Publisher, message.Subscriber, error) {
	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(logger, serviceName)
		if err != nil {
			return nil, nil, err
		}

		return pub, sub, nil
	case "gochannel":
		pub, sub, err := gochannel.CreateChannel(logger)
		if err != nil {
			return nil, nil, err
		}

		return pub, sub, nil
	default:
		return nil, nil, fmt.Errorf("unsupported event bus provider: %s", provider)
	}
}
