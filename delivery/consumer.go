package delivery

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/luckyim/delivery/interfaces"
	"github.com/luckyim/delivery/metrics"
	"github.com/luckyim/delivery/registry"
)

// Consumer drains this node's broker queue and pushes payloads onto the
// live connections held by the local registry. Messages for users this
// node does not hold are dropped silently: under broadcast routing that is
// the filtering half of broadcast-and-filter, and under targeted routing
// it covers a directory entry that went stale between resolve and consume.
type Consumer struct {
	Gateway  interfaces.BrokerGateway
	Registry *registry.Registry
	Dedup    *DupIndex
	Log      *zap.Logger
	Metrics  *metrics.Collector
}

// Run consumes the queue until ctx is cancelled or the gateway closes.
func (c *Consumer) Run(ctx context.Context, queue string) error {
	log := c.Log
	if log == nil {
		log = zap.NewNop()
	}

	deliveries, err := c.Gateway.Consume(ctx, queue)
	if err != nil {
		return err
	}

	for d := range deliveries {
		c.handle(log, d)
	}
	return ctx.Err()
}

func (c *Consumer) handle(log *zap.Logger, d interfaces.Delivery) {
	env, err := DecodeEnvelope(d.Payload)
	if err != nil {
		log.Error("discarding undecodable delivery",
			zap.String("message_id", d.MessageID),
			zap.Error(err))
		return
	}

	if c.Dedup != nil {
		if seq, err := strconv.ParseUint(env.MessageID, 10, 64); err == nil {
			if c.Dedup.Observe(seq) {
				log.Debug("duplicate delivery dropped",
					zap.String("message_id", env.MessageID),
					zap.String("user_id", env.UserID))
				if c.Metrics != nil {
					c.Metrics.DuplicatesDropped.Inc()
				}
				return
			}
		}
	}

	var targets []*registry.Channel
	if class := env.DeviceClass(); class != "" {
		if ch := c.Registry.LookupClass(env.UserID, class); ch != nil {
			targets = append(targets, ch)
		}
	} else {
		targets = c.Registry.Lookup(env.UserID)
	}

	if len(targets) == 0 {
		log.Debug("no local channel for delivery",
			zap.String("message_id", env.MessageID),
			zap.String("user_id", env.UserID))
		if c.Metrics != nil {
			c.Metrics.MessagesDropped.Inc()
		}
		return
	}

	for _, ch := range targets {
		if err := ch.Transport.Push(env.Payload); err != nil {
			log.Warn("push to channel failed",
				zap.String("message_id", env.MessageID),
				zap.String("user_id", env.UserID),
				zap.String("channel_id", ch.ID),
				zap.Error(err))
			continue
		}
		if c.Metrics != nil {
			c.Metrics.MessagesDelivered.Inc()
		}
	}
}
