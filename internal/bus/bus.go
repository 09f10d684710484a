package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"autoforge/internal/model"
)

const TopicTriggers = "autoforge.triggers"

// TriggerBus fans trigger events from all sources into the single pipeline
// subscription. It is strictly in-process: the working copy belongs to one
// process, so distributing triggers further would be wrong.
type TriggerBus struct {
	pubSub *gochannel.GoChannel
	logger watermill.LoggerAdapter
}

func NewTriggerBus() *TriggerBus {
	logger := watermill.NewStdLogger(false, false)
	return &TriggerBus{
		pubSub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger),
		logger: logger,
	}
}

func (b *TriggerBus) Publish(event model.TriggerEvent) error {
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal trigger event: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubSub.Publish(TopicTriggers, msg); err != nil {
		return fmt.Errorf("publish trigger event: %w", err)
	}
	return nil
}

// Subscribe returns decoded trigger events until ctx is cancelled or the
// bus closes. Undecodable payloads are acknowledged and dropped.
func (b *TriggerBus) Subscribe(ctx context.Context) (<-chan model.TriggerEvent, error) {
	messages, err := b.pubSub.Subscribe(ctx, TopicTriggers)
	if err != nil {
		return nil, fmt.Errorf("subscribe triggers: %w", err)
	}

	events := make(chan model.TriggerEvent)
	go func() {
		defer close(events)
		for msg := range messages {
			var event model.TriggerEvent
			if err := json.Unmarshal(msg.Payload, &event); err != nil {
				b.logger.Error("drop undecodable trigger event", err, watermill.LogFields{"message_id": msg.UUID})
				msg.Ack()
				continue
			}
			select {
			case events <- event:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return events, nil
}

func (b *TriggerBus) Close() error {
	return b.pubSub.Close()
}
