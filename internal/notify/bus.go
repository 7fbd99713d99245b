package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/sirupsen/logrus"

	"stageline/internal/config"
)

const (
	metadataKind       = "kind"
	metadataInitiative = "initiative_id"
)

// BusDispatcher publishes notifications to a watermill topic so mail senders
// and other consumers can run out of process.
type BusDispatcher struct {
	Publisher message.Publisher
	Topic     string
}

func (d BusDispatcher) Notify(_ context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.Metadata.Set(metadataKind, n.Kind)
	msg.Metadata.Set(metadataInitiative, n.Initiative.ID)
	return d.Publisher.Publish(d.Topic, msg)
}

// Bus is a configured publisher together with the subscriber side, when the
// driver offers one in-process. Deliver receives what Consume reads back off
// the topic.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	Topic      string
	Deliver    Dispatcher
}

// Consume subscribes to the topic and hands every decoded notification to
// b.Deliver until ctx is done or the bus is closed. Messages are acked even
// when delivery fails.
func (b Bus) Consume(ctx context.Context, log logrus.FieldLogger) error {
	if b.Subscriber == nil || b.Deliver == nil {
		return nil
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	msgs, err := b.Subscriber.Subscribe(ctx, b.Topic)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.Topic, err)
	}
	go func() {
		for msg := range msgs {
			var n Notification
			if err := json.Unmarshal(msg.Payload, &n); err != nil {
				log.WithError(err).WithField("message_id", msg.UUID).Warn("drop undecodable notification")
				msg.Ack()
				continue
			}
			if err := b.Deliver.Notify(msg.Context(), n); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"kind":          n.Kind,
					"initiative_id": n.Initiative.ID,
				}).Warn("notification delivery failed")
			}
			msg.Ack()
		}
	}()
	return nil
}

func (b Bus) Close() error {
	if b.Publisher == nil {
		return nil
	}
	return b.Publisher.Close()
}

// NewBus builds the publisher selected by cfg.Notifications.Bus.Driver.
// An empty driver returns a zero Bus.
func NewBus(cfg *config.Config, log *logrus.Logger) (Bus, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	logger := watermill.NewStdLoggerWithOut(log.Out, log.IsLevelEnabled(logrus.DebugLevel), log.IsLevelEnabled(logrus.TraceLevel))
	topic := cfg.BusTopic()
	switch cfg.Notifications.Bus.Driver {
	case "":
		return Bus{}, nil
	case "gochannel":
		ps := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		return Bus{Publisher: ps, Subscriber: ps, Topic: topic}, nil
	case "kafka":
		saramaCfg := kafka.DefaultSaramaSyncPublisherConfig()
		saramaCfg.Producer.Return.Successes = true
		saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
		pub, err := kafka.NewPublisher(kafka.PublisherConfig{
			Brokers:               cfg.Notifications.Bus.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: saramaCfg,
		}, logger)
		if err != nil {
			return Bus{}, fmt.Errorf("kafka publisher: %w", err)
		}
		return Bus{Publisher: pub, Topic: topic}, nil
	default:
		return Bus{}, fmt.Errorf("bus driver %q not supported", cfg.Notifications.Bus.Driver)
	}
}
