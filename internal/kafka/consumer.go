package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/robtomcowparis/neondefense4-sub001/internal/config"
	"github.com/robtomcowparis/neondefense4-sub001/internal/domain"
)

// Projector applies accepted entries to the read side
type Projector interface {
	Project(ctx context.Context, entries ...domain.ScoreEntry) error
}

// Consumer feeds score events from Kafka to a Projector
type Consumer struct {
	config        *config.KafkaConfig
	projector     Projector
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, projector Projector, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		projector:     projector,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	<-c.ready
	c.logger.Info("Kafka consumer ready")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim batches entries from a partition and projects them
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	b := newBatcher(h.consumer.config, h.consumer.projector, h.consumer.logger)
	batchTimer := time.NewTimer(b.timeout)
	defer batchTimer.Stop()

	for {
		select {
		case <-session.Context().Done():
			b.flush()
			return nil

		case <-batchTimer.C:
			b.flush()
			batchTimer.Reset(b.timeout)

		case message, ok := <-claim.Messages():
			if !ok {
				b.flush()
				return nil
			}

			if b.add(message.Value) {
				b.flush()
				batchTimer.Reset(b.timeout)
			}
			session.MarkMessage(message, "")
		}
	}
}

// batcher accumulates decoded entries until the batch is full or the timer
// fires
type batcher struct {
	projector Projector
	logger    *slog.Logger
	size      int
	timeout   time.Duration
	entries   []domain.ScoreEntry
}

func newBatcher(cfg *config.KafkaConfig, projector Projector, logger *slog.Logger) *batcher {
	return &batcher{
		projector: projector,
		logger:    logger,
		size:      cfg.BatchSize,
		timeout:   cfg.BatchTimeout,
		entries:   make([]domain.ScoreEntry, 0, cfg.BatchSize),
	}
}

// add decodes one message and reports whether the batch is full
func (b *batcher) add(value []byte) bool {
	var event domain.ScoreEvent
	if err := json.Unmarshal(value, &event); err != nil {
		b.logger.Warn("failed to unmarshal score event", "error", err)
		return false
	}
	if event.Type != domain.EventTypeScoreAccepted || event.Entry.Key == "" {
		b.logger.Warn("ignoring score event", "type", event.Type, "key", event.Entry.Key)
		return false
	}

	b.entries = append(b.entries, event.Entry)
	return len(b.entries) >= b.size
}

func (b *batcher) flush() {
	if len(b.entries) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := b.projector.Project(ctx, b.entries...); err != nil {
		b.logger.Error("failed to project batch", "error", err, "batch_size", len(b.entries))
	} else {
		b.logger.Debug("projected batch", "batch_size", len(b.entries))
	}

	b.entries = b.entries[:0]
}
