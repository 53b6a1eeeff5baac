package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/cmatc13/txqueue/internal/extrinsic"
	"github.com/cmatc13/txqueue/internal/queue"
	apperrors "github.com/cmatc13/txqueue/pkg/errors"
	"github.com/cmatc13/txqueue/pkg/logging"
	"github.com/cmatc13/txqueue/pkg/service"
)

// KafkaServiceName is the registry name of the Kafka transport.
const KafkaServiceName = "kafka-transport"

// Producer is the part of *kafka.Producer the transport uses.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Flush(timeoutMs int) int
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	Close()
}

// Consumer is the part of *kafka.Consumer the transport uses.
type Consumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	ReadMessage(timeout time.Duration) (*kafka.Message, error)
	Close() error
}

// KafkaConfig configures the Kafka transport.
type KafkaConfig struct {
	Brokers       string
	ConsumerGroup string
	// SubmitTopic receives signed envelopes.
	SubmitTopic string
	// StatusTopic carries status messages back from the chain relay.
	StatusTopic string
	// DeliveryTimeout bounds the wait for a delivery report.
	DeliveryTimeout time.Duration
	// ProduceAttempts is how often a full local queue is retried.
	ProduceAttempts uint
	// ReadErrorBackoff is the pause after a failed status read.
	ReadErrorBackoff time.Duration
}

// DefaultKafkaConfig returns defaults for a local broker.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:         "localhost:9092",
		ConsumerGroup:   "txqueue",
		SubmitTopic:     "extrinsics",
		StatusTopic:     "extrinsic_status",
		DeliveryTimeout:  10 * time.Second,
		ProduceAttempts:  5,
		ReadErrorBackoff: time.Second,
	}
}

// StatusMessage is the payload of the status topic. Nonce echoes the
// envelope nonce; ids alone are reused by every run of the queue.
type StatusMessage struct {
	ID     uint64          `json:"id"`
	Nonce  string          `json:"nonce"`
	Status string          `json:"status"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// Kafka publishes envelopes to the submit topic and feeds the status topic
// into a Sink.
type Kafka struct {
	cfg      KafkaConfig
	producer Producer
	consumer Consumer
	sink     Sink
	signer   *Signer
	logger   *logging.Logger

	state    atomic.String
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewKafka connects a producer and a consumer to cfg.Brokers.
func NewKafka(cfg KafkaConfig, sink Sink, signer *Signer, logger *logging.Logger) (*Kafka, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
	})
	if err != nil {
		return nil, apperrors.TransportWrapWithCode(err, apperrors.OpConnect, apperrors.TransportErrKafkaConnection,
			"failed to create Kafka producer")
	}

	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
		"group.id":          cfg.ConsumerGroup,
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		producer.Close()
		return nil, apperrors.TransportWrapWithCode(err, apperrors.OpConnect, apperrors.TransportErrKafkaConnection,
			"failed to create Kafka consumer")
	}

	return NewKafkaWithClients(cfg, producer, consumer, sink, signer, logger), nil
}

// NewKafkaWithClients builds the transport on existing clients.
func NewKafkaWithClients(cfg KafkaConfig, producer Producer, consumer Consumer, sink Sink, signer *Signer, logger *logging.Logger) *Kafka {
	if logger == nil {
		logger = logging.Discard()
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultKafkaConfig().DeliveryTimeout
	}
	if cfg.ProduceAttempts == 0 {
		cfg.ProduceAttempts = 1
	}
	if cfg.ReadErrorBackoff <= 0 {
		cfg.ReadErrorBackoff = DefaultKafkaConfig().ReadErrorBackoff
	}
	k := &Kafka{
		cfg:      cfg,
		producer: producer,
		consumer: consumer,
		sink:     sink,
		signer:   signer,
		logger:   logger.WithField("component", KafkaServiceName),
		stop:     make(chan struct{}),
	}
	k.state.Store(string(service.StatusStopped))
	return k
}

// Send implements queue.Sender. It returns once the broker acknowledged the
// envelope.
func (k *Kafka) Send(ctx context.Context, id queue.ID, accountID string, x *extrinsic.Extrinsic) error {
	env, err := k.signer.Sign(id, accountID, x)
	if err != nil {
		return err
	}
	data, err := env.Marshal()
	if err != nil {
		return apperrors.TransportWrap(err, apperrors.OpSend, "failed to marshal envelope")
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &k.cfg.SubmitTopic, Partition: kafka.PartitionAny},
		Key:            []byte(accountID),
		Value:          data,
		Headers: []kafka.Header{
			{Key: "message-id", Value: []byte(uuid.NewString())},
			{Key: "tx-id", Value: []byte(strconv.FormatUint(uint64(id), 10))},
		},
	}

	deliveryChan := make(chan kafka.Event, 1)
	err = retry.Do(func() error {
		err := k.producer.Produce(msg, deliveryChan)
		if isKafkaCode(err, kafka.ErrQueueFull) {
			k.producer.Flush(100)
			return err
		}
		if err != nil {
			return retry.Unrecoverable(err)
		}
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(k.cfg.ProduceAttempts),
		retry.Delay(50*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return apperrors.TransportWrapWithCode(err, apperrors.OpSend, apperrors.TransportErrKafkaOperation,
			"failed to produce envelope")
	}

	timer := time.NewTimer(k.cfg.DeliveryTimeout)
	defer timer.Stop()
	select {
	case ev := <-deliveryChan:
		m, ok := ev.(*kafka.Message)
		if !ok {
			return apperrors.NewTransportError(apperrors.TransportErrKafkaOperation,
				fmt.Sprintf("unexpected delivery event %v", ev), nil)
		}
		if m.TopicPartition.Error != nil {
			return apperrors.TransportWrapWithCode(m.TopicPartition.Error, apperrors.OpSend,
				apperrors.TransportErrKafkaOperation, "delivery failed")
		}
	case <-timer.C:
		return apperrors.NewTransportError(apperrors.TransportErrKafkaOperation, "timed out waiting for delivery report", nil)
	case <-ctx.Done():
		return apperrors.TransportWrap(ctx.Err(), apperrors.OpSend, "waiting for delivery report")
	}

	k.logger.Debug("Envelope delivered", "tx_id", uint64(id), "account_id", accountID, "hash", env.Hash)
	return nil
}

func isKafkaCode(err error, code kafka.ErrorCode) bool {
	var kerr kafka.Error
	return errors.As(err, &kerr) && kerr.Code() == code
}

func (k *Kafka) consume() {
	defer k.wg.Done()

	for {
		select {
		case <-k.stop:
			return
		default:
		}

		msg, err := k.consumer.ReadMessage(100 * time.Millisecond)
		if err != nil {
			if isKafkaCode(err, kafka.ErrTimedOut) {
				continue
			}
			k.logger.Error("Error reading status message", "error", err)
			select {
			case <-k.stop:
				return
			case <-time.After(k.cfg.ReadErrorBackoff):
			}
			continue
		}

		if err := k.handleStatus(msg.Value); err != nil {
			k.logger.Warn("Skipping status message", "error", err, "offset", msg.TopicPartition.Offset.String())
		}
	}
}

// handleStatus decodes one status message and forwards it to the sink.
func (k *Kafka) handleStatus(value []byte) error {
	var m StatusMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return apperrors.TransportWrapWithCode(err, apperrors.OpConsume, apperrors.TransportErrMalformedStatus,
			"undecodable status message")
	}
	if m.ID == 0 || m.Nonce == "" || m.Status == "" {
		return apperrors.NewTransportError(apperrors.TransportErrMalformedStatus, "status message needs id, nonce and status", nil)
	}

	u := queue.Update{Status: m.Status, Nonce: m.Nonce}
	if len(m.Result) > 0 {
		u.Result = m.Result
	}
	if m.Error != "" {
		u.Err = errors.New(m.Error)
	}
	return k.sink.UpdateStatus(queue.ID(m.ID), u)
}

// Ping checks that the brokers answer a metadata request.
func (k *Kafka) Ping(ctx context.Context) error {
	timeout := 5 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	_, err := k.producer.GetMetadata(&k.cfg.SubmitTopic, false, int(timeout.Milliseconds()))
	return err
}

var _ service.Service = (*Kafka)(nil)

// Name implements service.Service.
func (k *Kafka) Name() string { return KafkaServiceName }

// Dependencies implements service.Service.
func (k *Kafka) Dependencies() []string { return []string{queue.ServiceName} }

// Status implements service.Service.
func (k *Kafka) Status() service.Status { return service.Status(k.state.Load()) }

// Health implements service.Service.
func (k *Kafka) Health() error {
	if s := k.Status(); s != service.StatusRunning {
		return fmt.Errorf("%s is %s", KafkaServiceName, s)
	}
	return nil
}

// Start subscribes to the status topic and starts consuming it.
func (k *Kafka) Start(ctx context.Context) error {
	k.state.Store(string(service.StatusStarting))
	if err := k.consumer.SubscribeTopics([]string{k.cfg.StatusTopic}, nil); err != nil {
		k.state.Store(string(service.StatusError))
		return apperrors.TransportWrapWithCode(err, apperrors.OpConnect, apperrors.TransportErrKafkaConnection,
			"failed to subscribe to status topic")
	}

	k.wg.Add(1)
	go k.consume()

	k.state.Store(string(service.StatusRunning))
	k.logger.Info("Kafka transport started", "brokers", k.cfg.Brokers,
		"submit_topic", k.cfg.SubmitTopic, "status_topic", k.cfg.StatusTopic)
	return nil
}

// Stop stops consuming, flushes pending envelopes and closes both clients.
func (k *Kafka) Stop(ctx context.Context) error {
	var err error
	k.stopOnce.Do(func() {
		k.state.Store(string(service.StatusStopping))
		close(k.stop)
		k.wg.Wait()

		flushMs := 15000
		if dl, ok := ctx.Deadline(); ok {
			flushMs = int(time.Until(dl).Milliseconds())
		}
		if left := k.producer.Flush(flushMs); left > 0 {
			k.logger.Warn("Unflushed envelopes at shutdown", "count", left)
		}
		k.producer.Close()
		if cerr := k.consumer.Close(); cerr != nil {
			err = apperrors.TransportWrapWithCode(cerr, apperrors.OpConnect, apperrors.TransportErrKafkaConnection,
				"failed to close consumer")
		}

		k.state.Store(string(service.StatusStopped))
		k.logger.Info("Kafka transport stopped")
	})
	return err
}
