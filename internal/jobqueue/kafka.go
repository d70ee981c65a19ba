// Package jobqueue moves queued jobs from the API to the workers.
package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"github.com/hochfrequenz/midjourney-orchestrator/internal/domain"
)

// ErrInvalidMessage is returned for queue messages that carry no job id
var ErrInvalidMessage = errors.New("invalid job message: missing job_id")

// JobMessage is the payload published for each queued job
type JobMessage struct {
	JobID string `json:"job_id"`
	Email string `json:"email,omitempty"`
}

// Producer publishes queued jobs
type Producer struct {
	writer  *kgo.Writer
	timeout time.Duration
}

// NewProducer creates a producer writing to topic on the given brokers
func NewProducer(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, errors.New("queue.brokers is required")
	}
	if topic == "" {
		return nil, errors.New("queue.topic is required")
	}

	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireOne,
	}

	return &Producer{
		writer:  w,
		timeout: 3 * time.Second,
	}, nil
}

func (p *Producer) Close() error { return p.writer.Close() }

// PublishJob enqueues a job for the workers
func (p *Producer) PublishJob(ctx context.Context, job *domain.Job) error {
	b, err := json.Marshal(JobMessage{JobID: job.ID, Email: job.Email})
	if err != nil {
		return err
	}

	// keep the API responsive when the broker is down
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.writer.WriteMessages(cctx, kgo.Message{
		Key:   []byte(job.Email),
		Value: b,
		Time:  time.Now(),
	})
}

// Consumer reads queued jobs as part of a consumer group
type Consumer struct {
	reader *kgo.Reader
}

// NewConsumer creates a consumer with manual commits
func NewConsumer(brokers []string, topic, groupID string) *Consumer {
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        brokers,
		Topic:          topic,
		GroupID:        groupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})

	return &Consumer{reader: r}
}

func (c *Consumer) Close() error { return c.reader.Close() }

// ReadJob blocks until a message arrives. The returned commit function must
// be called once the job has been claimed.
func (c *Consumer) ReadJob(ctx context.Context) (JobMessage, func(context.Context) error, error) {
	m, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return JobMessage{}, nil, err
	}

	jm, err := DecodeJobMessage(m.Value)
	if err != nil {
		// commit bad messages so the group does not stall on them
		_ = c.reader.CommitMessages(ctx, m)
		return JobMessage{}, nil, err
	}

	commit := func(ctx context.Context) error {
		cctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return c.reader.CommitMessages(cctx, m)
	}

	return jm, commit, nil
}

// DecodeJobMessage parses a queue payload
func DecodeJobMessage(b []byte) (JobMessage, error) {
	var jm JobMessage
	if err := json.Unmarshal(b, &jm); err != nil {
		return JobMessage{}, err
	}
	if jm.JobID == "" {
		return JobMessage{}, ErrInvalidMessage
	}
	return jm, nil
}
