package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/Aximande/phospho/pkg/logging"
)

// SQSQueue schedules work on an AWS SQS queue. Handles resolve once the
// message is sent. Failed work is left on the queue and redelivered after
// the visibility timeout.
type SQSQueue struct {
	base

	client   *sqs.Client
	queueURL string
	workers  int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSQSQueue loads the AWS configuration from the environment
func NewSQSQueue(ctx context.Context, cfg Config, logger *logging.Logger) (*SQSQueue, error) {
	if cfg.SQSQueueURL == "" {
		return nil, fmt.Errorf("sqs queue url is required")
	}
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.SQSRegion != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.SQSRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	return &SQSQueue{
		base:     newBase(logger),
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.SQSQueueURL,
		workers:  workers,
	}, nil
}

func (q *SQSQueue) Enqueue(ctx context.Context, kind string, payload interface{}) (*Handle, error) {
	env, err := NewEnvelope(kind, payload)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(data)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"kind": {DataType: aws.String("String"), StringValue: aws.String(kind)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	h := newHandle(env)
	h.resolve(nil)
	return h, nil
}

// Start launches a receive loop. Each batch is processed with at most
// workers messages in flight.
func (q *SQSQueue) Start(ctx context.Context) error {
	ctx, q.cancel = context.WithCancel(ctx)
	q.wg.Add(1)
	go q.receive(ctx)
	q.logger.Info("sqs consumer started", logging.Fields{"queue_url": q.queueURL, "workers": q.workers})
	return nil
}

func (q *SQSQueue) receive(ctx context.Context) {
	defer q.wg.Done()
	sem := make(chan struct{}, q.workers)
	var inflight sync.WaitGroup
	defer inflight.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(q.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
			VisibilityTimeout:   300,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("sqs receive failed", logging.Fields{"error": err})
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range out.Messages {
			inflight.Add(1)
			sem <- struct{}{}
			go func(msg types.Message) {
				defer inflight.Done()
				defer func() { <-sem }()
				q.handleMessage(context.WithoutCancel(ctx), msg)
			}(msg)
		}
	}
}

func (q *SQSQueue) handleMessage(ctx context.Context, msg types.Message) {
	var env Envelope
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &env); err != nil {
		q.logger.Error("deleting undecodable message", logging.Fields{"message_id": aws.ToString(msg.MessageId), "error": err})
		q.delete(ctx, msg)
		return
	}
	if err := q.dispatch(ctx, &env); err != nil {
		return
	}
	q.delete(ctx, msg)
}

func (q *SQSQueue) delete(ctx context.Context, msg types.Message) {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		q.logger.Warn("sqs delete failed", logging.Fields{"message_id": aws.ToString(msg.MessageId), "error": err})
	}
}

// Close stops receiving and waits for in-flight messages
func (q *SQSQueue) Close() error {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	return nil
}
