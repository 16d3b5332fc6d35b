package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"promptstash/internal/models"
)

// SQSPublisher sends work items to the durable queue.
type SQSPublisher struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSPublisher(client *sqs.Client, queueURL string) *SQSPublisher {
	return &SQSPublisher{client: client, queueURL: queueURL}
}

func (p *SQSPublisher) Publish(ctx context.Context, item models.WorkItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("publish work item: %w", err)
	}
	return nil
}

// SQSReceiver long-polls the queue and hands deliveries to the handler.
// Settlement contract: delete on success or permanent failure; leave the
// message for visibility-timeout redelivery on a transient failure while
// the attempt budget lasts.
type SQSReceiver struct {
	client   *sqs.Client
	handler  Handler
	queueURL string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSQSReceiver(parent context.Context, client *sqs.Client, queueURL string, handler Handler) *SQSReceiver {
	ctx, cancel := context.WithCancel(parent)
	return &SQSReceiver{
		client:   client,
		handler:  handler,
		queueURL: queueURL,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *SQSReceiver) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		_ = r.pollLoop()
	}()
}

func (r *SQSReceiver) pollLoop() error {
	for {
		select {
		case <-r.ctx.Done():
			return r.ctx.Err()
		default:
		}

		out, err := r.client.ReceiveMessage(r.ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.queueURL),
			MaxNumberOfMessages: 1,
			WaitTimeSeconds:     20, // long poll
			VisibilityTimeout:   60,
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{
				types.MessageSystemAttributeNameApproximateReceiveCount,
			},
		})
		if err != nil {
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range out.Messages {
			r.handleMessage(r.ctx, msg)
		}
	}
}

func (r *SQSReceiver) handleMessage(ctx context.Context, msg types.Message) {
	if msg.Body == nil {
		r.deleteMessage(ctx, msg)
		return
	}

	var item models.WorkItem
	if err := json.Unmarshal([]byte(*msg.Body), &item); err != nil {
		// poison message, never parseable
		log.Printf("queue: dropping malformed work item: %v", err)
		r.deleteMessage(ctx, msg)
		return
	}

	attempt := receiveCount(msg)
	err := r.handler(ctx, item, attempt)
	if err == nil {
		r.deleteMessage(ctx, msg)
		return
	}
	if IsTransient(err) && attempt < MaxAttempts {
		log.Printf("queue: transient failure for session %s (attempt %d/%d): %v", item.SessionID, attempt, MaxAttempts, err)
		return // redelivered after visibility timeout
	}
	log.Printf("queue: work item for session %s settled with error: %v", item.SessionID, err)
	r.deleteMessage(ctx, msg)
}

func receiveCount(msg types.Message) int {
	raw, ok := msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 1
	}
	if n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

func (r *SQSReceiver) deleteMessage(ctx context.Context, msg types.Message) {
	_, err := r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		log.Printf("queue: delete message failed: %v", err)
	}
}

// Shutdown stops polling and waits for the in-flight handler.
func (r *SQSReceiver) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
