// Package queue provides the SQS transport for greeting messages: batched
// enqueue to the main queue, and receive/delete/count for the main and
// dead-letter queues.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"birthdaygreeter/internal/types"
)

// sqsMaxBatch is the SendMessageBatch / ReceiveMessage API limit.
const sqsMaxBatch = 10

// SQSAPI is the subset of *sqs.Client the transport uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Received is one message taken from a queue.
type Received struct {
	MessageID     string
	ReceiptHandle string
	Body          string
	SentAt        time.Time
}

// FailedMessage is a message SQS rejected during a batch send.
type FailedMessage struct {
	Message types.GreetingMessage
	Reason  string
}

// BatchResult reports the per-message outcome of EnqueueBatch.
type BatchResult struct {
	Succeeded []types.GreetingMessage
	Failed    []FailedMessage
}

// Transport binds an SQS client to one queue URL.
type Transport struct {
	client   SQSAPI
	queueURL string
	logger   types.Logger
}

// NewTransport creates a Transport for queueURL.
func NewTransport(client SQSAPI, queueURL string, logger types.Logger) *Transport {
	return &Transport{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
	}
}

// URL returns the bound queue URL.
func (t *Transport) URL() string { return t.queueURL }

// Send enqueues a single message.
func (t *Transport) Send(ctx context.Context, msg types.GreetingMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal GreetingMessage: %w", err)
	}

	_, err = t.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(t.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: traceAttributes(msg),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue,
			fmt.Sprintf("failed to send greeting to %s", t.queueURL), err)
	}
	return nil
}

// SendToDeadLetter implements delivery.DeadLetterSender when t is bound to
// the dead-letter queue.
func (t *Transport) SendToDeadLetter(ctx context.Context, msg types.GreetingMessage) error {
	return t.Send(ctx, msg)
}

// EnqueueBatch sends msgs in SendMessageBatch calls of up to ten. A failed
// API call marks its whole chunk failed; per-entry failures are reported
// individually. The error is non-nil only if marshalling fails.
func (t *Transport) EnqueueBatch(ctx context.Context, msgs []types.GreetingMessage) (BatchResult, error) {
	var result BatchResult

	for start := 0; start < len(msgs); start += sqsMaxBatch {
		chunk := msgs[start:min(start+sqsMaxBatch, len(msgs))]

		entries := make([]sqsTypes.SendMessageBatchRequestEntry, 0, len(chunk))
		for i, msg := range chunk {
			body, err := json.Marshal(msg)
			if err != nil {
				return result, fmt.Errorf("queue: failed to marshal GreetingMessage: %w", err)
			}
			entries = append(entries, sqsTypes.SendMessageBatchRequestEntry{
				Id:                aws.String(strconv.Itoa(i)),
				MessageBody:       aws.String(string(body)),
				MessageAttributes: traceAttributes(msg),
			})
		}

		out, err := t.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
			QueueUrl: aws.String(t.queueURL),
			Entries:  entries,
		})
		if err != nil {
			t.logger.Error("SendMessageBatch failed", "queue_url", t.queueURL, "count", len(chunk), "error", err.Error())
			for _, msg := range chunk {
				result.Failed = append(result.Failed, FailedMessage{Message: msg, Reason: err.Error()})
			}
			continue
		}

		failed := make(map[int]string, len(out.Failed))
		for _, f := range out.Failed {
			idx, convErr := strconv.Atoi(aws.ToString(f.Id))
			if convErr != nil || idx < 0 || idx >= len(chunk) {
				continue
			}
			failed[idx] = fmt.Sprintf("%s: %s", aws.ToString(f.Code), aws.ToString(f.Message))
		}
		for i, msg := range chunk {
			if reason, ok := failed[i]; ok {
				result.Failed = append(result.Failed, FailedMessage{Message: msg, Reason: reason})
				continue
			}
			result.Succeeded = append(result.Succeeded, msg)
		}
	}
	return result, nil
}

// Receive long-polls for up to maxCount (capped at ten) messages.
func (t *Transport) Receive(ctx context.Context, maxCount int32, wait time.Duration) ([]Received, error) {
	out, err := t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(t.queueURL),
		MaxNumberOfMessages: min(max(maxCount, 1), sqsMaxBatch),
		WaitTimeSeconds:     int32(wait.Seconds()),
		MessageSystemAttributeNames: []sqsTypes.MessageSystemAttributeName{
			sqsTypes.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalQueue,
			fmt.Sprintf("failed to receive from %s", t.queueURL), err)
	}

	received := make([]Received, 0, len(out.Messages))
	for _, m := range out.Messages {
		r := Received{
			MessageID:     aws.ToString(m.MessageId),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
			Body:          aws.ToString(m.Body),
		}
		if ts, ok := m.Attributes[string(sqsTypes.MessageSystemAttributeNameSentTimestamp)]; ok {
			r.SentAt, _ = ParseMillisTimestamp(ts)
		}
		received = append(received, r)
	}
	return received, nil
}

// Delete removes a received message.
func (t *Transport) Delete(ctx context.Context, receiptHandle string) error {
	_, err := t.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(t.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalQueue,
			fmt.Sprintf("failed to delete message from %s", t.queueURL), err)
	}
	return nil
}

// ApproximateCount returns ApproximateNumberOfMessages for the queue.
func (t *Transport) ApproximateCount(ctx context.Context) (int, error) {
	out, err := t.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(t.queueURL),
		AttributeNames: []sqsTypes.QueueAttributeName{sqsTypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalQueue,
			fmt.Sprintf("failed to read attributes of %s", t.queueURL), err)
	}
	raw := out.Attributes[string(sqsTypes.QueueAttributeNameApproximateNumberOfMessages)]
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalQueue, "unparseable ApproximateNumberOfMessages", err)
	}
	return n, nil
}

// ParseMillisTimestamp parses a millisecond-epoch string such as the SQS
// SentTimestamp attribute.
func ParseMillisTimestamp(ms string) (time.Time, error) {
	millis, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(millis).UTC(), nil
}

func traceAttributes(msg types.GreetingMessage) map[string]sqsTypes.MessageAttributeValue {
	if msg.TraceID == "" {
		return nil
	}
	return map[string]sqsTypes.MessageAttributeValue{
		"trace_id": {
			DataType:    aws.String("String"),
			StringValue: aws.String(msg.TraceID),
		},
	}
}
