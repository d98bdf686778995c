// Package sqs provides an SQS-backed alternate transport for backend
// stream aggregation, supplementing the HTTP long-poll relay client in
// §4.G/§4.H for deployments that prefer a managed queue over direct
// node-to-node polling.
package sqs

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/fleetsignal/drivestream/event"
	"github.com/fleetsignal/drivestream/wire"
)

// API is the subset of *sqs.Client the relay depends on, narrowed so
// tests can substitute a fake.
type API interface {
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Relay publishes and consumes framed events through a single SQS queue.
// Each SQS message body carries one base64-encoded wire frame, since the
// wire format's body bytes are not guaranteed valid UTF-8.
type Relay struct {
	client   API
	queueURL string
}

// New creates a Relay bound to queueURL.
func New(client API, queueURL string) *Relay {
	return &Relay{client: client, queueURL: queueURL}
}

// Publish sends events in batches of up to 10, the SendMessageBatch limit.
func (r *Relay) Publish(ctx context.Context, events []event.Event) error {
	for start := 0; start < len(events); start += 10 {
		end := start + 10
		if end > len(events) {
			end = len(events)
		}
		if err := r.publishBatch(ctx, events[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (r *Relay) publishBatch(ctx context.Context, events []event.Event) error {
	entries := make([]types.SendMessageBatchRequestEntry, len(events))
	for i, e := range events {
		var buf bytes.Buffer
		if err := wire.Encode(&buf, e); err != nil {
			return fmt.Errorf("sqs relay: encoding event %s: %w", e.EventID, err)
		}
		entries[i] = types.SendMessageBatchRequestEntry{
			Id:          aws.String(fmt.Sprintf("m%d", i)),
			MessageBody: aws.String(base64.StdEncoding.EncodeToString(buf.Bytes())),
		}
	}

	out, err := r.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(r.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("sqs relay: send batch: %w", err)
	}
	for _, failed := range out.Failed {
		slog.Error("sqs relay: message failed", "id", aws.ToString(failed.Id), "reason", aws.ToString(failed.Message))
	}
	return nil
}

// Consume long-polls the queue until ctx is cancelled, decoding each
// message and invoking sink. Messages are deleted only after sink
// succeeds, so a sink failure leaves the message to be redelivered.
func (r *Relay) Consume(ctx context.Context, sink func(event.Event) error) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		out, err := r.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(r.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("sqs relay: receive failed", "error", err)
			continue
		}

		for _, msg := range out.Messages {
			if err := r.handleMessage(ctx, msg, sink); err != nil {
				slog.Error("sqs relay: handling message failed", "error", err)
			}
		}
	}
}

func (r *Relay) handleMessage(ctx context.Context, msg types.Message, sink func(event.Event) error) error {
	raw, err := base64.StdEncoding.DecodeString(aws.ToString(msg.Body))
	if err != nil {
		return fmt.Errorf("decoding message body: %w", err)
	}
	e, err := wire.NewDecoder(bytes.NewReader(raw)).Decode()
	if err != nil {
		return fmt.Errorf("decoding wire frame: %w", err)
	}
	if err := sink(e); err != nil {
		return fmt.Errorf("sink: %w", err)
	}

	_, err = r.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(r.queueURL),
		ReceiptHandle: msg.ReceiptHandle,
	})
	if err != nil {
		return fmt.Errorf("deleting message: %w", err)
	}
	return nil
}
