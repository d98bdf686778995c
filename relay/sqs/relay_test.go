package sqs

import (
	"context"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetsignal/drivestream/event"
)

type fakeSQS struct {
	mu      sync.Mutex
	sent    []types.SendMessageBatchRequestEntry
	toServe []types.Message
	deleted []string
}

func (f *fakeSQS) SendMessageBatch(ctx context.Context, in *awssqs.SendMessageBatchInput, _ ...func(*awssqs.Options)) (*awssqs.SendMessageBatchOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, in.Entries...)
	return &awssqs.SendMessageBatchOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, in *awssqs.ReceiveMessageInput, _ ...func(*awssqs.Options)) (*awssqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.toServe
	f.toServe = nil
	return &awssqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, in *awssqs.DeleteMessageInput, _ ...func(*awssqs.Options)) (*awssqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &awssqs.DeleteMessageOutput{}, nil
}

func TestPublishEncodesEventsAsBase64Frames(t *testing.T) {
	f := &fakeSQS{}
	r := New(f, "queue-url")

	require.NoError(t, r.Publish(context.Background(), []event.Event{
		{EventID: "a", SourceID: "s1", ApplicationID: "SmartDriver"},
	}))

	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.sent, 1)
	assert.NotEmpty(t, aws.ToString(f.sent[0].MessageBody))
}

func TestHandleMessageDecodesAndDeletesOnSuccess(t *testing.T) {
	f := &fakeSQS{}
	r := New(f, "queue-url")
	require.NoError(t, r.Publish(context.Background(), []event.Event{
		{EventID: "a", SourceID: "s1", ApplicationID: "SmartDriver"},
	}))

	msg := types.Message{
		Body:          f.sent[0].MessageBody,
		ReceiptHandle: aws.String("rh-1"),
	}

	var got event.Event
	err := r.handleMessage(context.Background(), msg, func(e event.Event) error {
		got = e
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "a", got.EventID)
	assert.Contains(t, f.deleted, "rh-1")
}

func TestHandleMessageSkipsDeleteOnSinkFailure(t *testing.T) {
	f := &fakeSQS{}
	r := New(f, "queue-url")
	require.NoError(t, r.Publish(context.Background(), []event.Event{
		{EventID: "a", SourceID: "s1", ApplicationID: "SmartDriver"},
	}))

	msg := types.Message{Body: f.sent[0].MessageBody, ReceiptHandle: aws.String("rh-1")}

	err := r.handleMessage(context.Background(), msg, func(e event.Event) error {
		return assert.AnError
	})
	assert.Error(t, err)
	assert.Empty(t, f.deleted)
}
