package feed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/liamcoop/gamification/engine"
	"github.com/liamcoop/gamification/rules"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var fastRetry = RetryConfig{
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
	MaxElapsedTime:  100 * time.Millisecond,
}

const validPayload = `{"eventId":"evt-1","entityType":"Event","userEmail":"ana@example.com","fields":{"attendance_status":"attended"},"occurredAt":"2026-03-10T09:00:00Z"}`

type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) ProcessEvent(ctx context.Context, event rules.DomainEvent) (*engine.Report, error) {
	args := m.Called(ctx, event)
	report, _ := args.Get(0).(*engine.Report)
	return report, args.Error(1)
}

func byEventID(id string) any {
	return mock.MatchedBy(func(e rules.DomainEvent) bool { return e.EventID == id })
}

func TestDecode(t *testing.T) {
	event, err := Decode([]byte(validPayload))
	require.NoError(t, err)

	assert.Equal(t, "evt-1", event.EventID)
	assert.Equal(t, "Event", event.EntityType)
	assert.Equal(t, "attended", event.Fields["attendance_status"])
	assert.Equal(t, time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC), event.OccurredAt.UTC())

	empty, err := Decode([]byte(`{"entityType":"Survey","userEmail":"a@example.com"}`))
	require.NoError(t, err)
	assert.NotNil(t, empty.Fields)

	_, err = Decode([]byte(`{not json`))
	assert.Error(t, err)
}

func TestHandleAcknowledgesSuccess(t *testing.T) {
	proc := new(MockProcessor)
	proc.On("ProcessEvent", mock.Anything, byEventID("evt-1")).Return(&engine.Report{}, nil).Once()

	h := &handler{proc: proc, retry: fastRetry}
	assert.NoError(t, h.handle(context.Background(), "test", []byte(validPayload)))
	proc.AssertExpectations(t)
}

func TestHandleDropsUndecodable(t *testing.T) {
	proc := new(MockProcessor)

	h := &handler{proc: proc, retry: fastRetry}
	assert.NoError(t, h.handle(context.Background(), "test", []byte("garbage")))
	proc.AssertNotCalled(t, "ProcessEvent", mock.Anything, mock.Anything)
}

func TestHandleDropsInvalidEventWithoutRetry(t *testing.T) {
	proc := new(MockProcessor)
	proc.On("ProcessEvent", mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("%w: missing userEmail", engine.ErrInvalidEvent)).Once()

	h := &handler{proc: proc, retry: fastRetry}
	assert.NoError(t, h.handle(context.Background(), "test", []byte(validPayload)))
	proc.AssertNumberOfCalls(t, "ProcessEvent", 1)
}

func TestHandleRetriesRetryableErrors(t *testing.T) {
	proc := new(MockProcessor)
	retryable := fmt.Errorf("load rules: %w", engine.ErrRetryable)
	proc.On("ProcessEvent", mock.Anything, mock.Anything).Return(nil, retryable).Twice()
	proc.On("ProcessEvent", mock.Anything, mock.Anything).Return(&engine.Report{}, nil).Once()

	h := &handler{proc: proc, retry: fastRetry}
	assert.NoError(t, h.handle(context.Background(), "test", []byte(validPayload)))
	proc.AssertNumberOfCalls(t, "ProcessEvent", 3)
}

func TestHandleReturnsErrorWhenRetriesExhausted(t *testing.T) {
	proc := new(MockProcessor)
	proc.On("ProcessEvent", mock.Anything, mock.Anything).Return(nil, fmt.Errorf("down: %w", engine.ErrRetryable))

	h := &handler{proc: proc, retry: fastRetry}
	err := h.handle(context.Background(), "test", []byte(validPayload))
	assert.ErrorIs(t, err, engine.ErrRetryable)
}

// fakeReader serves msgs then blocks until ctx ends
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestKafkaConsumerCommitsHandledMessages(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Topic: "events", Offset: 1, Value: []byte(validPayload)},
		{Topic: "events", Offset: 2, Value: []byte("garbage")},
		{Topic: "events", Offset: 3, Value: []byte(`{"eventId":"evt-3","entityType":"Event","userEmail":"bo@example.com"}`)},
	}}
	proc := new(MockProcessor)
	proc.On("ProcessEvent", mock.Anything, byEventID("evt-1")).Return(&engine.Report{}, nil).Once()
	proc.On("ProcessEvent", mock.Anything, byEventID("evt-3")).Return(&engine.Report{}, nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewKafkaConsumer(reader, proc, fastRetry).Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(reader.commits()) == 3
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	assert.Equal(t, []int64{1, 2, 3}, reader.commits())
	assert.True(t, reader.closed)
	proc.AssertExpectations(t)
}

func TestKafkaConsumerStopsBeforeSkippingFailedOffset(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		{Topic: "events", Offset: 1, Value: []byte(validPayload)},
		{Topic: "events", Offset: 2, Value: []byte(`{"eventId":"evt-2","entityType":"Event","userEmail":"bo@example.com"}`)},
		{Topic: "events", Offset: 3, Value: []byte(`{"eventId":"evt-3","entityType":"Event","userEmail":"cy@example.com"}`)},
	}}
	proc := new(MockProcessor)
	proc.On("ProcessEvent", mock.Anything, byEventID("evt-1")).Return(&engine.Report{}, nil).Once()
	proc.On("ProcessEvent", mock.Anything, byEventID("evt-2")).Return(nil, fmt.Errorf("down: %w", engine.ErrRetryable))

	err := NewKafkaConsumer(reader, proc, fastRetry).Run(context.Background())

	require.ErrorIs(t, err, engine.ErrRetryable)
	assert.ErrorContains(t, err, "kafka:events/0@2")
	assert.Equal(t, []int64{1}, reader.commits(), "offset 2 stays uncommitted")
	assert.True(t, reader.closed)
	proc.AssertNotCalled(t, "ProcessEvent", mock.Anything, byEventID("evt-3"))
}

type MockSQSClient struct {
	mock.Mock
}

func (m *MockSQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*sqs.ReceiveMessageOutput)
	return out, args.Error(1)
}

func (m *MockSQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	args := m.Called(ctx, params)
	out, _ := args.Get(0).(*sqs.DeleteMessageOutput)
	return out, args.Error(1)
}

func TestSQSConsumerDeletesOnlyHandledMessages(t *testing.T) {
	client := new(MockSQSClient)
	proc := new(MockProcessor)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.On("ReceiveMessage", mock.Anything, mock.MatchedBy(func(in *sqs.ReceiveMessageInput) bool {
		return aws.ToString(in.QueueUrl) == "http://queue" && in.MaxNumberOfMessages == 10
	})).Return(&sqs.ReceiveMessageOutput{Messages: []types.Message{
		{MessageId: aws.String("m1"), ReceiptHandle: aws.String("h1"), Body: aws.String(validPayload)},
		{MessageId: aws.String("m2"), ReceiptHandle: aws.String("h2"), Body: aws.String(`{"eventId":"evt-2","entityType":"Event","userEmail":"bo@example.com"}`)},
	}}, nil).Once()
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		cancel()
	}).Return(nil, context.Canceled)
	client.On("DeleteMessage", mock.Anything, mock.MatchedBy(func(in *sqs.DeleteMessageInput) bool {
		return aws.ToString(in.ReceiptHandle) == "h1"
	})).Return(&sqs.DeleteMessageOutput{}, nil).Once()

	proc.On("ProcessEvent", mock.Anything, byEventID("evt-1")).Return(&engine.Report{}, nil).Once()
	proc.On("ProcessEvent", mock.Anything, byEventID("evt-2")).Return(nil, fmt.Errorf("down: %w", engine.ErrRetryable))

	consumer := NewSQSConsumer(client, SQSConfig{QueueURL: "http://queue"}, proc, fastRetry)
	require.NoError(t, consumer.Run(ctx))

	client.AssertExpectations(t)
	client.AssertNumberOfCalls(t, "DeleteMessage", 1)
}

func TestSQSConsumerSurvivesReceiveErrors(t *testing.T) {
	client := new(MockSQSClient)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client.On("ReceiveMessage", mock.Anything, mock.Anything).Return(nil, errors.New("throttled")).Once()
	client.On("ReceiveMessage", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		cancel()
	}).Return(&sqs.ReceiveMessageOutput{}, nil)

	consumer := NewSQSConsumer(client, SQSConfig{QueueURL: "q"}, new(MockProcessor), fastRetry)
	require.NoError(t, consumer.Run(ctx))
	client.AssertNumberOfCalls(t, "ReceiveMessage", 2)
}
