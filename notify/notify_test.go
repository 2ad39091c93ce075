package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/liamcoop/gamification/dispatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(subject string, data []byte) error {
	return m.Called(subject, data).Error(0)
}

func (m *MockPublisher) IsConnected() bool {
	return m.Called().Bool(0)
}

func TestNATSNotifierPublishesJSON(t *testing.T) {
	pub := new(MockPublisher)
	var sent []byte
	pub.On("IsConnected").Return(true)
	pub.On("Publish", "notes", mock.Anything).Run(func(args mock.Arguments) {
		sent = args.Get(1).([]byte)
	}).Return(nil).Once()

	msg := dispatch.Notification{UserEmail: "ana@example.com", Template: "congrats", RuleID: "r1", IdempotencyKey: "k"}
	require.NoError(t, NewNATSNotifier(pub, "notes").Notify(context.Background(), msg))

	var got dispatch.Notification
	require.NoError(t, json.Unmarshal(sent, &got))
	assert.Equal(t, msg, got)
	pub.AssertExpectations(t)
}

func TestNATSNotifierDefaultSubject(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("IsConnected").Return(true)
	pub.On("Publish", DefaultSubject, mock.Anything).Return(nil).Once()

	require.NoError(t, NewNATSNotifier(pub, "").Notify(context.Background(), dispatch.Notification{}))
	pub.AssertExpectations(t)
}

func TestNATSNotifierDisconnected(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("IsConnected").Return(false)

	err := NewNATSNotifier(pub, "notes").Notify(context.Background(), dispatch.Notification{})
	assert.ErrorIs(t, err, ErrNotConnected)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestNATSNotifierPublishError(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("IsConnected").Return(true)
	pub.On("Publish", mock.Anything, mock.Anything).Return(errors.New("slow consumer"))

	err := NewNATSNotifier(pub, "notes").Notify(context.Background(), dispatch.Notification{})
	assert.ErrorContains(t, err, "slow consumer")
}

func TestLogNotifier(t *testing.T) {
	assert.NoError(t, LogNotifier{}.Notify(context.Background(), dispatch.Notification{UserEmail: "a"}))
}
