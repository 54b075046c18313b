package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Name() string { return "recording" }

func (p *recordingPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

type failingPublisher struct{}

func (failingPublisher) Name() string { return "failing" }

func (failingPublisher) Publish(ctx context.Context, event Event) error {
	return errors.New("downstream unavailable")
}

type blockingPublisher struct{}

func (blockingPublisher) Name() string { return "blocking" }

func (blockingPublisher) Publish(ctx context.Context, event Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestNewEvent_DropsEmptyAndDuplicateRecipients(t *testing.T) {
	event := NewEvent(EventRequestStatusChanged, "req-1", nil, "u1", "", "u2", "u1")
	assert.Equal(t, []string{"u1", "u2"}, event.Recipients)
	assert.NotEqual(t, event.ID.String(), "")
}

func TestDispatcher_FailuresDoNotReachCaller(t *testing.T) {
	recorder := &recordingPublisher{}
	dispatcher := NewDispatcher(50*time.Millisecond, zap.NewNop(), failingPublisher{}, blockingPublisher{}, recorder)

	ctx, cancel := context.WithCancel(context.Background())
	dispatcher.Emit(ctx, NewEvent(EventAchievementUnlocked, "first_property", nil, "u1"))
	// Cancelling the request context must not cancel delivery
	cancel()
	dispatcher.Wait()

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	require.Len(t, recorder.events, 1)
	assert.Equal(t, EventAchievementUnlocked, recorder.events[0].Type)
}

// MockSNS is a mock implementation of the SNSAPI interface
type MockSNS struct {
	mock.Mock
}

func (m *MockSNS) Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*sns.PublishOutput), args.Error(1)
}

func TestSNSPublisher_Publish(t *testing.T) {
	client := new(MockSNS)
	publisher := NewSNSPublisher(client, "arn:aws:sns:us-east-1:123456789012:valuation-events")

	event := NewEvent(EventRequestStatusChanged, "req-1", map[string]interface{}{"status": "accepted"}, "u1")

	client.On("Publish", mock.Anything, mock.MatchedBy(func(in *sns.PublishInput) bool {
		var decoded Event
		if err := json.Unmarshal([]byte(*in.Message), &decoded); err != nil {
			return false
		}
		return *in.TopicArn == "arn:aws:sns:us-east-1:123456789012:valuation-events" &&
			decoded.ID == event.ID &&
			*in.MessageAttributes["event_type"].StringValue == string(EventRequestStatusChanged)
	})).Return(&sns.PublishOutput{}, nil)

	require.NoError(t, publisher.Publish(context.Background(), event))
	client.AssertExpectations(t)
}

func TestSNSPublisher_PublishError(t *testing.T) {
	client := new(MockSNS)
	publisher := NewSNSPublisher(client, "arn:aws:sns:us-east-1:123456789012:valuation-events")

	client.On("Publish", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	err := publisher.Publish(context.Background(), NewEvent(EventCertificateMinted, "cert-1", nil, "u1"))
	assert.ErrorContains(t, err, "throttled")
}
