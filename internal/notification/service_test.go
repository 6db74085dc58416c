package notification

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/careloop/careloop/internal/shared/config"
	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/events"
	"github.com/careloop/careloop/internal/shared/types"
)

type memoryLogStore struct {
	mu   sync.Mutex
	logs map[types.ID]*Log
}

func newMemoryLogStore() *memoryLogStore {
	return &memoryLogStore{logs: make(map[types.ID]*Log)}
}

func (m *memoryLogStore) CreateLog(ctx context.Context, l *Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *l
	m.logs[l.ID] = &copied
	return nil
}

func (m *memoryLogStore) MarkSent(ctx context.Context, id types.ID, providerMessageID string, retryCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return errors.NotFound("notification log", id.String())
	}
	l.Status = StatusSent
	l.ProviderMessageID = &providerMessageID
	l.RetryCount = retryCount
	return nil
}

func (m *memoryLogStore) MarkFailed(ctx context.Context, id types.ID, reason string, retryCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return errors.NotFound("notification log", id.String())
	}
	l.Status = StatusFailed
	l.FailureReason = &reason
	l.RetryCount = retryCount
	return nil
}

func (m *memoryLogStore) ApplyReceipt(ctx context.Context, receipt *DeliveryReceipt) (*Log, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.logs {
		if l.ProviderMessageID != nil && *l.ProviderMessageID == receipt.ProviderMessageID {
			if l.Status == StatusDelivered || l.Status == StatusFailed {
				return nil, nil
			}
			l.Status = receipt.Status
			copied := *l
			return &copied, nil
		}
	}
	return nil, errors.NotFound("notification", receipt.ProviderMessageID)
}

func (m *memoryLogStore) status(id types.ID) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.logs[id]; ok {
		return l.Status
	}
	return ""
}

type recordingAlertSink struct {
	mu     sync.Mutex
	alerts []string
}

func (s *recordingAlertSink) RaiseAlert(ctx context.Context, kind string, episodeID *types.ID, message string, details map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, kind)
	return nil
}

func (s *recordingAlertSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

func testNotifyConfig() config.NotificationConfig {
	return config.NotificationConfig{
		RetryAttempts:  2,
		RetryDelay:     5 * time.Millisecond,
		SendsPerSecond: 1000,
		SendBurst:      100,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestDispatchSendsViaProvider(t *testing.T) {
	store := newMemoryLogStore()
	provider := NewMockProvider()
	s := NewService(map[Channel]Provider{ChannelSMS: provider}, store, nil, nil, testNotifyConfig())

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	msg := &Message{Recipient: "+15551234567", Channel: ChannelSMS, Body: "checking in after your discharge"}
	if err := s.Dispatch(ctx, msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	waitFor(t, func() bool { return store.status(msg.ID) == StatusSent })

	sent := provider.SentMessages()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent message, got %d", len(sent))
	}
	if sent[0].Recipient != "+15551234567" {
		t.Errorf("unexpected recipient %s", sent[0].Recipient)
	}
}

func TestDispatchNoProviderIsConfigurationError(t *testing.T) {
	store := newMemoryLogStore()
	s := NewService(map[Channel]Provider{}, store, nil, nil, testNotifyConfig())

	err := s.Dispatch(context.Background(), &Message{Recipient: "x", Channel: ChannelVoice, Body: "hi"})
	if !errors.Is(err, errors.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestDispatchExhaustedRetriesRaisesAlert(t *testing.T) {
	store := newMemoryLogStore()
	provider := NewMockProvider()
	provider.SetFailOnSend(true)
	alerts := &recordingAlertSink{}
	s := NewService(map[Channel]Provider{ChannelVoice: provider}, store, alerts, nil, testNotifyConfig())

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	msg := &Message{Recipient: "+15550000000", Channel: ChannelVoice, Body: "urgent", Critical: true}
	if err := s.Dispatch(ctx, msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	waitFor(t, func() bool { return store.status(msg.ID) == StatusFailed })
	waitFor(t, func() bool { return alerts.count() == 1 })

	if msg.RetryCount != 2 {
		t.Errorf("expected 2 attempts, got %d", msg.RetryCount)
	}
}

func TestExhaustedRetriesPublishAttemptFailure(t *testing.T) {
	store := newMemoryLogStore()
	provider := NewMockProvider()
	provider.SetFailOnSend(true)
	bus := events.NewMemoryBus()
	s := NewService(map[Channel]Provider{ChannelSMS: provider}, store, nil, bus, testNotifyConfig())

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	attemptID := types.NewID()
	msg := &Message{
		Recipient: "+15553334444",
		Channel:   ChannelSMS,
		Body:      "checking in",
		Critical:  true,
		AttemptID: &attemptID,
	}
	if err := s.Dispatch(ctx, msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	waitFor(t, func() bool { return len(bus.PublishedOfType(events.TypeNotificationFailed)) == 1 })

	published := bus.PublishedOfType(events.TypeNotificationFailed)
	if published[0].EntityID != attemptID {
		t.Errorf("event entity = %s, want attempt %s", published[0].EntityID, attemptID)
	}
}

func TestFailedReceiptPublishesAttemptFailure(t *testing.T) {
	store := newMemoryLogStore()
	provider := NewMockProvider()
	bus := events.NewMemoryBus()
	s := NewService(map[Channel]Provider{ChannelVoice: provider}, store, nil, bus, testNotifyConfig())

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	attemptID := types.NewID()
	msg := &Message{
		Recipient: "+15556667777",
		Channel:   ChannelVoice,
		Body:      "checking in",
		Critical:  true,
		AttemptID: &attemptID,
	}
	if err := s.Dispatch(ctx, msg); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, func() bool { return store.status(msg.ID) == StatusSent })

	store.mu.Lock()
	pmid := *store.logs[msg.ID].ProviderMessageID
	store.mu.Unlock()

	receipt := &DeliveryReceipt{
		ProviderMessageID: pmid,
		Status:            StatusFailed,
		ErrorMessage:      "line disconnected",
	}
	if _, err := s.HandleReceipt(ctx, receipt); err != nil {
		t.Fatalf("receipt: %v", err)
	}

	published := bus.PublishedOfType(events.TypeNotificationFailed)
	if len(published) != 1 {
		t.Fatalf("expected 1 failure event, got %d", len(published))
	}
	if published[0].EntityID != attemptID {
		t.Errorf("event entity = %s, want attempt %s", published[0].EntityID, attemptID)
	}

	// replayed receipt must not publish again
	if _, err := s.HandleReceipt(ctx, receipt); err != nil {
		t.Fatalf("replayed receipt: %v", err)
	}
	if got := len(bus.PublishedOfType(events.TypeNotificationFailed)); got != 1 {
		t.Errorf("expected no event on replay, got %d total", got)
	}
}

func TestHandleReceiptIdempotent(t *testing.T) {
	store := newMemoryLogStore()
	provider := NewMockProvider()
	s := NewService(map[Channel]Provider{ChannelSMS: provider}, store, nil, nil, testNotifyConfig())

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	msg := &Message{Recipient: "+15551112222", Channel: ChannelSMS, Body: "hello"}
	if err := s.Dispatch(ctx, msg); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return store.status(msg.ID) == StatusSent })

	store.mu.Lock()
	pmid := *store.logs[msg.ID].ProviderMessageID
	store.mu.Unlock()

	receipt := &DeliveryReceipt{ProviderMessageID: pmid, Status: StatusDelivered}

	l, err := s.HandleReceipt(ctx, receipt)
	if err != nil {
		t.Fatalf("first receipt: %v", err)
	}
	if l == nil || l.Status != StatusDelivered {
		t.Fatalf("expected delivered log, got %+v", l)
	}

	// replay is a no-op, not an error
	l, err = s.HandleReceipt(ctx, receipt)
	if err != nil {
		t.Fatalf("replayed receipt: %v", err)
	}
	if l != nil {
		t.Error("expected nil log for replayed receipt")
	}
}

func TestHandleReceiptValidation(t *testing.T) {
	store := newMemoryLogStore()
	s := NewService(map[Channel]Provider{}, store, nil, nil, testNotifyConfig())

	tests := []struct {
		name    string
		receipt DeliveryReceipt
	}{
		{"missing provider message id", DeliveryReceipt{Status: StatusDelivered}},
		{"non-terminal status", DeliveryReceipt{ProviderMessageID: "x", Status: StatusPending}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.HandleReceipt(context.Background(), &tt.receipt); !errors.Is(err, errors.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
		})
	}
}
