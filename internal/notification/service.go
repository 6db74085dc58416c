package notification

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/careloop/careloop/internal/shared/config"
	"github.com/careloop/careloop/internal/shared/errors"
	"github.com/careloop/careloop/internal/shared/events"
	"github.com/careloop/careloop/internal/shared/metrics"
	"github.com/careloop/careloop/internal/shared/types"
)

// LogStore persists dispatch logs
type LogStore interface {
	CreateLog(ctx context.Context, l *Log) error
	MarkSent(ctx context.Context, id types.ID, providerMessageID string, retryCount int) error
	MarkFailed(ctx context.Context, id types.ID, reason string, retryCount int) error
	ApplyReceipt(ctx context.Context, receipt *DeliveryReceipt) (*Log, error)
}

// AlertSink receives operator alerts for sends that exhausted their retries
type AlertSink interface {
	RaiseAlert(ctx context.Context, kind string, episodeID *types.ID, message string, details map[string]any) error
}

// Service dispatches messages through channel providers with a worker
// pool, a shared outbound rate limit and bounded retries.
type Service struct {
	providers map[Channel]Provider
	store     LogStore
	alerts    AlertSink
	bus       events.EventBus
	limiter   *rate.Limiter
	config    config.NotificationConfig

	msgCh   chan *Message
	workers int

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewService creates a notification service. alerts and bus may be nil.
func NewService(providers map[Channel]Provider, store LogStore, alerts AlertSink, bus events.EventBus, cfg config.NotificationConfig) *Service {
	return &Service{
		providers: providers,
		store:     store,
		alerts:    alerts,
		bus:       bus,
		limiter:   rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), cfg.SendBurst),
		config:    cfg,
		msgCh:     make(chan *Message, 256),
		workers:   4,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the dispatch workers
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("notification service already started")
	}
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}

	return nil
}

// Stop stops the dispatch workers
func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("notification service not started")
	}
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	return nil
}

// Dispatch logs the message and queues it for sending. Critical messages
// block until queued rather than being dropped when the buffer is full.
func (s *Service) Dispatch(ctx context.Context, msg *Message) error {
	if _, ok := s.providers[msg.Channel]; !ok {
		return errors.Configuration("no provider configured for channel", map[string]string{
			"channel": string(msg.Channel),
		})
	}
	if msg.Recipient == "" {
		return errors.Validation("recipient is required", nil)
	}

	if msg.ID.IsZero() {
		msg.ID = types.NewID()
	}

	if err := s.store.CreateLog(ctx, &Log{
		ID:        msg.ID,
		Recipient: msg.Recipient,
		Channel:   msg.Channel,
		Subject:   msg.Subject,
		Body:      msg.Body,
		Status:    StatusPending,
		AttemptID: msg.AttemptID,
		TaskID:    msg.TaskID,
	}); err != nil {
		return err
	}

	if msg.Critical {
		select {
		case s.msgCh <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	select {
	case s.msgCh <- msg:
		return nil
	default:
		reason := "dispatch buffer full"
		if err := s.store.MarkFailed(ctx, msg.ID, reason, msg.RetryCount); err != nil {
			log.Printf("notification: mark overflow failed: %v", err)
		}
		metrics.RecordNotification(string(msg.Channel), "failed")
		return errors.Provider(fmt.Errorf("%s", reason), string(msg.Channel))
	}
}

// HandleReceipt applies a provider delivery callback. Replays of already
// terminal receipts return nil without error.
func (s *Service) HandleReceipt(ctx context.Context, receipt *DeliveryReceipt) (*Log, error) {
	if receipt.ProviderMessageID == "" {
		return nil, errors.Validation("provider_message_id is required", nil)
	}
	if receipt.Status != StatusDelivered && receipt.Status != StatusFailed {
		return nil, errors.Validation("receipt status must be DELIVERED or FAILED", nil)
	}

	l, err := s.store.ApplyReceipt(ctx, receipt)
	if err != nil {
		return nil, err
	}
	if l != nil {
		metrics.RecordNotification(string(l.Channel), string(l.Status))
		if l.Status == StatusFailed && l.AttemptID != nil {
			reason := "provider reported delivery failure"
			if receipt.ErrorMessage != "" {
				reason = receipt.ErrorMessage
			}
			s.publishFailure(ctx, *l.AttemptID, l.Channel, reason)
		}
	}
	return l, nil
}

// publishFailure tells the originating subsystem that a message tied to an
// outreach attempt will never be delivered.
func (s *Service) publishFailure(ctx context.Context, attemptID types.ID, channel Channel, reason string) {
	if s.bus == nil {
		return
	}
	event := events.NewEvent(events.TypeNotificationFailed, "notification", attemptID, map[string]any{
		"attempt_id": attemptID,
		"channel":    channel,
		"reason":     reason,
	})
	if err := s.bus.Publish(ctx, event); err != nil {
		log.Printf("notification: publish %s: %v", event.Type, err)
	}
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case msg := <-s.msgCh:
			s.process(ctx, msg)
		}
	}
}

func (s *Service) process(ctx context.Context, msg *Message) {
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	provider := s.providers[msg.Channel]

	providerMessageID, err := provider.Send(ctx, msg)
	if err == nil {
		if err := s.store.MarkSent(ctx, msg.ID, providerMessageID, msg.RetryCount); err != nil {
			log.Printf("notification: mark sent: %v", err)
		}
		metrics.RecordNotification(string(msg.Channel), "sent")
		return
	}

	msg.RetryCount++
	if msg.RetryCount < s.config.RetryAttempts {
		time.AfterFunc(s.config.RetryDelay, func() {
			select {
			case s.msgCh <- msg:
			case <-s.stopCh:
			}
		})
		return
	}

	if markErr := s.store.MarkFailed(ctx, msg.ID, err.Error(), msg.RetryCount); markErr != nil {
		log.Printf("notification: mark failed: %v", markErr)
	}
	metrics.RecordNotification(string(msg.Channel), "failed")

	if msg.AttemptID != nil {
		s.publishFailure(ctx, *msg.AttemptID, msg.Channel, err.Error())
	}

	if msg.Critical && s.alerts != nil {
		details := map[string]any{
			"channel":   msg.Channel,
			"recipient": msg.Recipient,
			"error":     err.Error(),
		}
		if msg.TaskID != nil {
			details["task_id"] = msg.TaskID.String()
		}
		if msg.AttemptID != nil {
			details["attempt_id"] = msg.AttemptID.String()
		}
		if alertErr := s.alerts.RaiseAlert(ctx, "notification.exhausted", nil,
			"critical notification exhausted provider retries", details); alertErr != nil {
			log.Printf("notification: raise operator alert: %v", alertErr)
		}
	}
}
