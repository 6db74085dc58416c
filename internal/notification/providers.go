package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/careloop/careloop/internal/shared/types"
)

// Provider sends a message over one channel and returns the provider's
// message ID. Delivery confirmation arrives later on the webhook, keyed
// by that ID.
type Provider interface {
	Send(ctx context.Context, msg *Message) (providerMessageID string, err error)
}

// MockProvider is an in-memory provider for testing
type MockProvider struct {
	mu         sync.RWMutex
	sent       []*Message
	failOnSend bool
	sendDelay  time.Duration
}

// NewMockProvider creates a new mock provider
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Send records the message (mock implementation)
func (p *MockProvider) Send(ctx context.Context, msg *Message) (string, error) {
	if p.sendDelay > 0 {
		time.Sleep(p.sendDelay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failOnSend {
		return "", fmt.Errorf("mock send failure")
	}
	if msg.Recipient == "" {
		return "", fmt.Errorf("no recipient provided")
	}

	copied := *msg
	p.sent = append(p.sent, &copied)

	return "mock-" + types.NewID().String(), nil
}

// SetFailOnSend sets whether Send should fail
func (p *MockProvider) SetFailOnSend(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOnSend = fail
}

// SetSendDelay sets artificial delay for Send
func (p *MockProvider) SetSendDelay(delay time.Duration) {
	p.sendDelay = delay
}

// SentMessages returns all sent messages
func (p *MockProvider) SentMessages() []*Message {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*Message, len(p.sent))
	copy(result, p.sent)
	return result
}

// ConsoleProvider prints messages to stdout (for development)
type ConsoleProvider struct {
	prefix string
}

// NewConsoleProvider creates a console provider
func NewConsoleProvider(prefix string) *ConsoleProvider {
	return &ConsoleProvider{prefix: prefix}
}

// Send prints the message to stdout
func (p *ConsoleProvider) Send(ctx context.Context, msg *Message) (string, error) {
	fmt.Printf("\n[%s %s]\n", p.prefix, msg.Channel)
	fmt.Printf("  To:      %s\n", msg.Recipient)
	if msg.Subject != "" {
		fmt.Printf("  Subject: %s\n", msg.Subject)
	}
	fmt.Printf("  Body:    %s\n", msg.Body)
	if msg.Critical {
		fmt.Println("  CRITICAL")
	}
	fmt.Println()
	return "console-" + types.NewID().String(), nil
}
