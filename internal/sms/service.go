package sms

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrDisabled   = errors.New("sms sending is disabled")
	ErrNoProvider = errors.New("no sms provider configured")
)

// Message is what a Provider is asked to deliver.
type Message struct {
	To     string
	Text   string
	Sender string
	APIKey string
}

// Provider delivers a message and returns the vendor's message ID.
type Provider interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, msg Message) (string, error)

func (f ProviderFunc) Send(ctx context.Context, msg Message) (string, error) {
	return f(ctx, msg)
}

// Service sends messages through a Provider and tracks every attempt.
type Service struct {
	tracker  *Tracker
	provider Provider
}

func NewService(tracker *Tracker, provider Provider) *Service {
	return &Service{tracker: tracker, provider: provider}
}

func (s *Service) Tracker() *Tracker {
	return s.tracker
}

// Send delivers message to one recipient. In test mode the provider is not
// called and the attempt is recorded with StatusTest. A provider failure is
// recorded and returned.
func (s *Service) Send(ctx context.Context, to, message, msgType string) (HistoryItem, error) {
	cfg, err := s.tracker.Config(ctx)
	if err != nil {
		return HistoryItem{}, err
	}
	if !cfg.Enabled {
		return HistoryItem{}, ErrDisabled
	}

	item := HistoryItem{To: to, Message: message, Type: msgType}
	if cfg.TestMode {
		item.Status = StatusTest
		return s.tracker.Record(ctx, item)
	}
	if s.provider == nil {
		return HistoryItem{}, ErrNoProvider
	}

	id, sendErr := s.provider.Send(ctx, Message{To: to, Text: message, Sender: cfg.Sender, APIKey: cfg.APIKey})
	if sendErr != nil {
		item.Status = StatusFailed
		item.Error = sendErr.Error()
	} else {
		item.Status = StatusSent
		item.ProviderMessageID = id
	}

	item, err = s.tracker.Record(ctx, item)
	if sendErr != nil {
		return item, fmt.Errorf("sending sms via %s: %w", cfg.Provider, sendErr)
	}
	return item, err
}
