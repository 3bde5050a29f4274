package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Dado-hash/fundings-screener/internal/alerting"
	"github.com/Dado-hash/fundings-screener/internal/market"
	"github.com/Dado-hash/fundings-screener/internal/opportunity"
	"github.com/Dado-hash/fundings-screener/internal/storage"
)

// DefaultTestAlert is the filter used for test notifications.
func DefaultTestAlert(chatID int64) storage.AlertConfig {
	return storage.AlertConfig{
		SubscriberID: chatID,
		Name:         "Test Alert",
		Interval:     storage.Hours(1),
		MinSpread:    50,
		MaxSpread:    500,
		Sources:      append([]market.Exchange(nil), market.AllExchanges...),
		MaxResults:   3,
		Active:       true,
	}
}

// SendTest delivers a one-off notification built from the default test filter.
// It does not touch the store. A missing snapshot still produces a message.
func (s *Service) SendTest(ctx context.Context, chatID int64, now time.Time) (int, error) {
	alert := DefaultTestAlert(chatID)

	snap, err := s.snapshots.Get(ctx, now)
	available := err == nil
	if err != nil {
		s.logger.Warn().Err(err).Int64("chat_id", chatID).Msg("test notification without snapshot")
	}

	var ops []opportunity.Opportunity
	if available {
		ops = opportunity.Apply(snap, alert.Criteria(s.threshold))
	}

	if err := s.notifier.Send(ctx, chatID, alerting.RenderTest(alert, ops, now, available)); err != nil {
		return 0, fmt.Errorf("send test notification: %w", err)
	}
	return len(ops), nil
}
