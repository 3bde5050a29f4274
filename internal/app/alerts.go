package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Dado-hash/fundings-screener/internal/storage"
)

// TestAlert 使用默认测试过滤器向指定会话发送一次通知，不写入数据库。
func (a *App) TestAlert(ctx context.Context, chatID int64) error {
	if chatID == 0 {
		return errors.New("--chat must be provided")
	}
	svc := a.newService(nil, a.newCache(), nil)
	count, err := svc.SendTest(ctx, chatID, time.Now().UTC())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "test notification sent to %d (%d opportunities)\n", chatID, count)
	return nil
}

// Stats prints notification statistics.
func (a *App) Stats(ctx context.Context) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	stats, err := store.Stats(ctx)
	if err != nil {
		return err
	}
	return writeStats(a.Out, stats)
}

func writeStats(out io.Writer, stats storage.Stats) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Active subscribers\t%d\n", stats.ActiveSubscribers)
	fmt.Fprintf(writer, "Active alerts\t%d\n", stats.ActiveAlerts)
	fmt.Fprintf(writer, "Alerts ever sent\t%d\n", stats.AlertsEverSent)
	fmt.Fprintf(writer, "Total deliveries\t%d\n", stats.TotalDeliveries)
	fmt.Fprintf(writer, "Successful deliveries\t%d\n", stats.SuccessfulDeliveries)
	return writer.Flush()
}

// AddAlert registers the subscriber if needed and creates an alert for it.
func (a *App) AddAlert(ctx context.Context, opts AlertOptions) error {
	cfg, err := a.alertFromOptions(opts)
	if err != nil {
		return err
	}

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if _, err := store.UpsertSubscriber(ctx, storage.Subscriber{ChatID: opts.ChatID, Username: opts.Username, Active: true}); err != nil {
		return err
	}
	created, err := store.CreateAlert(ctx, cfg)
	if err != nil {
		return err
	}

	a.Logger.Info().Int64("alert_id", created.ID).Int64("chat_id", created.SubscriberID).Msg("alert created")
	fmt.Fprintf(a.Out, "created alert %d (%s, every %s)\n", created.ID, created.Name, created.Interval)
	return nil
}

func (a *App) alertFromOptions(opts AlertOptions) (storage.AlertConfig, error) {
	if opts.ChatID == 0 {
		return storage.AlertConfig{}, errors.New("--chat must be provided")
	}
	interval, err := storage.ParseInterval(opts.Interval)
	if err != nil {
		return storage.AlertConfig{}, fmt.Errorf("invalid --every %q: %w", opts.Interval, err)
	}

	maxResults := opts.Filter.MaxResults
	if maxResults <= 0 {
		maxResults = a.Config.Filters.DefaultMaxResults
	}
	criteria, err := opts.Filter.Criteria(a.Config)
	if err != nil {
		return storage.AlertConfig{}, err
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "Funding Alert"
	}

	cfg := storage.AlertConfig{
		SubscriberID:   opts.ChatID,
		Name:           name,
		Interval:       interval,
		MinSpread:      criteria.MinSpread,
		MaxSpread:      criteria.MaxSpread,
		Sources:        criteria.Sources,
		ArbitrageOnly:  criteria.ArbitrageOnly,
		HighSpreadOnly: criteria.HighSpreadOnly,
		MaxResults:     maxResults,
		Active:         true,
	}
	if err := cfg.Validate(); err != nil {
		return storage.AlertConfig{}, err
	}
	return cfg, nil
}

// ListAlerts prints a subscriber's active alerts.
func (a *App) ListAlerts(ctx context.Context, chatID int64) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	alerts, err := store.ListAlerts(ctx, chatID)
	if err != nil {
		return err
	}
	if len(alerts) == 0 {
		fmt.Fprintln(a.Out, "no active alerts")
		return nil
	}
	return writeAlertTable(a.Out, alerts)
}

func writeAlertTable(out io.Writer, alerts []storage.AlertConfig) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tName\tEvery\tSpread\tSources\tFlags\tMax\tLast sent")
	for _, alert := range alerts {
		last := "never"
		if alert.LastSentAt != nil {
			last = alert.LastSentAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s-%s\t%s\t%s\t%d\t%s\n",
			alert.ID,
			alert.Name,
			everyFlag(alert.Interval),
			formatRate(alert.MinSpread), formatRate(alert.MaxSpread),
			strings.Join(exchangeNames(alert.Sources), ","),
			alertFlags(alert),
			alert.MaxResults,
			last,
		)
	}
	return writer.Flush()
}

// everyFlag renders an interval the way --every accepts it.
func everyFlag(iv storage.Interval) string {
	switch iv.Unit() {
	case storage.UnitHours:
		return fmt.Sprintf("%dh", iv.Count())
	case storage.UnitMinutes:
		return fmt.Sprintf("%dm", iv.Count())
	}
	return "-"
}

func alertFlags(alert storage.AlertConfig) string {
	var flags []string
	if alert.ArbitrageOnly {
		flags = append(flags, "arbitrage")
	}
	if alert.HighSpreadOnly {
		flags = append(flags, "high-spread")
	}
	if len(flags) == 0 {
		return "-"
	}
	return strings.Join(flags, ",")
}

// DeleteAlert deactivates one of a subscriber's alerts.
func (a *App) DeleteAlert(ctx context.Context, chatID, alertID int64) error {
	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.DeactivateAlert(ctx, chatID, alertID); err != nil {
		if errors.Is(err, storage.ErrAlertNotFound) {
			return fmt.Errorf("alert %d not found for chat %d", alertID, chatID)
		}
		return err
	}
	fmt.Fprintf(a.Out, "alert %d deleted\n", alertID)
	return nil
}
