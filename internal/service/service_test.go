package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dado-hash/fundings-screener/internal/alerting"
	"github.com/Dado-hash/fundings-screener/internal/market"
	"github.com/Dado-hash/fundings-screener/internal/storage"
)

type fakeStore struct {
	mu          sync.Mutex
	candidates  []storage.AlertConfig
	listErr     error
	advanceErr  map[int64]error
	advanced    map[int64]time.Time
	records     []storage.DeliveryRecord
	deactivated []int64
}

func newFakeStore(candidates ...storage.AlertConfig) *fakeStore {
	return &fakeStore{candidates: candidates, advanceErr: map[int64]error{}, advanced: map[int64]time.Time{}}
}

func (f *fakeStore) ListActiveDueCandidates(ctx context.Context) ([]storage.AlertConfig, error) {
	return f.candidates, f.listErr
}

func (f *fakeStore) AdvanceLastSent(ctx context.Context, alertID int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.advanceErr[alertID]; err != nil {
		return err
	}
	f.advanced[alertID] = at
	return nil
}

func (f *fakeStore) AppendDeliveryRecord(ctx context.Context, rec storage.DeliveryRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, rec)
	return nil
}

func (f *fakeStore) DeactivateSubscriber(ctx context.Context, chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, chatID)
	return nil
}

func (f *fakeStore) statusOf(alertID int64) storage.DeliveryStatus {
	for _, r := range f.records {
		if r.AlertID == alertID {
			return r.Status
		}
	}
	return ""
}

type lockingStore struct {
	*fakeStore
	acquired bool
	released int
}

func (l *lockingStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if !l.acquired {
		return nil, false, nil
	}
	return func() { l.released++ }, true, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	errs map[int64]error
	sent map[int64][]string
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{errs: map[int64]error{}, sent: map[int64][]string{}}
}

func (n *fakeNotifier) Send(ctx context.Context, subscriberID int64, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err := n.errs[subscriberID]; err != nil {
		return err
	}
	n.sent[subscriberID] = append(n.sent[subscriberID], message)
	return nil
}

type fakeSnapshots struct {
	snap  market.Snapshot
	err   error
	calls int
}

func (f *fakeSnapshots) Get(ctx context.Context, now time.Time) (market.Snapshot, error) {
	f.calls++
	return f.snap, f.err
}

var tickTime = time.Date(2025, 4, 2, 15, 0, 0, 0, time.UTC)

func sampleSnapshot() market.Snapshot {
	return market.Snapshot{FetchedAt: tickTime, Markets: []market.Market{
		{Symbol: "BTC", Rates: []market.SourceRate{{Source: market.DYDX, Rate: 87.6}, {Source: market.Hyperliquid, Rate: 70.08}}},
		{Symbol: "ETH", Rates: []market.SourceRate{{Source: market.DYDX, Rate: 43.8}, {Source: market.Hyperliquid, Rate: 35.04}}},
	}}
}

func alertFor(id, chat int64, minSpread float64, lastSent *time.Time) storage.AlertConfig {
	return storage.AlertConfig{
		ID:           id,
		SubscriberID: chat,
		Name:         fmt.Sprintf("alert-%d", id),
		Interval:     storage.Hours(5),
		MinSpread:    minSpread,
		MaxSpread:    500,
		Sources:      []market.Exchange{market.DYDX, market.Hyperliquid},
		MaxResults:   5,
		LastSentAt:   lastSent,
		Active:       true,
	}
}

func ago(d time.Duration) *time.Time {
	t := tickTime.Add(-d)
	return &t
}

func newTestService(store storage.SubscriptionStore, snaps SnapshotSource, notifier alerting.Notifier) *Service {
	return New(Options{}, nil, snaps, store, notifier, zerolog.Nop())
}

func TestDueAlerts(t *testing.T) {
	candidates := []storage.AlertConfig{
		alertFor(3, 1, 10, ago(5*time.Hour+time.Second)),
		alertFor(1, 1, 10, ago(4*time.Hour+59*time.Minute)),
		alertFor(2, 1, 10, nil),
	}
	due := DueAlerts(candidates, tickTime)
	if len(due) != 2 || due[0].ID != 2 || due[1].ID != 3 {
		t.Fatalf("expected alerts 2 and 3 in id order, got %+v", due)
	}
}

func TestProcessTickSendsAndAdvances(t *testing.T) {
	store := newFakeStore(alertFor(1, 100, 10, nil))
	notifier := newFakeNotifier()
	snaps := &fakeSnapshots{snap: sampleSnapshot()}

	if err := newTestService(store, snaps, notifier).ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(notifier.sent[100]) != 1 || !strings.Contains(notifier.sent[100][0], "BTC-USD") {
		t.Fatalf("expected one message about BTC, got %v", notifier.sent)
	}
	if strings.Contains(notifier.sent[100][0], "ETH-USD") {
		t.Fatal("ETH is below minSpread and must not be sent")
	}
	if got := store.advanced[1]; !got.Equal(tickTime) {
		t.Fatalf("lastSent should advance to tick time, got %v", got)
	}
	if len(store.records) != 1 || store.records[0].Status != storage.StatusSent || store.records[0].OpportunityCount != 1 {
		t.Fatalf("unexpected records %+v", store.records)
	}
}

func TestProcessTickNoDataAdvances(t *testing.T) {
	store := newFakeStore(alertFor(7, 100, 400, nil))
	notifier := newFakeNotifier()

	if err := newTestService(store, &fakeSnapshots{snap: sampleSnapshot()}, notifier).ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(notifier.sent) != 0 {
		t.Fatalf("no message should be sent, got %v", notifier.sent)
	}
	if _, ok := store.advanced[7]; !ok {
		t.Fatal("no-data result must still advance lastSent")
	}
	if store.statusOf(7) != storage.StatusNoData {
		t.Fatalf("expected no_data record, got %+v", store.records)
	}
}

func TestProcessTickFailureDoesNotAdvance(t *testing.T) {
	store := newFakeStore(alertFor(1, 100, 10, nil), alertFor(2, 200, 10, nil))
	notifier := newFakeNotifier()
	notifier.errs[100] = errors.New("telegram down")

	if err := newTestService(store, &fakeSnapshots{snap: sampleSnapshot()}, notifier).ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("delivery failures must not fail the tick: %v", err)
	}

	if _, ok := store.advanced[1]; ok {
		t.Fatal("failed delivery must not advance lastSent")
	}
	if store.statusOf(1) != storage.StatusFailed {
		t.Fatalf("expected failed record for alert 1, got %+v", store.records)
	}
	if store.statusOf(2) != storage.StatusSent || len(notifier.sent[200]) != 1 {
		t.Fatal("other alerts in the tick must still be delivered")
	}
	if len(store.deactivated) != 0 {
		t.Fatal("transient failures must not deactivate the subscriber")
	}
}

func TestProcessTickStoreFailureIsolated(t *testing.T) {
	store := newFakeStore(alertFor(1, 100, 10, nil), alertFor(2, 200, 10, nil))
	store.advanceErr[1] = errors.New("connection reset")
	notifier := newFakeNotifier()

	if err := newTestService(store, &fakeSnapshots{snap: sampleSnapshot()}, notifier).ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("store failures must not fail the tick: %v", err)
	}
	if _, ok := store.advanced[2]; !ok || len(notifier.sent[200]) != 1 {
		t.Fatal("alert 2 must be processed despite alert 1's store error")
	}
}

func TestProcessTickChatUnreachableDeactivates(t *testing.T) {
	store := newFakeStore(alertFor(1, 100, 10, nil))
	notifier := newFakeNotifier()
	notifier.errs[100] = fmt.Errorf("%w: 403", alerting.ErrChatUnreachable)

	if err := newTestService(store, &fakeSnapshots{snap: sampleSnapshot()}, notifier).ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(store.deactivated) != 1 || store.deactivated[0] != 100 {
		t.Fatalf("unreachable subscriber should be deactivated, got %v", store.deactivated)
	}
	if store.statusOf(1) != storage.StatusFailed {
		t.Fatal("unreachable delivery is still recorded as failed")
	}
}

func TestProcessTickSkipsFetchWhenNothingDue(t *testing.T) {
	store := newFakeStore(alertFor(1, 100, 10, ago(time.Hour)))
	snaps := &fakeSnapshots{snap: sampleSnapshot()}

	if err := newTestService(store, snaps, newFakeNotifier()).ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if snaps.calls != 0 {
		t.Fatal("snapshot must not be requested when nothing is due")
	}
	if len(store.records) != 0 {
		t.Fatal("nothing should be recorded")
	}
}

func TestProcessTickSharesOneSnapshot(t *testing.T) {
	store := newFakeStore(alertFor(1, 100, 10, nil), alertFor(2, 200, 10, nil), alertFor(3, 300, 10, nil))
	snaps := &fakeSnapshots{snap: sampleSnapshot()}

	if err := newTestService(store, snaps, newFakeNotifier()).ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if snaps.calls != 1 {
		t.Fatalf("expected one snapshot for the batch, got %d", snaps.calls)
	}
}

func TestProcessTickColdCacheAbortsTick(t *testing.T) {
	store := newFakeStore(alertFor(1, 100, 10, nil))
	snaps := &fakeSnapshots{err: errors.New("cold cache")}

	if err := newTestService(store, snaps, newFakeNotifier()).ProcessTick(context.Background(), tickTime); err == nil {
		t.Fatal("tick should fail without a snapshot")
	}
	if len(store.advanced) != 0 || len(store.records) != 0 {
		t.Fatal("nothing may be advanced or recorded without a snapshot")
	}
}

func TestProcessTickAdvisoryLock(t *testing.T) {
	store := &lockingStore{fakeStore: newFakeStore(alertFor(1, 100, 10, nil))}
	notifier := newFakeNotifier()
	svc := New(Options{AdvisoryLockKey: 99}, nil, &fakeSnapshots{snap: sampleSnapshot()}, store, notifier, zerolog.Nop())

	if err := svc.ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(notifier.sent) != 0 {
		t.Fatal("tick must be skipped while another replica holds the lock")
	}

	store.acquired = true
	if err := svc.ProcessTick(context.Background(), tickTime); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(notifier.sent[100]) != 1 || store.released != 1 {
		t.Fatalf("expected delivery and lock release, sent=%v released=%d", notifier.sent, store.released)
	}
}

func TestSendTest(t *testing.T) {
	notifier := newFakeNotifier()
	snap := market.Snapshot{Markets: []market.Market{
		{Symbol: "SOL", Rates: []market.SourceRate{{Source: market.Paradex, Rate: 120}, {Source: market.Extended, Rate: -30}}},
		{Symbol: "XRP", Rates: []market.SourceRate{{Source: market.Paradex, Rate: 10}, {Source: market.Extended, Rate: 5}}},
	}}
	svc := newTestService(newFakeStore(), &fakeSnapshots{snap: snap}, notifier)

	n, err := svc.SendTest(context.Background(), 55, tickTime)
	if err != nil || n != 1 {
		t.Fatalf("expected one test opportunity, got %d %v", n, err)
	}
	if msg := notifier.sent[55][0]; !strings.Contains(msg, "Test Notification") || !strings.Contains(msg, "SOL-USD") {
		t.Fatalf("unexpected test message:\n%s", msg)
	}

	cold := newTestService(newFakeStore(), &fakeSnapshots{err: errors.New("cold")}, notifier)
	if _, err := cold.SendTest(context.Background(), 56, tickTime); err != nil {
		t.Fatalf("cold cache should still send a notice: %v", err)
	}
	if !strings.Contains(notifier.sent[56][0], "Unable to fetch") {
		t.Fatalf("unexpected cold message: %s", notifier.sent[56][0])
	}
}
