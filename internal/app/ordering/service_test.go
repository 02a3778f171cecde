package ordering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goodfood/drivethru/internal/app/menus"
	"github.com/goodfood/drivethru/internal/contracts"
	"github.com/goodfood/drivethru/internal/projection"
	"github.com/goodfood/drivethru/internal/viewstore"
)

var lunchTime = time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC)

// memStore backs both the projector's view store and the service's view
// reader, mimicking the Postgres store's etag contract.
type memStore struct {
	views map[string]contracts.View
	tags  map[string]contracts.ConcurrencyToken
	seq   int
}

func newMemStore() *memStore {
	return &memStore{views: map[string]contracts.View{}, tags: map[string]contracts.ConcurrencyToken{}}
}

func (m *memStore) Load(_ context.Context, streamID string) (contracts.View, *contracts.ConcurrencyToken, error) {
	view, ok := m.views[streamID]
	if !ok {
		return contracts.View{StreamID: streamID}, nil, nil
	}
	tag := m.tags[streamID]
	return view, &tag, nil
}

func (m *memStore) Save(_ context.Context, view contracts.View, token *contracts.ConcurrencyToken) error {
	if token != nil {
		current, ok := m.tags[view.StreamID]
		if !ok || current != *token {
			return viewstore.ErrConflict
		}
	}
	m.seq++
	m.views[view.StreamID] = view
	m.tags[view.StreamID] = contracts.ConcurrencyToken(fmt.Sprintf("tag-%d", m.seq))
	return nil
}

func (m *memStore) QueryMenuByID(_ context.Context, menuID string) (contracts.View, error) {
	for _, view := range m.views {
		if view.EntityType != contracts.EntityFoodMenu {
			continue
		}
		var menu contracts.MenuSnapshot
		if err := json.Unmarshal(view.Data, &menu); err != nil {
			return contracts.View{}, err
		}
		if menu.MenuID == menuID {
			return view, nil
		}
	}
	return contracts.View{}, viewstore.ErrViewNotFound
}

func (m *memStore) seedMenu(t *testing.T, menu contracts.MenuSnapshot) {
	t.Helper()
	data, err := json.Marshal(menu)
	if err != nil {
		t.Fatalf("encode seed menu: %v", err)
	}
	streamID := "menu-" + menu.MenuID
	m.seq++
	m.views[streamID] = contracts.View{
		ID: streamID, StreamID: streamID, Version: 1,
		EntityType: contracts.EntityFoodMenu, Data: data, Timestamp: lunchTime,
	}
	m.tags[streamID] = contracts.ConcurrencyToken(fmt.Sprintf("tag-%d", m.seq))
}

type memAppender struct {
	versions map[string]int64
	appended []contracts.Event
	failures int
}

func newMemAppender() *memAppender {
	return &memAppender{versions: map[string]int64{}}
}

func (a *memAppender) Append(_ context.Context, streamID string, entity contracts.EntityType, kind contracts.EventType, payload any) (contracts.Event, error) {
	if a.failures > 0 {
		a.failures--
		return contracts.Event{}, errors.New("store timeout")
	}
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return contracts.Event{}, err
		}
		data = encoded
	}
	a.versions[streamID]++
	evt := contracts.Event{
		ID:         fmt.Sprintf("evt-%d", len(a.appended)+1),
		StreamID:   streamID,
		Version:    a.versions[streamID],
		EntityType: entity,
		EventType:  kind,
		Data:       data,
		Timestamp:  lunchTime,
	}
	a.appended = append(a.appended, evt)
	return evt, nil
}

func newTestService(t *testing.T) (*Service, *memStore, *memAppender) {
	t.Helper()
	store := newMemStore()
	store.seedMenu(t, menus.SeedMenus()[1]) // lunch
	appender := newMemAppender()
	svc := NewService(appender, projection.New(store, nil), store)
	svc.Now = func() time.Time { return lunchTime }
	svc.RetryDelay = time.Millisecond
	return svc, store, appender
}

func TestStartOrderCreatesView(t *testing.T) {
	svc, store, _ := newTestService(t)
	var published []string
	svc.Publish = func(subject string, _ []byte) error {
		published = append(published, subject)
		return nil
	}

	order, err := svc.StartOrder(context.Background())
	if err != nil {
		t.Fatalf("StartOrder: %v", err)
	}
	if order.OrderID == "" || order.CustomerNickname != "Anonymous" || order.IsCanceled {
		t.Fatalf("unexpected order header: %+v", order)
	}
	view, tok, _ := store.Load(context.Background(), order.OrderID)
	if tok == nil || view.Version != 1 {
		t.Fatalf("order view missing after StartOrder: %+v", view)
	}
	if len(published) != 1 || !strings.Contains(published[0], order.OrderID) {
		t.Fatalf("expected one published event for the order, got %v", published)
	}
}

func TestAddItemMergesAndTotals(t *testing.T) {
	// 2x item 11 at 8.99, then 1 more: one merged line, qty 3, subtotal and
	// total exactly 26.97, itemsNumber 3.
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	order, err := svc.StartOrder(ctx)
	if err != nil {
		t.Fatalf("StartOrder: %v", err)
	}
	if _, err := svc.AddItem(ctx, order.OrderID, 11, 2); err != nil {
		t.Fatalf("AddItem x2: %v", err)
	}
	recap, err := svc.AddItem(ctx, order.OrderID, 11, 1)
	if err != nil {
		t.Fatalf("AddItem x1: %v", err)
	}

	if len(recap.OrderDetails) != 1 {
		t.Fatalf("expected one merged line, got %d", len(recap.OrderDetails))
	}
	line := recap.OrderDetails[0]
	if line.Quantity != 3 || line.Subtotal != contracts.Cents(2697) {
		t.Fatalf("unexpected line: %+v", line)
	}
	if recap.Total != contracts.Cents(2697) || recap.ItemsNumber != 3 {
		t.Fatalf("unexpected totals: total=%s items=%d", recap.Total, recap.ItemsNumber)
	}
}

func TestAddItemValidation(t *testing.T) {
	svc, _, appender := newTestService(t)
	ctx := context.Background()

	order, err := svc.StartOrder(ctx)
	if err != nil {
		t.Fatalf("StartOrder: %v", err)
	}
	appendedBefore := len(appender.appended)

	if _, err := svc.AddItem(ctx, "", 11, 1); !errors.Is(err, ErrOrderIDRequired) {
		t.Fatalf("expected ErrOrderIDRequired, got %v", err)
	}
	if _, err := svc.AddItem(ctx, order.OrderID, 11, 0); !errors.Is(err, ErrQuantityInvalid) {
		t.Fatalf("expected ErrQuantityInvalid, got %v", err)
	}
	if _, err := svc.AddItem(ctx, order.OrderID, 999, 1); !errors.Is(err, ErrUnknownMenuItem) {
		t.Fatalf("expected ErrUnknownMenuItem, got %v", err)
	}
	// Item 1 is on the breakfast menu, not the lunch menu being served.
	if _, err := svc.AddItem(ctx, order.OrderID, 1, 1); !errors.Is(err, ErrUnknownMenuItem) {
		t.Fatalf("expected ErrUnknownMenuItem for off-period item, got %v", err)
	}
	if _, err := svc.AddItem(ctx, "no-such-order", 11, 1); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	if len(appender.appended) != appendedBefore {
		t.Fatalf("validation failures must not append events: %d new", len(appender.appended)-appendedBefore)
	}
}

func TestRemoveItemClampsToLineRemoval(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	order, _ := svc.StartOrder(ctx)
	if _, err := svc.AddItem(ctx, order.OrderID, 13, 2); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	recap, err := svc.RemoveItem(ctx, order.OrderID, 13, 3)
	if err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if len(recap.OrderDetails) != 0 || recap.Total != 0 || recap.ItemsNumber != 0 {
		t.Fatalf("over-removal should clear the line: %+v", recap)
	}
}

func TestCancelPreservesRecap(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	order, _ := svc.StartOrder(ctx)
	if _, err := svc.AddItem(ctx, order.OrderID, 11, 2); err != nil {
		t.Fatalf("AddItem: %v", err)
	}
	if err := svc.Cancel(ctx, order.OrderID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	recap, err := svc.Recap(ctx, order.OrderID)
	if err != nil {
		t.Fatalf("Recap: %v", err)
	}
	if !recap.IsCanceled {
		t.Fatal("order should be canceled")
	}
	if recap.Total != contracts.Cents(1798) || recap.ItemsNumber != 2 {
		t.Fatalf("cancel altered totals: %+v", recap)
	}
}

func TestSetCustomerName(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	order, _ := svc.StartOrder(ctx)
	if err := svc.SetCustomerName(ctx, order.OrderID, "  "); !errors.Is(err, ErrNameRequired) {
		t.Fatalf("expected ErrNameRequired, got %v", err)
	}
	if err := svc.SetCustomerName(ctx, order.OrderID, "Dana"); err != nil {
		t.Fatalf("SetCustomerName: %v", err)
	}
	recap, _ := svc.Recap(ctx, order.OrderID)
	if recap.CustomerNickname != "Dana" {
		t.Fatalf("nickname = %q, want Dana", recap.CustomerNickname)
	}
}

func TestCurrentMenuFollowsServingPeriod(t *testing.T) {
	svc, store, _ := newTestService(t)
	store.seedMenu(t, menus.SeedMenus()[0]) // breakfast

	menu, err := svc.CurrentMenu(context.Background())
	if err != nil {
		t.Fatalf("CurrentMenu: %v", err)
	}
	if menu.MenuID != menus.PeriodLunch {
		t.Fatalf("menu = %s, want lunch", menu.MenuID)
	}

	svc.Now = func() time.Time { return time.Date(2026, 3, 14, 7, 0, 0, 0, time.UTC) }
	menu, err = svc.CurrentMenu(context.Background())
	if err != nil {
		t.Fatalf("CurrentMenu breakfast: %v", err)
	}
	if menu.MenuID != menus.PeriodBreakfast {
		t.Fatalf("menu = %s, want breakfast", menu.MenuID)
	}
}

func TestCurrentMenuMissing(t *testing.T) {
	store := newMemStore()
	svc := NewService(newMemAppender(), projection.New(store, nil), store)
	svc.Now = func() time.Time { return lunchTime }

	if _, err := svc.CurrentMenu(context.Background()); !errors.Is(err, ErrNoMenuAvailable) {
		t.Fatalf("expected ErrNoMenuAvailable, got %v", err)
	}
}

func TestCommitRetriesTransientAppendFailures(t *testing.T) {
	svc, _, appender := newTestService(t)
	appender.failures = 2

	order, err := svc.StartOrder(context.Background())
	if err != nil {
		t.Fatalf("StartOrder should survive transient failures: %v", err)
	}
	if order.OrderID == "" {
		t.Fatal("missing order id")
	}
}

func TestCommitGivesUpAfterMaxAttempts(t *testing.T) {
	svc, _, appender := newTestService(t)
	svc.MaxAttempts = 2
	appender.failures = 5

	if _, err := svc.StartOrder(context.Background()); err == nil {
		t.Fatal("expected failure once retries exhaust")
	}
}

type conflictingProjector struct {
	inner     Projector
	conflicts int
	calls     int
}

func (c *conflictingProjector) Project(ctx context.Context, evt contracts.Event) error {
	c.calls++
	if c.conflicts > 0 {
		c.conflicts--
		return viewstore.ErrConflict
	}
	return c.inner.Project(ctx, evt)
}

func TestCommitReRunsCycleOnConflict(t *testing.T) {
	store := newMemStore()
	store.seedMenu(t, menus.SeedMenus()[1])
	appender := newMemAppender()
	proj := &conflictingProjector{inner: projection.New(store, nil), conflicts: 2}
	svc := NewService(appender, proj, store)
	svc.Now = func() time.Time { return lunchTime }
	svc.RetryDelay = time.Millisecond

	if _, err := svc.StartOrder(context.Background()); err != nil {
		t.Fatalf("StartOrder: %v", err)
	}
	if proj.calls != 3 {
		t.Fatalf("expected 3 projection attempts (2 conflicts + success), got %d", proj.calls)
	}
}

func TestConflictsExhaustAsConflictError(t *testing.T) {
	store := newMemStore()
	store.seedMenu(t, menus.SeedMenus()[1])
	proj := &conflictingProjector{inner: projection.New(store, nil), conflicts: 100}
	svc := NewService(newMemAppender(), proj, store)
	svc.Now = func() time.Time { return lunchTime }
	svc.MaxAttempts = 3
	svc.RetryDelay = time.Millisecond

	_, err := svc.StartOrder(context.Background())
	if !errors.Is(err, viewstore.ErrConflict) {
		t.Fatalf("expected wrapped ErrConflict, got %v", err)
	}
}
