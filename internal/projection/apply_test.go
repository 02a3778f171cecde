package projection

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/goodfood/drivethru/internal/contracts"
)

var foldTime = time.Date(2026, 3, 14, 12, 30, 0, 0, time.UTC)

func orderEvent(t *testing.T, stream string, version int64, kind contracts.EventType, payload any) contracts.Event {
	t.Helper()
	var data json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode payload: %v", err)
		}
		data = encoded
	}
	return contracts.Event{
		ID:         "evt-" + stream,
		StreamID:   stream,
		Version:    version,
		EntityType: contracts.EntityOrder,
		EventType:  kind,
		Data:       data,
		Timestamp:  foldTime,
	}
}

func decodeOrder(t *testing.T, view contracts.View) contracts.OrderSnapshot {
	t.Helper()
	var order contracts.OrderSnapshot
	if err := json.Unmarshal(view.Data, &order); err != nil {
		t.Fatalf("decode order view: %v", err)
	}
	return order
}

func foldAll(t *testing.T, events ...contracts.Event) contracts.View {
	t.Helper()
	var view contracts.View
	for _, evt := range events {
		next, err := Apply(view, evt)
		if err != nil {
			t.Fatalf("Apply(version %d): %v", evt.Version, err)
		}
		view = next
	}
	return view
}

func TestApplyOrderCreated(t *testing.T) {
	header := contracts.OrderSnapshot{
		OrderID:          "o1",
		OrderDate:        "2026/03/14 12:30:00",
		CustomerNickname: "Anonymous",
		OrderDetails:     []contracts.OrderLine{},
	}
	view := foldAll(t, orderEvent(t, "o1", 1, contracts.EventOrderCreated, header))

	if view.Version != 1 || view.StreamID != "o1" || view.ID != "o1" || view.EntityType != contracts.EntityOrder {
		t.Fatalf("unexpected view envelope: %+v", view)
	}
	order := decodeOrder(t, view)
	if order.OrderID != "o1" || order.CustomerNickname != "Anonymous" || order.IsCanceled {
		t.Fatalf("unexpected order header: %+v", order)
	}
	if order.Total != 0 || order.ItemsNumber != 0 || len(order.OrderDetails) != 0 {
		t.Fatalf("new order is not empty: %+v", order)
	}
}

func TestApplyItemAddedMergesSameMenuItem(t *testing.T) {
	// Add 2x item 11 at 8.99, then 1 more: one line, qty 3, subtotal 26.97.
	view := foldAll(t,
		orderEvent(t, "o1", 1, contracts.EventOrderCreated, contracts.OrderSnapshot{OrderID: "o1"}),
		orderEvent(t, "o1", 2, contracts.EventItemAdded, contracts.OrderLine{
			LineID: "l1", MenuItemID: 11, Quantity: 2, UnitPrice: contracts.Cents(899), Subtotal: contracts.Cents(1798),
		}),
		orderEvent(t, "o1", 3, contracts.EventItemAdded, contracts.OrderLine{
			LineID: "l2", MenuItemID: 11, Quantity: 1, UnitPrice: contracts.Cents(899), Subtotal: contracts.Cents(899),
		}),
	)

	order := decodeOrder(t, view)
	if len(order.OrderDetails) != 1 {
		t.Fatalf("expected one merged line, got %d", len(order.OrderDetails))
	}
	line := order.OrderDetails[0]
	if line.Quantity != 3 || line.Subtotal != contracts.Cents(2697) {
		t.Fatalf("unexpected merged line: %+v", line)
	}
	if order.Total != contracts.Cents(2697) || order.ItemsNumber != 3 {
		t.Fatalf("unexpected totals: total=%s items=%d", order.Total, order.ItemsNumber)
	}
	if view.Version != 3 {
		t.Fatalf("view version = %d, want 3", view.Version)
	}
}

func TestApplyItemAddedDistinctItems(t *testing.T) {
	view := foldAll(t,
		orderEvent(t, "o1", 1, contracts.EventOrderCreated, contracts.OrderSnapshot{OrderID: "o1"}),
		orderEvent(t, "o1", 2, contracts.EventItemAdded, contracts.OrderLine{
			LineID: "l1", MenuItemID: 11, Quantity: 2, UnitPrice: contracts.Cents(899), Subtotal: contracts.Cents(1798),
		}),
		orderEvent(t, "o1", 3, contracts.EventItemAdded, contracts.OrderLine{
			LineID: "l2", MenuItemID: 13, Quantity: 1, UnitPrice: contracts.Cents(699), Subtotal: contracts.Cents(699),
		}),
	)

	order := decodeOrder(t, view)
	if len(order.OrderDetails) != 2 {
		t.Fatalf("expected two lines, got %d", len(order.OrderDetails))
	}
	if order.Total != contracts.Cents(2497) || order.ItemsNumber != 3 {
		t.Fatalf("unexpected totals: total=%s items=%d", order.Total, order.ItemsNumber)
	}
}

func TestApplyItemRemovedDecrements(t *testing.T) {
	view := foldAll(t,
		orderEvent(t, "o1", 1, contracts.EventOrderCreated, contracts.OrderSnapshot{OrderID: "o1"}),
		orderEvent(t, "o1", 2, contracts.EventItemAdded, contracts.OrderLine{
			LineID: "l1", MenuItemID: 5, Quantity: 3, UnitPrice: contracts.Cents(799), Subtotal: contracts.Cents(2397),
		}),
		orderEvent(t, "o1", 3, contracts.EventItemRemoved, contracts.OrderLine{
			LineID: "l2", MenuItemID: 5, Quantity: 1, UnitPrice: contracts.Cents(799), Subtotal: contracts.Cents(799),
		}),
	)

	order := decodeOrder(t, view)
	if len(order.OrderDetails) != 1 {
		t.Fatalf("expected one line, got %d", len(order.OrderDetails))
	}
	if order.OrderDetails[0].Quantity != 2 || order.OrderDetails[0].Subtotal != contracts.Cents(1598) {
		t.Fatalf("unexpected line after removal: %+v", order.OrderDetails[0])
	}
	if order.Total != contracts.Cents(1598) || order.ItemsNumber != 2 {
		t.Fatalf("unexpected totals: total=%s items=%d", order.Total, order.ItemsNumber)
	}
}

func TestApplyItemRemovedClampsOvershoot(t *testing.T) {
	// Add 2x at 5.99, remove 3: the line goes away entirely, totals zero.
	view := foldAll(t,
		orderEvent(t, "o1", 1, contracts.EventOrderCreated, contracts.OrderSnapshot{OrderID: "o1"}),
		orderEvent(t, "o1", 2, contracts.EventItemAdded, contracts.OrderLine{
			LineID: "l1", MenuItemID: 1, Quantity: 2, UnitPrice: contracts.Cents(599), Subtotal: contracts.Cents(1198),
		}),
		orderEvent(t, "o1", 3, contracts.EventItemRemoved, contracts.OrderLine{
			LineID: "l2", MenuItemID: 1, Quantity: 3, UnitPrice: contracts.Cents(599), Subtotal: contracts.Cents(1797),
		}),
	)

	order := decodeOrder(t, view)
	if len(order.OrderDetails) != 0 {
		t.Fatalf("expected no lines, got %+v", order.OrderDetails)
	}
	if order.Total != 0 || order.ItemsNumber != 0 {
		t.Fatalf("unexpected totals: total=%s items=%d", order.Total, order.ItemsNumber)
	}
}

func TestApplyItemRemovedMissingLineIsNoOp(t *testing.T) {
	view := foldAll(t,
		orderEvent(t, "o1", 1, contracts.EventOrderCreated, contracts.OrderSnapshot{OrderID: "o1"}),
		orderEvent(t, "o1", 2, contracts.EventItemAdded, contracts.OrderLine{
			LineID: "l1", MenuItemID: 1, Quantity: 1, UnitPrice: contracts.Cents(599), Subtotal: contracts.Cents(599),
		}),
		orderEvent(t, "o1", 3, contracts.EventItemRemoved, contracts.OrderLine{
			LineID: "l2", MenuItemID: 42, Quantity: 1,
		}),
	)

	order := decodeOrder(t, view)
	if len(order.OrderDetails) != 1 || order.Total != contracts.Cents(599) || order.ItemsNumber != 1 {
		t.Fatalf("removal of absent item changed the order: %+v", order)
	}
}

func TestApplyOrderCanceledPreservesLines(t *testing.T) {
	view := foldAll(t,
		orderEvent(t, "o1", 1, contracts.EventOrderCreated, contracts.OrderSnapshot{OrderID: "o1", CustomerNickname: "Anonymous"}),
		orderEvent(t, "o1", 2, contracts.EventItemAdded, contracts.OrderLine{
			LineID: "l1", MenuItemID: 21, Quantity: 2, UnitPrice: contracts.Cents(1599), Subtotal: contracts.Cents(3198),
		}),
		orderEvent(t, "o1", 3, contracts.EventOrderCanceled, nil),
	)

	order := decodeOrder(t, view)
	if !order.IsCanceled {
		t.Fatal("order should be canceled")
	}
	if len(order.OrderDetails) != 1 || order.Total != contracts.Cents(3198) || order.ItemsNumber != 2 {
		t.Fatalf("cancellation altered lines or totals: %+v", order)
	}
}

func TestApplyCustomerNameUpdatedTouchesOnlyNickname(t *testing.T) {
	view := foldAll(t,
		orderEvent(t, "o1", 1, contracts.EventOrderCreated, contracts.OrderSnapshot{OrderID: "o1", CustomerNickname: "Anonymous", OrderDate: "2026/03/14 12:30:00"}),
		orderEvent(t, "o1", 2, contracts.EventItemAdded, contracts.OrderLine{
			LineID: "l1", MenuItemID: 11, Quantity: 1, UnitPrice: contracts.Cents(899), Subtotal: contracts.Cents(899),
		}),
		orderEvent(t, "o1", 3, contracts.EventCustomerNameUpdated, contracts.NameChange{CustomerNickname: "Dana"}),
	)

	order := decodeOrder(t, view)
	if order.CustomerNickname != "Dana" {
		t.Fatalf("nickname = %q, want Dana", order.CustomerNickname)
	}
	if order.OrderID != "o1" || order.OrderDate != "2026/03/14 12:30:00" || order.Total != contracts.Cents(899) || order.ItemsNumber != 1 || order.IsCanceled {
		t.Fatalf("name update altered other fields: %+v", order)
	}
}

func TestApplyIsDeterministic(t *testing.T) {
	prior := foldAll(t,
		orderEvent(t, "o1", 1, contracts.EventOrderCreated, contracts.OrderSnapshot{OrderID: "o1"}),
		orderEvent(t, "o1", 2, contracts.EventItemAdded, contracts.OrderLine{
			LineID: "l1", MenuItemID: 11, Quantity: 2, UnitPrice: contracts.Cents(899), Subtotal: contracts.Cents(1798),
		}),
	)
	evt := orderEvent(t, "o1", 3, contracts.EventItemAdded, contracts.OrderLine{
		LineID: "l2", MenuItemID: 13, Quantity: 1, UnitPrice: contracts.Cents(699), Subtotal: contracts.Cents(699),
	})

	first, err := Apply(prior, evt)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	second, err := Apply(prior, evt)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(first.Data, second.Data) {
		t.Fatalf("Apply is not deterministic:\n%s\n%s", first.Data, second.Data)
	}
	if first.Version != second.Version || first.StreamID != second.StreamID || !first.Timestamp.Equal(second.Timestamp) {
		t.Fatalf("envelope mismatch: %+v vs %+v", first, second)
	}
}

func TestApplyMenuCreatedFreshView(t *testing.T) {
	menu := contracts.MenuSnapshot{
		MenuID:       "lunch",
		StartingTime: "11:00:00 AM",
		EndTime:      "03:59:59 PM",
		Items: []contracts.MenuItem{
			{MenuItemID: 11, Name: "Cheeseburger", Description: "Juicy beef burger with cheese", Price: contracts.Cents(899)},
		},
	}
	data, _ := json.Marshal(menu)
	evt := contracts.Event{
		ID: "e1", StreamID: "m1", Version: 1,
		EntityType: contracts.EntityFoodMenu, EventType: contracts.EventMenuCreated,
		Data: data, Timestamp: foldTime,
	}

	view, err := Apply(contracts.View{}, evt)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	var got contracts.MenuSnapshot
	if err := json.Unmarshal(view.Data, &got); err != nil {
		t.Fatalf("decode menu view: %v", err)
	}
	if got.MenuID != "lunch" || len(got.Items) != 1 || got.Items[0].Price != contracts.Cents(899) {
		t.Fatalf("unexpected menu view: %+v", got)
	}
}

func TestApplyMenuCreatedPreservesExistingFields(t *testing.T) {
	existing, _ := json.Marshal(contracts.MenuSnapshot{
		MenuID:       "lunch",
		StartingTime: "11:00:00 AM",
		EndTime:      "03:59:59 PM",
		Items:        []contracts.MenuItem{{MenuItemID: 11, Name: "Cheeseburger", Price: contracts.Cents(899)}},
	})
	prior := contracts.View{
		ID: "m1", StreamID: "m1", Version: 1,
		EntityType: contracts.EntityFoodMenu, Data: existing, Timestamp: foldTime,
	}

	incoming, _ := json.Marshal(contracts.MenuSnapshot{
		MenuID:       "dinner",
		StartingTime: "04:00:00 PM",
		Items:        []contracts.MenuItem{{MenuItemID: 21, Name: "Grilled Steak with Vegetables", Price: contracts.Cents(1599)}},
	})
	evt := contracts.Event{
		ID: "e2", StreamID: "m1", Version: 2,
		EntityType: contracts.EntityFoodMenu, EventType: contracts.EventMenuCreated,
		Data: incoming, Timestamp: foldTime,
	}

	view, err := Apply(prior, evt)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	var got contracts.MenuSnapshot
	if err := json.Unmarshal(view.Data, &got); err != nil {
		t.Fatalf("decode menu view: %v", err)
	}
	if got.MenuID != "lunch" || got.StartingTime != "11:00:00 AM" || got.EndTime != "03:59:59 PM" {
		t.Fatalf("existing menu fields were overwritten: %+v", got)
	}
	if len(got.Items) != 1 || got.Items[0].MenuItemID != 11 {
		t.Fatalf("existing items were overwritten: %+v", got.Items)
	}
	if view.Version != 2 {
		t.Fatalf("view version = %d, want 2", view.Version)
	}
}

func TestApplyRejectsUnknownKind(t *testing.T) {
	evt := orderEvent(t, "o1", 1, contracts.EventType("OrderPaymentProcessed"), nil)
	if _, err := Apply(contracts.View{}, evt); !errors.Is(err, contracts.ErrUnknownEventKind) {
		t.Fatalf("expected ErrUnknownEventKind, got %v", err)
	}
}

func TestApplyRejectsStreamMismatch(t *testing.T) {
	prior := contracts.View{StreamID: "o1", Version: 1}
	evt := orderEvent(t, "o2", 2, contracts.EventOrderCanceled, nil)
	if _, err := Apply(prior, evt); !errors.Is(err, ErrStreamMismatch) {
		t.Fatalf("expected ErrStreamMismatch, got %v", err)
	}
}
