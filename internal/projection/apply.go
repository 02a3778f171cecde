// Package projection folds events into views. Apply is a pure function over
// the closed event-kind set; Projector wires it between the event log and
// the view store.
package projection

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/goodfood/drivethru/internal/contracts"
)

var ErrStreamMismatch = errors.New("event stream id does not match view")

// Apply folds one event into the prior view and returns the next view.
// It is deterministic: the same (prior, event) pair always yields the same
// output, and it touches no clock, store or global state.
func Apply(prior contracts.View, evt contracts.Event) (contracts.View, error) {
	if prior.StreamID != "" && prior.StreamID != evt.StreamID {
		return contracts.View{}, fmt.Errorf("%w: view %q, event %q", ErrStreamMismatch, prior.StreamID, evt.StreamID)
	}

	payload, err := contracts.DecodePayload(evt.EntityType, evt.EventType, evt.Data)
	if err != nil {
		return contracts.View{}, err
	}

	var data any
	switch evt.EntityType {
	case contracts.EntityFoodMenu:
		data, err = applyMenu(prior, payload)
	case contracts.EntityOrder:
		data, err = applyOrder(prior, evt.EventType, payload)
	default:
		err = fmt.Errorf("%w: %s", contracts.ErrUnknownEventKind, evt.EntityType)
	}
	if err != nil {
		return contracts.View{}, err
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		return contracts.View{}, fmt.Errorf("encode view data: %w", err)
	}
	return contracts.View{
		ID:         evt.StreamID,
		StreamID:   evt.StreamID,
		Version:    evt.Version,
		EntityType: evt.EntityType,
		Data:       encoded,
		Timestamp:  evt.Timestamp,
	}, nil
}

// applyMenu handles MenuCreated. Menus normally receive a single event; if a
// prior view somehow exists, its non-empty fields win over the incoming ones.
func applyMenu(prior contracts.View, payload any) (contracts.MenuSnapshot, error) {
	incoming, _ := payload.(*contracts.MenuSnapshot)
	if incoming == nil {
		incoming = &contracts.MenuSnapshot{}
	}

	next := *incoming
	if len(prior.Data) > 0 {
		var existing contracts.MenuSnapshot
		if err := json.Unmarshal(prior.Data, &existing); err != nil {
			return contracts.MenuSnapshot{}, fmt.Errorf("decode prior menu view: %w", err)
		}
		if existing.MenuID != "" {
			next.MenuID = existing.MenuID
		}
		if existing.StartingTime != "" {
			next.StartingTime = existing.StartingTime
		}
		if existing.EndTime != "" {
			next.EndTime = existing.EndTime
		}
		if existing.Items != nil {
			next.Items = existing.Items
		}
	}
	if next.Items == nil {
		next.Items = []contracts.MenuItem{}
	}
	return next, nil
}

func applyOrder(prior contracts.View, kind contracts.EventType, payload any) (contracts.OrderSnapshot, error) {
	var order contracts.OrderSnapshot
	if len(prior.Data) > 0 {
		if err := json.Unmarshal(prior.Data, &order); err != nil {
			return contracts.OrderSnapshot{}, fmt.Errorf("decode prior order view: %w", err)
		}
	}
	if order.OrderDetails == nil {
		order.OrderDetails = []contracts.OrderLine{}
	}

	switch kind {
	case contracts.EventOrderCreated:
		header, _ := payload.(*contracts.OrderSnapshot)
		if header == nil {
			header = &contracts.OrderSnapshot{}
		}
		order = contracts.OrderSnapshot{
			OrderID:          header.OrderID,
			OrderDate:        header.OrderDate,
			CustomerNickname: header.CustomerNickname,
			OrderDetails:     []contracts.OrderLine{},
		}

	case contracts.EventItemAdded:
		line, _ := payload.(*contracts.OrderLine)
		if line == nil {
			break
		}
		merged := false
		for i := range order.OrderDetails {
			if order.OrderDetails[i].MenuItemID == line.MenuItemID {
				order.OrderDetails[i].Quantity += line.Quantity
				order.OrderDetails[i].Subtotal = order.OrderDetails[i].UnitPrice.Mul(order.OrderDetails[i].Quantity)
				merged = true
				break
			}
		}
		if !merged {
			order.OrderDetails = append(order.OrderDetails, *line)
		}

	case contracts.EventItemRemoved:
		line, _ := payload.(*contracts.OrderLine)
		if line == nil {
			break
		}
		for i := range order.OrderDetails {
			if order.OrderDetails[i].MenuItemID != line.MenuItemID {
				continue
			}
			// Removing at least the held quantity deletes the line; the
			// overshoot is clamped, not rejected.
			if line.Quantity >= order.OrderDetails[i].Quantity {
				order.OrderDetails = append(order.OrderDetails[:i], order.OrderDetails[i+1:]...)
			} else {
				order.OrderDetails[i].Quantity -= line.Quantity
				order.OrderDetails[i].Subtotal = order.OrderDetails[i].UnitPrice.Mul(order.OrderDetails[i].Quantity)
			}
			break
		}

	case contracts.EventOrderCanceled:
		order.IsCanceled = true

	case contracts.EventCustomerNameUpdated:
		change, _ := payload.(*contracts.NameChange)
		if change != nil {
			order.CustomerNickname = change.CustomerNickname
		}

	default:
		return contracts.OrderSnapshot{}, fmt.Errorf("%w: %s/%s", contracts.ErrUnknownEventKind, contracts.EntityOrder, kind)
	}

	// Totals are recomputed from the full line list rather than adjusted
	// incrementally, keeping the invariants exact under any history.
	order.Total = 0
	order.ItemsNumber = 0
	for _, l := range order.OrderDetails {
		order.Total += l.Subtotal
		order.ItemsNumber += l.Quantity
	}
	return order, nil
}
