package contracts

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrUnknownEventKind is returned when an (entity type, event type) pair is
// outside the closed set this system knows how to decode or fold.
var ErrUnknownEventKind = errors.New("unknown event kind")

type EntityType string

const (
	EntityOrder    EntityType = "Order"
	EntityFoodMenu EntityType = "FoodMenu"
)

type EventType string

const (
	EventMenuCreated         EventType = "MenuCreated"
	EventOrderCreated        EventType = "OrderCreated"
	EventItemAdded           EventType = "ItemAdded"
	EventItemRemoved         EventType = "ItemRemoved"
	EventOrderCanceled       EventType = "OrderCanceled"
	EventCustomerNameUpdated EventType = "CustomerNameUpdated"
)

// Event is one immutable record in a stream's history. Field names on the
// wire match the persisted record shape shared with other implementations.
type Event struct {
	ID         string          `json:"id"`
	StreamID   string          `json:"streamid"`
	Version    int64           `json:"version"`
	EntityType EntityType      `json:"entitytype"`
	EventType  EventType       `json:"eventtype"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
}

// View is the materialized current-state snapshot for one stream. It is
// replaced wholesale on every projection; ID always equals StreamID.
type View struct {
	ID         string          `json:"id"`
	StreamID   string          `json:"streamid"`
	Version    int64           `json:"version"`
	EntityType EntityType      `json:"entitytype"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
}

// ConcurrencyToken is the opaque tag a view store hands out on load and
// demands back on save. A nil *ConcurrencyToken means no stored view existed.
type ConcurrencyToken string

type MenuSnapshot struct {
	MenuID       string     `json:"menuid"`
	StartingTime string     `json:"startingtime"`
	EndTime      string     `json:"endtime"`
	Items        []MenuItem `json:"list"`
}

// MenuItem keys keep the original capitalization for interop with
// previously persisted menu documents.
type MenuItem struct {
	MenuItemID  int    `json:"MenuItemId"`
	Name        string `json:"Name"`
	Description string `json:"Description"`
	Price       Money  `json:"Price"`
}

type OrderSnapshot struct {
	OrderID          string      `json:"orderid"`
	OrderDate        string      `json:"orderdate"`
	ItemsNumber      int         `json:"itemsnumber"`
	Total            Money       `json:"total"`
	CustomerNickname string      `json:"customernickname"`
	OrderDetails     []OrderLine `json:"orderdetails"`
	IsCanceled       bool        `json:"iscanceled"`
}

type OrderLine struct {
	LineID     string `json:"orderdetailid"`
	MenuItemID int    `json:"menuitemid"`
	Quantity   int    `json:"quantity"`
	UnitPrice  Money  `json:"unitprice"`
	Subtotal   Money  `json:"subtotal"`
}

// NameChange carries only the nickname. It also decodes cleanly from a full
// order document, which is what older writers append for this event type.
type NameChange struct {
	CustomerNickname string `json:"customernickname"`
}

// OrderDateLayout is the order header date format inherited from the
// original persisted documents.
const OrderDateLayout = "2006/01/02 15:04:05"

// DecodePayload deserializes an event payload through the closed
// (entity type, event type) schema table. Kinds outside the table fail with
// ErrUnknownEventKind; payloads are never probed dynamically.
func DecodePayload(entity EntityType, kind EventType, data json.RawMessage) (any, error) {
	switch {
	case entity == EntityFoodMenu && kind == EventMenuCreated:
		var p MenuSnapshot
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case entity == EntityOrder && kind == EventOrderCreated:
		var p OrderSnapshot
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case entity == EntityOrder && (kind == EventItemAdded || kind == EventItemRemoved):
		var p OrderLine
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case entity == EntityOrder && kind == EventOrderCanceled:
		// Cancellation carries no payload.
		return nil, nil
	case entity == EntityOrder && kind == EventCustomerNameUpdated:
		var p NameChange
		if err := unmarshalPayload(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("%w: %s/%s", ErrUnknownEventKind, entity, kind)
	}
}

func unmarshalPayload(data json.RawMessage, dst any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode event payload: %w", err)
	}
	return nil
}
