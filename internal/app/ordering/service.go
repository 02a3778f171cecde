// Package ordering implements the drive-thru order operations on top of the
// event log and view store. Each operation appends one event and runs the
// load-fold-save cycle, retrying the whole cycle on optimistic-concurrency
// conflicts and backing off on transient store failures.
package ordering

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/nats-io/nuid"

	"github.com/goodfood/drivethru/internal/app/menus"
	"github.com/goodfood/drivethru/internal/contracts"
	"github.com/goodfood/drivethru/internal/platform/metrics"
	"github.com/goodfood/drivethru/internal/sharding"
	"github.com/goodfood/drivethru/internal/viewstore"
)

var (
	ErrOrderIDRequired = errors.New("order id is required")
	ErrQuantityInvalid = errors.New("quantity must be a positive number")
	ErrNameRequired    = errors.New("customer name is required")
	ErrUnknownMenuItem = errors.New("menu item is not on the current menu")
	ErrNoMenuAvailable = errors.New("no menu is currently available")
	ErrOrderNotFound   = errors.New("order not found")
)

var commandsTotal = metrics.NewCounterVec(metrics.Opts{
	Name: "goodfood_commands_total",
	Help: "Order commands processed, by action and outcome.",
}, []string{"action", "outcome"})

func init() {
	metrics.Default.MustRegister(commandsTotal)
}

type EventAppender interface {
	Append(ctx context.Context, streamID string, entity contracts.EntityType, kind contracts.EventType, payload any) (contracts.Event, error)
}

type Projector interface {
	Project(ctx context.Context, evt contracts.Event) error
}

type ViewReader interface {
	Load(ctx context.Context, streamID string) (contracts.View, *contracts.ConcurrencyToken, error)
	QueryMenuByID(ctx context.Context, menuID string) (contracts.View, error)
}

type PublishFunc func(subject string, payload []byte) error

type Service struct {
	Events    EventAppender
	Projector Projector
	Views     ViewReader

	// Publish fans committed events out to interested consumers. It is
	// best-effort: the log and view are already durable when it runs.
	Publish PublishFunc

	Now   func() time.Time
	NewID func() string

	// MaxAttempts bounds both the conflict-reload loop and transient
	// retries; RetryDelay is the base backoff between transient attempts.
	MaxAttempts int
	RetryDelay  time.Duration
}

func NewService(events EventAppender, projector Projector, views ViewReader) *Service {
	return &Service{
		Events:      events,
		Projector:   projector,
		Views:       views,
		Now:         time.Now,
		NewID:       nuid.Next,
		MaxAttempts: 5,
		RetryDelay:  50 * time.Millisecond,
	}
}

// CurrentMenu resolves the menu for the current serving period.
func (s *Service) CurrentMenu(ctx context.Context) (contracts.MenuSnapshot, error) {
	period := menus.PeriodAt(s.Now())
	view, err := s.Views.QueryMenuByID(ctx, period)
	if err != nil {
		if errors.Is(err, viewstore.ErrViewNotFound) {
			return contracts.MenuSnapshot{}, fmt.Errorf("%w for %s", ErrNoMenuAvailable, period)
		}
		return contracts.MenuSnapshot{}, err
	}
	var menu contracts.MenuSnapshot
	if err := json.Unmarshal(view.Data, &menu); err != nil {
		return contracts.MenuSnapshot{}, fmt.Errorf("decode menu view: %w", err)
	}
	return menu, nil
}

// StartOrder opens a new order stream and returns its initial snapshot.
func (s *Service) StartOrder(ctx context.Context) (contracts.OrderSnapshot, error) {
	header := contracts.OrderSnapshot{
		OrderID:          s.NewID(),
		OrderDate:        s.Now().UTC().Format(contracts.OrderDateLayout),
		CustomerNickname: "Anonymous",
		OrderDetails:     []contracts.OrderLine{},
	}
	if err := s.commit(ctx, "create", header.OrderID, contracts.EventOrderCreated, header); err != nil {
		return contracts.OrderSnapshot{}, err
	}
	return header, nil
}

// AddItem puts qty units of a current-menu item on the order, merging with
// an existing line for the same item.
func (s *Service) AddItem(ctx context.Context, orderID string, menuItemID, qty int) (contracts.OrderSnapshot, error) {
	line, err := s.buildLine(ctx, orderID, menuItemID, qty)
	if err != nil {
		return contracts.OrderSnapshot{}, err
	}
	if err := s.commit(ctx, "add-item", orderID, contracts.EventItemAdded, line); err != nil {
		return contracts.OrderSnapshot{}, err
	}
	return s.Recap(ctx, orderID)
}

// RemoveItem takes qty units of an item off the order. Removing more than
// the order holds clears the line; it is not an error.
func (s *Service) RemoveItem(ctx context.Context, orderID string, menuItemID, qty int) (contracts.OrderSnapshot, error) {
	line, err := s.buildLine(ctx, orderID, menuItemID, qty)
	if err != nil {
		return contracts.OrderSnapshot{}, err
	}
	if err := s.commit(ctx, "remove-item", orderID, contracts.EventItemRemoved, line); err != nil {
		return contracts.OrderSnapshot{}, err
	}
	return s.Recap(ctx, orderID)
}

// Cancel marks the whole order canceled; lines and totals stay readable.
func (s *Service) Cancel(ctx context.Context, orderID string) error {
	if _, err := s.Recap(ctx, orderID); err != nil {
		return err
	}
	return s.commit(ctx, "cancel", orderID, contracts.EventOrderCanceled, nil)
}

// SetCustomerName records the customer's name on the order.
func (s *Service) SetCustomerName(ctx context.Context, orderID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrNameRequired
	}
	if _, err := s.Recap(ctx, orderID); err != nil {
		return err
	}
	return s.commit(ctx, "set-name", orderID, contracts.EventCustomerNameUpdated, contracts.NameChange{CustomerNickname: name})
}

// Recap returns the order's current snapshot.
func (s *Service) Recap(ctx context.Context, orderID string) (contracts.OrderSnapshot, error) {
	if strings.TrimSpace(orderID) == "" {
		return contracts.OrderSnapshot{}, ErrOrderIDRequired
	}
	view, token, err := s.Views.Load(ctx, orderID)
	if err != nil {
		return contracts.OrderSnapshot{}, err
	}
	if token == nil {
		return contracts.OrderSnapshot{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	var order contracts.OrderSnapshot
	if err := json.Unmarshal(view.Data, &order); err != nil {
		return contracts.OrderSnapshot{}, fmt.Errorf("decode order view: %w", err)
	}
	return order, nil
}

// buildLine validates the command against the current menu and prices the
// line from it, before anything is appended.
func (s *Service) buildLine(ctx context.Context, orderID string, menuItemID, qty int) (contracts.OrderLine, error) {
	if strings.TrimSpace(orderID) == "" {
		return contracts.OrderLine{}, ErrOrderIDRequired
	}
	if qty <= 0 {
		return contracts.OrderLine{}, ErrQuantityInvalid
	}
	if _, err := s.Recap(ctx, orderID); err != nil {
		return contracts.OrderLine{}, err
	}

	menu, err := s.CurrentMenu(ctx)
	if err != nil {
		return contracts.OrderLine{}, err
	}
	for _, item := range menu.Items {
		if item.MenuItemID == menuItemID {
			return contracts.OrderLine{
				LineID:     s.NewID(),
				MenuItemID: menuItemID,
				Quantity:   qty,
				UnitPrice:  item.Price,
				Subtotal:   item.Price.Mul(qty),
			}, nil
		}
	}
	return contracts.OrderLine{}, fmt.Errorf("%w: item %d", ErrUnknownMenuItem, menuItemID)
}

// commit appends the event, projects it into the view, and fans it out.
// A conflicting projection re-runs the whole load-fold-save cycle; transient
// failures back off and retry up to MaxAttempts.
func (s *Service) commit(ctx context.Context, action, streamID string, kind contracts.EventType, payload any) error {
	evt, err := s.appendWithRetry(ctx, streamID, kind, payload)
	if err != nil {
		commandsTotal.WithLabelValues(action, "append_failed").Inc()
		return err
	}

	var lastErr error
	for attempt := 0; attempt < s.attempts(); attempt++ {
		lastErr = s.Projector.Project(ctx, evt)
		if lastErr == nil {
			break
		}
		if errors.Is(lastErr, viewstore.ErrConflict) {
			// Project reloads the now-current view on the next pass;
			// retrying with stale state would be wrong.
			continue
		}
		if err := s.backoff(ctx, attempt); err != nil {
			return err
		}
	}
	if lastErr != nil {
		commandsTotal.WithLabelValues(action, "project_failed").Inc()
		return fmt.Errorf("project event %s on stream %q: %w", kind, streamID, lastErr)
	}

	s.publish(evt)
	commandsTotal.WithLabelValues(action, "ok").Inc()
	return nil
}

func (s *Service) appendWithRetry(ctx context.Context, streamID string, kind contracts.EventType, payload any) (contracts.Event, error) {
	var lastErr error
	for attempt := 0; attempt < s.attempts(); attempt++ {
		evt, err := s.Events.Append(ctx, streamID, contracts.EntityOrder, kind, payload)
		if err == nil {
			return evt, nil
		}
		lastErr = err
		if err := s.backoff(ctx, attempt); err != nil {
			return contracts.Event{}, err
		}
	}
	return contracts.Event{}, fmt.Errorf("append %s to stream %q: %w", kind, streamID, lastErr)
}

func (s *Service) publish(evt contracts.Event) {
	if s.Publish == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		log.Printf("encode event %s for publish: %v", evt.ID, err)
		return
	}
	subject := sharding.EventSubject(string(evt.EntityType), evt.StreamID)
	if err := s.Publish(subject, payload); err != nil {
		// The event is durable already; the repair sweep catches up any
		// consumer that missed this notification.
		log.Printf("publish event %s to %s: %v", evt.ID, subject, err)
	}
}

func (s *Service) attempts() int {
	if s.MaxAttempts <= 0 {
		return 1
	}
	return s.MaxAttempts
}

func (s *Service) backoff(ctx context.Context, attempt int) error {
	if s.RetryDelay <= 0 {
		return ctx.Err()
	}
	delay := s.RetryDelay * time.Duration(attempt+1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
