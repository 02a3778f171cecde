// Package menus owns meal-period resolution and the bootstrap seeding of the
// three daily menus.
package menus

import (
	"context"
	"time"

	"github.com/nats-io/nuid"

	"github.com/goodfood/drivethru/internal/contracts"
)

const (
	PeriodBreakfast = "breakfast"
	PeriodLunch     = "lunch"
	PeriodDinner    = "dinner"
)

// PeriodAt maps a wall-clock time onto the serving period: breakfast
// 04:00-10:59, lunch 11:00-14:59, dinner otherwise (including overnight).
func PeriodAt(t time.Time) string {
	minutes := t.Hour()*60 + t.Minute()
	switch {
	case minutes >= 4*60 && minutes < 11*60:
		return PeriodBreakfast
	case minutes >= 11*60 && minutes < 15*60:
		return PeriodLunch
	default:
		return PeriodDinner
	}
}

// SeedMenus returns the initial catalog, one snapshot per serving period.
func SeedMenus() []contracts.MenuSnapshot {
	return []contracts.MenuSnapshot{
		{
			MenuID:       PeriodBreakfast,
			StartingTime: "04:00:00 AM",
			EndTime:      "10:59:59 AM",
			Items: []contracts.MenuItem{
				{MenuItemID: 1, Name: "Pancakes with Syrup", Description: "Fluffy pancakes with syrup", Price: contracts.Cents(599)},
				{MenuItemID: 2, Name: "Scrambled Eggs with Toast", Description: "Scrambled eggs with toast", Price: contracts.Cents(499)},
				{MenuItemID: 3, Name: "Bacon and Egg Sandwich", Description: "Bacon and egg sandwich", Price: contracts.Cents(699)},
				{MenuItemID: 4, Name: "French Toast", Description: "French toast with syrup", Price: contracts.Cents(599)},
				{MenuItemID: 5, Name: "Breakfast Burrito", Description: "Burrito with eggs, bacon, and cheese", Price: contracts.Cents(799)},
				{MenuItemID: 6, Name: "Oatmeal with Fruit", Description: "Oatmeal topped with fresh fruit", Price: contracts.Cents(499)},
				{MenuItemID: 7, Name: "Sausage and Egg Muffin", Description: "Muffin with sausage and egg", Price: contracts.Cents(599)},
				{MenuItemID: 8, Name: "Yogurt Parfait", Description: "Yogurt with granola and fruit", Price: contracts.Cents(399)},
				{MenuItemID: 9, Name: "Bagel with Cream Cheese", Description: "Bagel with cream cheese", Price: contracts.Cents(399)},
				{MenuItemID: 10, Name: "Waffles with Berries", Description: "Waffles topped with berries", Price: contracts.Cents(699)},
			},
		},
		{
			MenuID:       PeriodLunch,
			StartingTime: "11:00:00 AM",
			EndTime:      "03:59:59 PM",
			Items: []contracts.MenuItem{
				{MenuItemID: 11, Name: "Cheeseburger", Description: "Juicy beef burger with cheese", Price: contracts.Cents(899)},
				{MenuItemID: 12, Name: "Grilled Chicken Sandwich", Description: "Grilled chicken sandwich with lettuce and tomato", Price: contracts.Cents(799)},
				{MenuItemID: 13, Name: "Caesar Salad", Description: "Caesar salad with croutons and parmesan", Price: contracts.Cents(699)},
				{MenuItemID: 14, Name: "Turkey Club Sandwich", Description: "Turkey club sandwich with bacon and avocado", Price: contracts.Cents(999)},
				{MenuItemID: 15, Name: "Veggie Wrap", Description: "Wrap with assorted vegetables and hummus", Price: contracts.Cents(799)},
				{MenuItemID: 16, Name: "Chicken Caesar Wrap", Description: "Wrap with chicken, lettuce, and Caesar dressing", Price: contracts.Cents(899)},
				{MenuItemID: 17, Name: "BLT Sandwich", Description: "Bacon, lettuce, and tomato sandwich", Price: contracts.Cents(699)},
				{MenuItemID: 18, Name: "Tuna Salad Sandwich", Description: "Tuna salad sandwich with lettuce", Price: contracts.Cents(799)},
				{MenuItemID: 19, Name: "BBQ Pulled Pork Sandwich", Description: "Pulled pork sandwich with BBQ sauce", Price: contracts.Cents(999)},
				{MenuItemID: 20, Name: "Chicken Quesadilla", Description: "Quesadilla with chicken and cheese", Price: contracts.Cents(899)},
			},
		},
		{
			MenuID:       PeriodDinner,
			StartingTime: "04:00:00 PM",
			EndTime:      "01:59:59 AM",
			Items: []contracts.MenuItem{
				{MenuItemID: 21, Name: "Grilled Steak with Vegetables", Description: "Grilled steak with a side of vegetables", Price: contracts.Cents(1599)},
				{MenuItemID: 22, Name: "Spaghetti Bolognese", Description: "Spaghetti with Bolognese sauce", Price: contracts.Cents(1299)},
				{MenuItemID: 23, Name: "Grilled Salmon with Rice", Description: "Grilled salmon with a side of rice", Price: contracts.Cents(1499)},
				{MenuItemID: 24, Name: "Chicken Alfredo Pasta", Description: "Pasta with Alfredo sauce and chicken", Price: contracts.Cents(1399)},
				{MenuItemID: 25, Name: "Beef Tacos", Description: "Tacos with seasoned beef and toppings", Price: contracts.Cents(1199)},
				{MenuItemID: 26, Name: "Shrimp Scampi", Description: "Shrimp scampi with garlic butter sauce", Price: contracts.Cents(1699)},
				{MenuItemID: 27, Name: "BBQ Ribs", Description: "BBQ ribs with a side of coleslaw", Price: contracts.Cents(1799)},
				{MenuItemID: 28, Name: "Chicken Parmesan", Description: "Chicken Parmesan with marinara sauce", Price: contracts.Cents(1499)},
				{MenuItemID: 29, Name: "Beef Stir Fry", Description: "Beef stir fry with vegetables", Price: contracts.Cents(1399)},
				{MenuItemID: 30, Name: "Vegetable Lasagna", Description: "Lasagna with assorted vegetables", Price: contracts.Cents(1299)},
			},
		},
	}
}

type Appender interface {
	Append(ctx context.Context, streamID string, entity contracts.EntityType, kind contracts.EventType, payload any) (contracts.Event, error)
}

type Projector interface {
	Project(ctx context.Context, evt contracts.Event) error
}

type MenuChecker interface {
	HasMenuViews(ctx context.Context) (bool, error)
}

// Seeder creates the initial menu streams on first startup. The
// check-then-act is not atomic across concurrent first startups; the
// command API runs single-instance.
type Seeder struct {
	Events    Appender
	Projector Projector
	Views     MenuChecker
	NewID     func() string
}

func NewSeeder(events Appender, projector Projector, views MenuChecker) *Seeder {
	return &Seeder{Events: events, Projector: projector, Views: views, NewID: nuid.Next}
}

// Run appends and projects one MenuCreated per serving period if no menu
// view exists yet. It returns the number of menus seeded; a second startup
// finds the views in place and appends nothing.
func (s *Seeder) Run(ctx context.Context) (int, error) {
	exists, err := s.Views.HasMenuViews(ctx)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, nil
	}

	seeded := 0
	for _, menu := range SeedMenus() {
		evt, err := s.Events.Append(ctx, s.NewID(), contracts.EntityFoodMenu, contracts.EventMenuCreated, menu)
		if err != nil {
			return seeded, err
		}
		if err := s.Projector.Project(ctx, evt); err != nil {
			return seeded, err
		}
		seeded++
	}
	return seeded, nil
}
