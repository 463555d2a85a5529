// Package travel is a small trip-planning domain for stepwise: a Planner that
// turns goals like "4 nights in Lisbon" into a chain of steps, and handlers
// that fill the workflow context with typed results.
//
// Results that carry a price implement Costed, so the budget step can total
// them without knowing their concrete types.
package travel
