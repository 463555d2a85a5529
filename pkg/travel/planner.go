package travel

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/stepwise/pkg/api"
)

// Step names understood by the handlers in this package.
const (
	StepPickDates      = "pick_dates"
	StepSearchFlights  = "search_flights"
	StepSearchHotels   = "search_hotels"
	StepCheckWeather   = "check_weather"
	StepEstimateBudget = "estimate_budget"
	StepWriteItinerary = "write_itinerary"
)

const defaultNights = 3

var (
	destinationRe = regexp.MustCompile(`\b(?i:to|in|visit)\s+([A-Z][\p{L}-]*(?:\s+[A-Z][\p{L}-]*)*)`)
	nightsRe      = regexp.MustCompile(`(?i)\b(\d{1,2})\s*(?:nights?|days?)\b`)
	driveRe       = regexp.MustCompile(`(?i)\b(?:drive|driving|road\s*trip)\b`)
)

// Request is what the planner and handlers read out of a goal.
type Request struct {
	Destination string
	Nights      int
	Drive       bool
}

// ParseGoal extracts the destination and trip length from a free-form goal.
// Unknown destinations are reported as "Anywhere"; the length defaults to
// three nights.
func ParseGoal(goal string) Request {
	req := Request{Destination: "Anywhere", Nights: defaultNights}
	if m := destinationRe.FindStringSubmatch(goal); m != nil {
		req.Destination = strings.TrimSpace(m[1])
	}
	if m := nightsRe.FindStringSubmatch(goal); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
			req.Nights = n
		}
	}
	req.Drive = driveRe.MatchString(goal)
	return req
}

// Planner turns a trip goal into a fixed chain of travel steps.
type Planner struct {
	// HoldBeforeBudget inserts a wait step before the budget estimate, as if
	// waiting for quotes to settle. Zero disables it. Planned waits are whole
	// milliseconds, so the hold is rounded up.
	HoldBeforeBudget time.Duration
}

func ceilMillis(d time.Duration) int64 {
	return int64((d + time.Millisecond - 1) / time.Millisecond)
}

// Plan implements api.Planner.
func (p Planner) Plan(ctx context.Context, goal string) ([]api.PlannedStep, error) {
	if strings.TrimSpace(goal) == "" {
		return nil, fmt.Errorf("%w: empty goal", api.ErrInvalidPlan)
	}
	req := ParseGoal(goal)

	steps := []api.PlannedStep{
		{Name: StepPickDates, Agent: "calendar"},
	}
	if !req.Drive {
		steps = append(steps, api.PlannedStep{Name: StepSearchFlights, Agent: "flights"})
	}
	steps = append(steps,
		api.PlannedStep{Name: StepSearchHotels, Agent: "hotels"},
		api.PlannedStep{Name: StepCheckWeather, Agent: "weather"},
	)
	if p.HoldBeforeBudget > 0 {
		steps = append(steps, api.PlannedStep{
			Name:  api.WaitPrefix + strconv.FormatInt(ceilMillis(p.HoldBeforeBudget), 10),
			Agent: "scheduler",
		})
	}
	steps = append(steps,
		api.PlannedStep{Name: StepEstimateBudget, Agent: "accountant"},
		api.PlannedStep{Name: StepWriteItinerary, Agent: "writer"},
	)
	return steps, nil
}
