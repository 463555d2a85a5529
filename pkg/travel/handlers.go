package travel

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
	"time"

	"github.com/petrijr/stepwise/pkg/api"
)

// Context keys written by the handlers.
const (
	KeyDates     = "dates"
	KeyFlights   = "flights"
	KeyHotels    = "hotels"
	KeyWeather   = "weather"
	KeyBudget    = "budget"
	KeyItinerary = "itinerary"
)

// ErrMissingDates is returned by steps that run before pick_dates.
var ErrMissingDates = errors.New("travel dates not chosen yet")

// Handlers produces canned but deterministic travel data. The same
// destination always yields the same prices, which keeps demos and tests
// reproducible.
type Handlers struct {
	// Origin is the departure airport. Defaults to "HEL".
	Origin string
	// Currency labels the budget. Defaults to "EUR".
	Currency string
	// LeadTime is how far ahead of now the trip starts. Defaults to two weeks.
	LeadTime time.Duration
	Clock    api.Clock
}

// Register binds every travel step to eng.
func Register(eng api.Engine, h *Handlers) error {
	routes := map[string]api.HandlerFunc{
		StepPickDates:      h.PickDates,
		StepSearchFlights:  h.SearchFlights,
		StepSearchHotels:   h.SearchHotels,
		StepCheckWeather:   h.CheckWeather,
		StepEstimateBudget: h.EstimateBudget,
		StepWriteItinerary: h.WriteItinerary,
	}
	for name, fn := range routes {
		if err := eng.RegisterHandler(name, fn); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

func (h *Handlers) now() time.Time {
	if h.Clock == nil {
		return time.Now()
	}
	return h.Clock.Now()
}

func (h *Handlers) origin() string {
	if h.Origin == "" {
		return "HEL"
	}
	return h.Origin
}

func (h *Handlers) currency() string {
	if h.Currency == "" {
		return "EUR"
	}
	return h.Currency
}

// seed derives a stable number from s.
func seed(s string) uint32 {
	f := fnv.New32a()
	_, _ = f.Write([]byte(strings.ToLower(s)))
	return f.Sum32()
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func dates(c api.Context) (Dates, error) {
	d, ok := api.Lookup[Dates](c, KeyDates)
	if !ok {
		return Dates{}, ErrMissingDates
	}
	return d, nil
}

func (h *Handlers) PickDates(ctx context.Context, req api.StepRequest) (api.StepResult, error) {
	goal := ParseGoal(req.Goal)

	lead := h.LeadTime
	if lead <= 0 {
		lead = 14 * 24 * time.Hour
	}
	start := h.now().UTC().Add(lead).Truncate(24 * time.Hour)
	d := Dates{Depart: start, Return: start.AddDate(0, 0, goal.Nights)}

	return api.StepResult{
		Output: d,
		Patch:  api.Context{KeyDates: d},
	}, nil
}

var carriers = []string{"Finnair", "TAP", "Lufthansa", "KLM", "Iberia"}

func (h *Handlers) SearchFlights(ctx context.Context, req api.StepRequest) (api.StepResult, error) {
	d, err := dates(req.Context)
	if err != nil {
		return api.StepResult{}, err
	}
	goal := ParseGoal(req.Goal)
	s := seed(goal.Destination)

	opts := make([]FlightOption, 3)
	for i := range opts {
		opts[i] = FlightOption{
			Carrier: carriers[(int(s)+i)%len(carriers)],
			From:    h.origin(),
			To:      goal.Destination,
			Depart:  d.Depart.Add(time.Duration(7+3*i) * time.Hour),
			Price:   round2(120 + float64(s%180) + 45*float64(i)),
		}
	}

	f := Flights{Options: opts}
	return api.StepResult{Output: f, Patch: api.Context{KeyFlights: f}}, nil
}

var hotelNames = []string{"Harbour View", "Old Town Inn", "Grand Plaza", "Riverside Lodge"}

func (h *Handlers) SearchHotels(ctx context.Context, req api.StepRequest) (api.StepResult, error) {
	d, err := dates(req.Context)
	if err != nil {
		return api.StepResult{}, err
	}
	goal := ParseGoal(req.Goal)
	s := seed(goal.Destination)

	opts := make([]Hotel, 3)
	for i := range opts {
		opts[i] = Hotel{
			Name:        hotelNames[(int(s>>3)+i)%len(hotelNames)],
			Stars:       3 + i%3,
			NightlyRate: round2(70 + float64(s%90) + 40*float64(i)),
		}
	}

	res := Hotels{City: goal.Destination, Nights: d.Nights(), Options: opts}
	return api.StepResult{Output: res, Patch: api.Context{KeyHotels: res}}, nil
}

var skies = []string{"sunny", "partly cloudy", "showers", "windy", "clear"}

func (h *Handlers) CheckWeather(ctx context.Context, req api.StepRequest) (api.StepResult, error) {
	d, err := dates(req.Context)
	if err != nil {
		return api.StepResult{}, err
	}
	goal := ParseGoal(req.Goal)
	s := seed(goal.Destination)

	days := min(d.Nights()+1, 5)
	w := Weather{City: goal.Destination, Days: make([]Forecast, days)}
	for i := range w.Days {
		w.Days[i] = Forecast{
			Day:     d.Depart.AddDate(0, 0, i),
			Summary: skies[(int(s)+i)%len(skies)],
			HighC:   14 + int(s%12) + i%3,
		}
	}
	return api.StepResult{Output: w, Patch: api.Context{KeyWeather: w}}, nil
}

func (h *Handlers) EstimateBudget(ctx context.Context, req api.StepRequest) (api.StepResult, error) {
	costed := api.FindAll[Costed](req.Context)
	if len(costed) == 0 {
		return api.StepResult{}, errors.New("nothing to budget: no priced results in context")
	}

	b := Budget{Currency: h.currency(), Breakdown: make(map[string]float64, len(costed))}
	for key, c := range costed {
		cost := round2(c.TotalCost())
		b.Breakdown[key] = cost
		b.Total += cost
	}
	b.Total = round2(b.Total)

	return api.StepResult{Output: b, Patch: api.Context{KeyBudget: b}}, nil
}

func (h *Handlers) WriteItinerary(ctx context.Context, req api.StepRequest) (api.StepResult, error) {
	goal := ParseGoal(req.Goal)
	var sb strings.Builder

	fmt.Fprintf(&sb, "Trip to %s\n", goal.Destination)
	if d, ok := api.Lookup[Dates](req.Context, KeyDates); ok {
		fmt.Fprintf(&sb, "Dates: %s to %s (%d nights)\n",
			d.Depart.Format(time.DateOnly), d.Return.Format(time.DateOnly), d.Nights())
	}
	if f, ok := api.Lookup[Flights](req.Context, KeyFlights); ok && len(f.Options) > 0 {
		best := f.Options[0]
		fmt.Fprintf(&sb, "Flight: %s %s-%s at %s\n", best.Carrier, best.From, best.To, best.Depart.Format("15:04"))
	} else if goal.Drive {
		sb.WriteString("Travel: by car\n")
	}
	if hs, ok := api.Lookup[Hotels](req.Context, KeyHotels); ok && len(hs.Options) > 0 {
		fmt.Fprintf(&sb, "Hotel: %s (%d stars)\n", hs.Options[0].Name, hs.Options[0].Stars)
	}
	if w, ok := api.Lookup[Weather](req.Context, KeyWeather); ok {
		for _, day := range w.Days {
			fmt.Fprintf(&sb, "  %s: %s, %d°C\n", day.Day.Format("Mon 02 Jan"), day.Summary, day.HighC)
		}
	}
	if b, ok := api.Lookup[Budget](req.Context, KeyBudget); ok {
		fmt.Fprintf(&sb, "Budget: %.2f %s\n", b.Total, b.Currency)
	}

	it := Itinerary{Text: sb.String()}
	return api.StepResult{Output: it, Patch: api.Context{KeyItinerary: it}}, nil
}
