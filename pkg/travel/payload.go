package travel

import (
	"slices"
	"time"

	"github.com/petrijr/stepwise/pkg/api"
)

func init() {
	api.RegisterPayload(Dates{})
	api.RegisterPayload(Flights{})
	api.RegisterPayload(Hotels{})
	api.RegisterPayload(Weather{})
	api.RegisterPayload(Budget{})
	api.RegisterPayload(Itinerary{})
}

const (
	KindDates     api.PayloadKind = "dates"
	KindFlights   api.PayloadKind = "flights"
	KindHotels    api.PayloadKind = "hotels"
	KindWeather   api.PayloadKind = "weather"
	KindBudget    api.PayloadKind = "budget"
	KindItinerary api.PayloadKind = "itinerary"
)

// Costed is implemented by results that carry a price. The budget step sums
// every Costed value in the workflow context.
type Costed interface {
	api.Payload
	TotalCost() float64
}

// Dates is the travel window.
type Dates struct {
	Depart time.Time
	Return time.Time
}

func (Dates) Kind() api.PayloadKind { return KindDates }

// Nights is the number of nights between Depart and Return.
func (d Dates) Nights() int {
	return int(d.Return.Sub(d.Depart).Hours() / 24)
}

type FlightOption struct {
	Carrier string
	From    string
	To      string
	Depart  time.Time
	Price   float64
}

// Flights lists return-trip options, cheapest first.
type Flights struct {
	Options []FlightOption
}

func (Flights) Kind() api.PayloadKind { return KindFlights }

// TotalCost is the price of the cheapest option.
func (f Flights) TotalCost() float64 {
	if len(f.Options) == 0 {
		return 0
	}
	return f.Options[0].Price
}

type Hotel struct {
	Name        string
	Stars       int
	NightlyRate float64
}

// Hotels lists hotels in City for Nights nights, cheapest first.
type Hotels struct {
	City    string
	Nights  int
	Options []Hotel
}

func (Hotels) Kind() api.PayloadKind { return KindHotels }

// TotalCost is the cheapest hotel for the whole stay.
func (h Hotels) TotalCost() float64 {
	if len(h.Options) == 0 {
		return 0
	}
	return h.Options[0].NightlyRate * float64(h.Nights)
}

type Forecast struct {
	Day     time.Time
	Summary string
	HighC   int
}

type Weather struct {
	City string
	Days []Forecast
}

func (Weather) Kind() api.PayloadKind { return KindWeather }

// Budget is the sum of every Costed result, per context key.
type Budget struct {
	Currency  string
	Breakdown map[string]float64
	Total     float64
}

func (Budget) Kind() api.PayloadKind { return KindBudget }

// Items returns the breakdown keys in stable order.
func (b Budget) Items() []string {
	keys := make([]string, 0, len(b.Breakdown))
	for k := range b.Breakdown {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

type Itinerary struct {
	Text string
}

func (Itinerary) Kind() api.PayloadKind { return KindItinerary }
