package stats

import (
	"fmt"
	"html"
	"slices"
)

// Norm keys.
const (
	NormUpsell   = "відсоток"
	NormAvgCheck = "середній чек"
	NormSpeed    = "швидкість"
)

// Zone is a position of a metric value against its norm.
type Zone int

const (
	ZoneUnknown Zone = iota
	ZoneRed
	ZoneYellow
	ZoneGreen
)

// Zone keys as stored in the norms record and used in callbacks.
const (
	keyRed    = "червона"
	keyYellow = "жовта"
	keyGreen  = "зелена"
)

// ZoneKeys lists the editable thresholds in menu order.
var ZoneKeys = []string{keyRed, keyYellow, keyGreen}

func (z Zone) String() string {
	switch z {
	case ZoneRed:
		return keyRed
	case ZoneYellow:
		return keyYellow
	case ZoneGreen:
		return keyGreen
	default:
		return "—"
	}
}

// Emoji is the traffic light of the zone.
func (z Zone) Emoji() string {
	switch z {
	case ZoneRed:
		return "🔴"
	case ZoneYellow:
		return "🟡"
	case ZoneGreen:
		return "🟢"
	default:
		return "❔"
	}
}

// Bad reports whether the zone needs attention.
func (z Zone) Bad() bool { return z == ZoneRed || z == ZoneYellow }

// Norm holds the zone thresholds of one metric. A value below Red is red,
// below Yellow is yellow, anything else green. Green is informational.
type Norm map[string]float64

// Norms is the persisted norms record keyed by metric.
type Norms map[string]Norm

// DefaultNorms is the record content before the first save.
func DefaultNorms() Norms {
	return Norms{
		NormUpsell:   {keyRed: 75, keyYellow: 85, keyGreen: 90},
		NormAvgCheck: {keyRed: 300, keyYellow: 400, keyGreen: 500},
		NormSpeed:    {keyRed: 3, keyYellow: 5, keyGreen: 7},
	}
}

// Zone classifies value against the norm of metric.
func (n Norms) Zone(metric string, value float64) Zone {
	norm, ok := n[metric]
	if !ok {
		return ZoneUnknown
	}
	red, okRed := norm[keyRed]
	yellow, okYellow := norm[keyYellow]
	if !okRed || !okYellow {
		return ZoneUnknown
	}
	switch {
	case value < red:
		return ZoneRed
	case value < yellow:
		return ZoneYellow
	default:
		return ZoneGreen
	}
}

// Keys returns the metric names in a stable order.
func (n Norms) Keys() []string {
	keys := make([]string, 0, len(n))
	for k := range n {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Describe renders the thresholds of one metric.
func (n Norms) Describe(metric string) string {
	out := fmt.Sprintf("Норма: <b>%s</b>\n", html.EscapeString(metric))
	for i, key := range ZoneKeys {
		val := "не задано"
		if v, ok := n[metric][key]; ok {
			val = fmt.Sprintf("%g", v)
		}
		out += fmt.Sprintf("%s %s: %s\n", Zone(i+1).Emoji(), key, val)
	}
	return out
}

func validZoneKey(key string) bool {
	return slices.Contains(ZoneKeys, key)
}
