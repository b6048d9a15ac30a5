package market

import "github.com/tomiyuta/webull-portfolio-rebalancer/webull"

// Field probe order for a usable price. Endpoints and SDK versions disagree
// on naming, so extraction walks this list rather than binding to a schema.
var priceFields = []string{
	"last_price", "last", "price", "p", "regular_price",
	"regularMarketPrice", "latestPrice", "close", "trade_price",
}

// Objects one level down that may hold the price fields.
var nestedKeys = []string{"quote", "snapshot", "last_trade"}

// ExtractPrice pulls the first strictly positive price out of a decoded
// response. List payloads use the first element; nested quote/snapshot
// objects are probed one level deep. Returns 0 when nothing usable is found
// — zero is never a valid price.
func ExtractPrice(env webull.Envelope) float64 {
	obj := env.Object()
	if obj == nil {
		return 0
	}
	return pick(obj)
}

func pick(obj map[string]any) float64 {
	for _, field := range priceFields {
		if v := webull.Num(obj, field); v > 0 {
			return v
		}
	}
	for _, key := range nestedKeys {
		if nested, ok := obj[key].(map[string]any); ok {
			if v := pickFlat(nested); v > 0 {
				return v
			}
		}
	}
	return 0
}

// pickFlat probes fields without recursing further; one level is the limit.
func pickFlat(obj map[string]any) float64 {
	for _, field := range priceFields {
		if v := webull.Num(obj, field); v > 0 {
			return v
		}
	}
	return 0
}

// ExtractBarClose pulls the close of the newest bar from an EOD payload,
// where each row wraps its bars in a "bars" array.
func ExtractBarClose(env webull.Envelope) float64 {
	for _, row := range env.List() {
		bars, ok := row["bars"].([]any)
		if !ok || len(bars) == 0 {
			// some payloads put the bar fields on the row itself
			if v := pickFlat(row); v > 0 {
				return v
			}
			continue
		}
		if bar, ok := bars[0].(map[string]any); ok {
			if v := pickFlat(bar); v > 0 {
				return v
			}
		}
	}
	return 0
}
