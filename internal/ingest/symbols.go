package ingest

import (
	"fmt"
	"strings"
)

// Symbol mapping between the display form (BASE/QUOTE, e.g. BTC/USD) and
// the exchange forms. Kraken spells Bitcoin XBT, so BTC is substituted in
// both directions. The websocket API takes slash-separated pairs, REST
// takes them concatenated.

// ToExchangeWS converts BTC/USD to XBT/USD
func ToExchangeWS(display string) string {
	base, quote, ok := splitPair(display)
	if !ok {
		return display
	}
	return toKrakenAsset(base) + "/" + toKrakenAsset(quote)
}

// ToExchangeREST converts BTC/USD to XBTUSD
func ToExchangeREST(display string) string {
	base, quote, ok := splitPair(display)
	if !ok {
		return strings.ReplaceAll(display, "/", "")
	}
	return toKrakenAsset(base) + toKrakenAsset(quote)
}

// FromExchangeWS converts XBT/USD back to BTC/USD
func FromExchangeWS(pair string) (string, error) {
	base, quote, ok := splitPair(pair)
	if !ok {
		return "", fmt.Errorf("malformed exchange pair %q", pair)
	}
	return fromKrakenAsset(base) + "/" + fromKrakenAsset(quote), nil
}

func splitPair(pair string) (base, quote string, ok bool) {
	parts := strings.Split(pair, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func toKrakenAsset(asset string) string {
	if asset == "BTC" {
		return "XBT"
	}
	return asset
}

func fromKrakenAsset(asset string) string {
	if asset == "XBT" {
		return "BTC"
	}
	return asset
}

// BaseAsset returns the base of a display pair, e.g. BTC for BTC/USD
func BaseAsset(display string) string {
	base, _, ok := splitPair(display)
	if !ok {
		return display
	}
	return base
}
