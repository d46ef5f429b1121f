// Package market identifies up/down markets: the (market, asset) key every
// risk component is sharded by, and parsing of rolling-window market slugs.
package market

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Key identifies one market on one underlying asset.
type Key struct {
	MarketID string `json:"market_id"`
	Asset    string `json:"asset"`
}

// NewKey builds a key, normalizing the asset to upper case.
func NewKey(marketID, asset string) Key {
	return Key{MarketID: marketID, Asset: strings.ToUpper(asset)}
}

// String renders the key as "marketId:asset".
func (k Key) String() string {
	return k.MarketID + ":" + k.Asset
}

// slugRegex matches: {asset}-updown-{n}{m|h}-{unix start}
// Example: btc-updown-15m-1760000000
var slugRegex = regexp.MustCompile(`^([a-z0-9]+)-updown-([0-9]+)([mh])-([0-9]{9,11})$`)

var (
	ErrInvalidSlug   = errors.New("market: invalid up/down slug")
	ErrInvalidWindow = errors.New("market: unsupported window length")
)

var validWindows = map[time.Duration]bool{
	5 * time.Minute:  true,
	15 * time.Minute: true,
	time.Hour:        true,
	4 * time.Hour:    true,
}

// Window is a parsed rolling up/down market.
type Window struct {
	Slug   string        `json:"slug"`
	Asset  string        `json:"asset"`
	Length time.Duration `json:"length"`
	Start  time.Time     `json:"start"`
	End    time.Time     `json:"end"`
}

// Key returns the risk key for the window; the slug doubles as market id.
func (w *Window) Key() Key {
	return NewKey(w.Slug, w.Asset)
}

// ParseSlug parses and validates an up/down market slug.
// Format: {asset}-updown-{length}{m|h}-{unixStart}
func ParseSlug(slug string) (*Window, error) {
	matches := slugRegex.FindStringSubmatch(slug)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {asset}-updown-{n}{m|h}-{unix})", ErrInvalidSlug, slug)
	}

	n, err := strconv.Atoi(matches[2])
	if err != nil || n <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWindow, matches[2]+matches[3])
	}
	unit := time.Minute
	if matches[3] == "h" {
		unit = time.Hour
	}
	length := time.Duration(n) * unit
	if !validWindows[length] {
		return nil, fmt.Errorf("%w: %s", ErrInvalidWindow, length)
	}

	startUnix, err := strconv.ParseInt(matches[4], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid start %s", ErrInvalidSlug, matches[4])
	}
	start := time.Unix(startUnix, 0).UTC()

	return &Window{
		Slug:   slug,
		Asset:  strings.ToUpper(matches[1]),
		Length: length,
		Start:  start,
		End:    start.Add(length),
	}, nil
}
