// Package eventkey builds and parses the stable deduplication keys that make
// re-ingesting an exchange event a no-op.
//
// Format: {source}:{kind}:{account}:{instrument}:{ref}
// Example: hyperliquid:perp_fill:0xabc123:BTC:tid-889123
//
// ref is the exchange-assigned id when one exists, otherwise the event
// timestamp in unix nanoseconds.
package eventkey

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pnlbloom/pnl-engine/internal/model"
)

// DefaultSource is used when an event arrives without a source tag.
const DefaultSource = "exchange"

var keyRegex = regexp.MustCompile(
	`^([a-z0-9_.\-]+):([a-z_]+):([^:\s]+):([^:\s]+):([^:\s]+)$`,
)

var (
	ErrInvalidKey  = errors.New("eventkey: invalid key format")
	ErrInvalidKind = errors.New("eventkey: unsupported event kind")
)

// Key is the parsed form of a deduplication key.
type Key struct {
	Source     string
	Kind       model.EventKind
	Account    string
	Instrument string
	Ref        string
}

// String renders the key in its canonical form.
func (k Key) String() string {
	return strings.Join([]string{k.Source, string(k.Kind), k.Account, k.Instrument, k.Ref}, ":")
}

// Parse parses and validates a key string.
func Parse(s string) (Key, error) {
	m := keyRegex.FindStringSubmatch(s)
	if m == nil {
		return Key{}, fmt.Errorf("%w: %s (expected {source}:{kind}:{account}:{instrument}:{ref})",
			ErrInvalidKey, s)
	}
	kind := model.EventKind(m[2])
	if !kind.Valid() {
		return Key{}, fmt.Errorf("%w: %s", ErrInvalidKind, m[2])
	}
	return Key{
		Source:     m[1],
		Kind:       kind,
		Account:    m[3],
		Instrument: m[4],
		Ref:        m[5],
	}, nil
}

// For derives the key of an event. exchangeID may be empty, in which case
// the event timestamp is used as the reference.
func For(e model.Event, exchangeID string) Key {
	source := strings.ToLower(strings.TrimSpace(e.Source))
	if source == "" {
		source = DefaultSource
	}
	ref := sanitize(exchangeID)
	if ref == "" {
		ref = strconv.FormatInt(e.Time.UnixNano(), 10)
	}
	return Key{
		Source:     source,
		Kind:       e.Kind,
		Account:    sanitize(e.Account),
		Instrument: sanitize(e.Instrument),
		Ref:        ref,
	}
}

// Assign fills e.Key when it is empty and returns the resulting key string.
func Assign(e *model.Event, exchangeID string) string {
	if e.Key == "" {
		e.Key = For(*e, exchangeID).String()
	}
	return e.Key
}

// RefTime returns the timestamp encoded in a timestamp-based ref.
func (k Key) RefTime() (time.Time, bool) {
	n, err := strconv.ParseInt(k.Ref, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(0, n).UTC(), true
}

// sanitize replaces the separator and whitespace so any exchange value fits
// in one key segment.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r == ':' || r == ' ' || r == '\t' || r == '\n' {
			return '_'
		}
		return r
	}, s)
}
