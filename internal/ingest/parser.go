// Package ingest turns raw exchange payloads into stored events. Payloads
// arrive over HTTP or NATS JetStream and share one parse and dedup path.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pnlbloom/pnl-engine/internal/eventkey"
	"github.com/pnlbloom/pnl-engine/internal/model"
)

var (
	ErrMalformed      = errors.New("ingest: malformed event")
	ErrMissingAccount = errors.New("ingest: account is required")
	ErrMissingTime    = errors.New("ingest: time is required")
)

// wireEvent is the JSON payload accepted from producers. Numeric fields may
// be JSON numbers or strings; exchanges commonly send decimals as strings.
type wireEvent struct {
	Key           string          `json:"key"`
	ExchangeID    string          `json:"exchange_id"`
	Account       string          `json:"account"`
	Source        string          `json:"source"`
	Kind          string          `json:"kind"`
	Instrument    string          `json:"instrument"`
	Time          string          `json:"time"`
	TimestampMs   json.RawMessage `json:"timestamp_ms"`
	Quantity      json.RawMessage `json:"quantity"`
	Price         json.RawMessage `json:"price"`
	Fee           json.RawMessage `json:"fee"`
	Amount        json.RawMessage `json:"amount"`
	Direction     string          `json:"direction"`
	StartPosition json.RawMessage `json:"start_position"`
}

// Parsed is one decoded event and the fields that had to be coerced.
type Parsed struct {
	Event   model.Event
	Coerced []string
}

// Parse decodes one wire event. Malformed numeric fields are coerced to
// zero and reported in Coerced rather than failing the event; only a
// payload that cannot identify its account, kind or time is rejected.
func Parse(data []byte) (Parsed, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Parsed{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return w.toEvent()
}

// ParseBatch decodes either a single wire event or a JSON array of them.
// Rejected elements are returned as errors alongside the parsed ones.
func ParseBatch(data []byte) ([]Parsed, []error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		p, err := Parse(trimmed)
		if err != nil {
			return nil, []error{err}
		}
		return []Parsed{p}, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, []error{fmt.Errorf("%w: %v", ErrMalformed, err)}
	}
	var out []Parsed
	var errs []error
	for i, raw := range raws {
		p, err := Parse(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("event %d: %w", i, err))
			continue
		}
		out = append(out, p)
	}
	return out, errs
}

func (w wireEvent) toEvent() (Parsed, error) {
	var p Parsed
	e := &p.Event

	e.Account = strings.TrimSpace(w.Account)
	if e.Account == "" {
		return Parsed{}, ErrMissingAccount
	}
	e.Kind = model.EventKind(strings.ToLower(strings.TrimSpace(w.Kind)))
	if !e.Kind.Valid() {
		return Parsed{}, fmt.Errorf("%w: %q", eventkey.ErrInvalidKind, w.Kind)
	}
	ts, err := w.timestamp()
	if err != nil {
		return Parsed{}, err
	}
	e.Time = ts
	e.Source = strings.ToLower(strings.TrimSpace(w.Source))
	if e.Source == "" {
		e.Source = eventkey.DefaultSource
	}
	e.Instrument = strings.TrimSpace(w.Instrument)

	num := func(field string, raw json.RawMessage) decimal.Decimal {
		v, ok := parseNumber(raw)
		if !ok {
			p.Coerced = append(p.Coerced, field)
		}
		return v
	}
	e.Quantity = num("quantity", w.Quantity)
	e.Price = num("price", w.Price)
	e.Fee = num("fee", w.Fee)
	e.Amount = num("amount", w.Amount)
	e.StartPosition = num("start_position", w.StartPosition)

	dir, ok := parseDirection(w.Direction)
	if !ok {
		p.Coerced = append(p.Coerced, "direction")
	}
	e.Direction = dir

	if w.Key != "" {
		if _, err := eventkey.Parse(w.Key); err != nil {
			return Parsed{}, err
		}
		e.Key = w.Key
	} else {
		eventkey.Assign(e, w.ExchangeID)
	}
	return p, nil
}

func (w wireEvent) timestamp() (time.Time, error) {
	if w.Time != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.Time)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: time %q: %v", ErrMalformed, w.Time, err)
		}
		return ts.UTC(), nil
	}
	if ms, ok := parseNumber(w.TimestampMs); ok && ms.IsPositive() {
		return time.UnixMilli(ms.IntPart()).UTC(), nil
	}
	return time.Time{}, ErrMissingTime
}

// Bounds on accepted numbers. Rescaling a decimal to an extreme exponent
// allocates and loops in proportion to the exponent, so one such value
// would stall the fold.
const (
	maxNumberLen = 64
	maxExponent  = 36
	maxDigits    = 40
)

// ValidNumber reports whether v is within the exponent and precision bounds
// every ingested number must meet.
func ValidNumber(v decimal.Decimal) bool {
	exp := v.Exponent()
	if exp > maxExponent || exp < -maxExponent {
		return false
	}
	return v.NumDigits() <= maxDigits
}

// parseNumber reads a JSON number or numeric string. Absent and null values
// are zero and not malformed; out-of-bounds values are malformed.
func parseNumber(raw json.RawMessage) (decimal.Decimal, bool) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return decimal.Zero, true
	}
	if len(s) > maxNumberLen+2 {
		return decimal.Zero, false
	}
	if strings.HasPrefix(s, `"`) {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return decimal.Zero, false
		}
		s = strings.TrimSpace(unq)
		if s == "" {
			return decimal.Zero, true
		}
	}
	v, err := decimal.NewFromString(s)
	if err != nil || !ValidNumber(v) {
		return decimal.Zero, false
	}
	return v, true
}

// parseDirection normalises exchange tags such as "Open Long" or
// "close-short". Unknown tags are dropped so the fill falls back to its
// signed quantity.
func parseDirection(s string) (model.Direction, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	switch d := model.Direction(norm); d {
	case model.DirNone, model.DirOpenLong, model.DirAddLong, model.DirReduceLong, model.DirCloseLong,
		model.DirOpenShort, model.DirAddShort, model.DirReduceShort, model.DirCloseShort:
		return d, true
	}
	return model.DirNone, false
}
