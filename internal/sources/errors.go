package sources

import (
	"errors"
	"fmt"
)

// Kind classifies why a source operation produced no data.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransport covers network errors and timeouts.
	KindTransport
	// KindStructural means no selector or pattern matched; the layout changed.
	KindStructural
	// KindBlocked is a non-2xx answer or a bot-challenge page.
	KindBlocked
	// KindDecode is a malformed JSON, HTML or cache payload.
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport_failure"
	case KindStructural:
		return "structural_mismatch"
	case KindBlocked:
		return "upstream_blocked"
	case KindDecode:
		return "decode_failure"
	default:
		return "unknown"
	}
}

// ErrNoSource is returned when a source id is not registered.
var ErrNoSource = errors.New("unknown source")

var errInvalidJSON = errors.New("invalid json")

// Error is the only error type a Source ever returns.
type Error struct {
	Kind   Kind
	Source string
	URL    string
	Status int
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s %s", e.Source, e.Kind, e.URL)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification of err, or KindUnknown.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

func structural(source, url, what string) *Error {
	return &Error{Kind: KindStructural, Source: source, URL: url, Err: errors.New(what)}
}

func decodeErr(source, url string, err error) *Error {
	return &Error{Kind: KindDecode, Source: source, URL: url, Err: err}
}
