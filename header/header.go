// Package header extracts normalized metadata from message headers.
package header

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
)

// ErrDateMissing is wrapped by MalformedDateError when the Date header is absent.
var ErrDateMissing = errors.New("date header missing")

// MalformedDateError reports a Date header that is absent or cannot be parsed.
type MalformedDateError struct {
	Value string
	Err   error
}

func (e *MalformedDateError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("malformed date: %v", e.Err)
	}
	return fmt.Sprintf("malformed date %q: %v", e.Value, e.Err)
}

func (e *MalformedDateError) Unwrap() error {
	return e.Err
}

// Date returns the origination date of a message, normalized to UTC.
func Date(h textproto.Header) (time.Time, error) {
	value := strings.TrimSpace(h.Get("Date"))
	if value == "" {
		return time.Time{}, &MalformedDateError{Err: ErrDateMissing}
	}

	mh := mail.Header{Header: message.Header{Header: h}}
	t, err := mh.Date()
	if err != nil {
		return time.Time{}, &MalformedDateError{Value: value, Err: err}
	}
	return t.UTC(), nil
}
