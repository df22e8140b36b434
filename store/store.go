// Package store defines the mail store abstraction used by the splitter and
// maps format names to concrete implementations.
package store

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dhcgn/mailsplit/maildir"
	"github.com/dhcgn/mailsplit/mbox"
	"github.com/dhcgn/mailsplit/model"
)

// Store is a named container of messages in a concrete on-disk format.
//
// Keys returned by Keys are valid until the store is closed. Append and
// Remove must be called between Lock and Unlock.
type Store interface {
	Path() string
	Keys() ([]string, error)
	Message(key string) (model.Message, error)
	Append(msg model.Message) error
	Remove(key string) error
	Lock() error
	Unlock() error
	Close() error
}

// Format selects a store implementation.
type Format string

const (
	FormatMbox    Format = "mbox"
	FormatMaildir Format = "maildir"
)

// ErrUnknownFormat is returned for format names without a constructor.
var ErrUnknownFormat = errors.New("unknown mail format")

// Opener opens the store at path, initializing it when create is set and it
// does not exist yet.
type Opener func(path string, create bool) (Store, error)

var constructors = map[Format]Opener{
	FormatMbox: func(path string, create bool) (Store, error) {
		return mbox.Open(path, create)
	},
	FormatMaildir: func(path string, create bool) (Store, error) {
		return maildir.Open(path, create)
	},
}

var aliases = map[string]Format{
	"mbox":    FormatMbox,
	"mailbox": FormatMbox,
	"maildir": FormatMaildir,
}

// ParseFormat resolves a format name. "mailbox" is accepted for mbox.
func ParseFormat(name string) (Format, error) {
	f, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return "", fmt.Errorf("%w: %q (want one of %s)", ErrUnknownFormat, name, strings.Join(FormatNames(), ", "))
	}
	return f, nil
}

// FormatNames lists the accepted format names.
func FormatNames() []string {
	names := make([]string, 0, len(aliases))
	for name := range aliases {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open opens the store at path using the constructor registered for f.
// Failures are returned as *IOError.
func Open(f Format, path string, create bool) (Store, error) {
	ctor, ok := constructors[f]
	if !ok {
		return nil, &IOError{Op: "open", Path: path, Err: fmt.Errorf("%w: %q", ErrUnknownFormat, f)}
	}
	s, err := ctor(path, create)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	return s, nil
}

// OpenerFor returns an Opener bound to format f.
func OpenerFor(f Format) Opener {
	return func(path string, create bool) (Store, error) {
		return Open(f, path, create)
	}
}

// IOError reports a failure of the underlying persistence layer.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// Wrap returns err as an *IOError unless it already is one.
func Wrap(op, path string, err error) error {
	if err == nil {
		return nil
	}
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

var (
	_ Store = (*mbox.Mailbox)(nil)
	_ Store = (*maildir.Maildir)(nil)
)
