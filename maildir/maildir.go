// Package maildir implements a one-file-per-message mail store.
package maildir

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/emersion/go-maildir"

	"github.com/dhcgn/mailsplit/model"
)

var (
	ErrNotFound        = errors.New("maildir not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotLocked       = errors.New("maildir not locked")
	ErrClosed          = errors.New("maildir closed")
)

// Maildir is a maildir directory. Enumeration covers new/ and cur/ and never
// moves files between them.
type Maildir struct {
	dir    maildir.Dir
	files  map[string]string // key -> absolute file name
	locked bool
	closed bool
}

// Open attaches to the maildir at path. With create set, a missing maildir
// and its parents are created.
func Open(path string, create bool) (*Maildir, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("maildir path is empty")
	}
	path = filepath.Clean(path)

	if !exists(path) {
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if err := os.MkdirAll(path, 0o700); err != nil {
			return nil, fmt.Errorf("create maildir: %w", err)
		}
		if err := maildir.Dir(path).Init(); err != nil {
			return nil, fmt.Errorf("init maildir: %w", err)
		}
	}

	return &Maildir{dir: maildir.Dir(path)}, nil
}

func exists(path string) bool {
	for _, sub := range []string{"new", "cur", "tmp"} {
		info, err := os.Stat(filepath.Join(path, sub))
		if err != nil || !info.IsDir() {
			return false
		}
	}
	return true
}

// Path returns the maildir directory.
func (m *Maildir) Path() string {
	return string(m.dir)
}

// Keys returns the unique names of all messages, new/ first, each
// subdirectory in lexical order.
func (m *Maildir) Keys() ([]string, error) {
	if m.closed {
		return nil, ErrClosed
	}

	files := make(map[string]string)

	newKeys, err := m.listNew(files)
	if err != nil {
		return nil, err
	}

	curMsgs, err := m.dir.Messages()
	if err != nil {
		return nil, fmt.Errorf("list cur: %w", err)
	}
	curKeys := make([]string, 0, len(curMsgs))
	for _, msg := range curMsgs {
		key := msg.Key()
		if _, dup := files[key]; dup {
			continue
		}
		files[key] = msg.Filename()
		curKeys = append(curKeys, key)
	}
	sort.Strings(curKeys)

	m.files = files
	return append(newKeys, curKeys...), nil
}

func (m *Maildir) listNew(files map[string]string) ([]string, error) {
	dir := filepath.Join(string(m.dir), "new")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list new: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}
		key, _, _ := strings.Cut(name, ":")
		files[key] = filepath.Join(dir, name)
		keys = append(keys, key)
	}
	return keys, nil
}

// Message reads the message stored under key.
func (m *Maildir) Message(key string) (model.Message, error) {
	filename, err := m.filename(key)
	if err != nil {
		return model.Message{}, err
	}

	raw, err := os.ReadFile(filename)
	if err != nil {
		return model.Message{}, fmt.Errorf("read message %s: %w", key, err)
	}

	msg, err := model.Parse(key, raw)
	if err != nil {
		// Keep the message with an empty header; date extraction reports it.
		return model.Message{Key: key, Raw: raw}, nil
	}
	return msg, nil
}

// Append delivers msg into new/. The maildir must be locked.
func (m *Maildir) Append(msg model.Message) error {
	if m.closed {
		return ErrClosed
	}
	if !m.locked {
		return ErrNotLocked
	}

	delivery, err := maildir.NewDelivery(string(m.dir))
	if err != nil {
		return fmt.Errorf("start delivery: %w", err)
	}
	if _, err := io.Copy(delivery, bytes.NewReader(msg.Raw)); err != nil {
		_ = delivery.Abort()
		return fmt.Errorf("write delivery: %w", err)
	}
	if err := delivery.Close(); err != nil {
		return fmt.Errorf("finish delivery: %w", err)
	}
	return nil
}

// Remove deletes the message stored under key. The maildir must be locked.
func (m *Maildir) Remove(key string) error {
	if m.closed {
		return ErrClosed
	}
	if !m.locked {
		return ErrNotLocked
	}

	filename, err := m.filename(key)
	if err != nil {
		return err
	}
	if err := os.Remove(filename); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMessageNotFound, key)
		}
		return fmt.Errorf("remove message %s: %w", key, err)
	}
	delete(m.files, key)
	return nil
}

// Lock marks the maildir as locked. Maildir delivery is atomic per file, so
// no lock is taken on disk.
func (m *Maildir) Lock() error {
	if m.closed {
		return ErrClosed
	}
	m.locked = true
	return nil
}

// Unlock releases the lock taken by Lock.
func (m *Maildir) Unlock() error {
	m.locked = false
	return nil
}

// Close releases the maildir.
func (m *Maildir) Close() error {
	m.locked = false
	m.closed = true
	m.files = nil
	return nil
}

func (m *Maildir) filename(key string) (string, error) {
	if m.closed {
		return "", ErrClosed
	}
	if m.files == nil {
		if _, err := m.Keys(); err != nil {
			return "", err
		}
	}
	filename, ok := m.files[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}
	return filename, nil
}
