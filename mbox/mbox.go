// Package mbox implements a single-file mail store in mboxo format.
package mbox

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/mailsplit/model"
)

var (
	ErrNotFound        = errors.New("mbox not found")
	ErrMessageNotFound = errors.New("message not found")
	ErrNotLocked       = errors.New("mbox not locked")
	ErrClosed          = errors.New("mbox closed")
	ErrExternalChange  = errors.New("mbox changed on disk since it was read")
)

// DefaultSender is used in the From_ line when a message carries no usable
// sender address.
const DefaultSender = "MAILER-DAEMON"

var fromLine = []byte("From ")

// span is the byte range of one message in the file, From_ line and
// trailing separator included.
type span struct {
	start, end int64
}

// Mailbox is an mbox file. The first enumeration indexes message offsets;
// message bytes are read on demand. Removals are kept in memory and written
// back when the mailbox is closed, copying kept messages byte for byte.
type Mailbox struct {
	path string

	loaded  bool
	size    int64
	spans   []span
	removed map[int]bool

	lock   *os.File
	closed bool
}

// Open attaches to the mbox at path. With create set, a missing file and its
// parent directories are created empty.
func Open(path string, create bool) (*Mailbox, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	info, err := os.Stat(path)
	switch {
	case err == nil:
		if info.IsDir() {
			return nil, fmt.Errorf("open mbox %s: is a directory", path)
		}
	case errors.Is(err, os.ErrNotExist):
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create mbox directory: %w", err)
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create mbox: %w", err)
		}
		if err := file.Close(); err != nil {
			return nil, fmt.Errorf("create mbox: %w", err)
		}
	default:
		return nil, fmt.Errorf("stat mbox: %w", err)
	}

	return &Mailbox{path: path, removed: make(map[int]bool)}, nil
}

// Path returns the mbox file path.
func (m *Mailbox) Path() string {
	return m.path
}

// Keys returns the ordinals of all messages not removed, in file order.
func (m *Mailbox) Keys() ([]string, error) {
	if err := m.load(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(m.spans))
	for idx := range m.spans {
		if !m.removed[idx] {
			keys = append(keys, strconv.Itoa(idx))
		}
	}
	return keys, nil
}

// Message reads the message stored under key from disk.
func (m *Mailbox) Message(key string) (model.Message, error) {
	if err := m.load(); err != nil {
		return model.Message{}, err
	}
	idx, err := m.index(key)
	if err != nil {
		return model.Message{}, err
	}

	file, err := os.Open(m.path)
	if err != nil {
		return model.Message{}, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	s := m.spans[idx]
	reader := mboxlib.NewReader(io.NewSectionReader(file, s.start, s.end-s.start))
	msgReader, err := reader.NextMessage()
	if err != nil {
		return model.Message{}, fmt.Errorf("message %s: %w", key, err)
	}
	raw, err := io.ReadAll(msgReader)
	if err != nil {
		return model.Message{}, fmt.Errorf("message %s read: %w", key, err)
	}
	// The reader terminates lines with CRLF; mbox files store LF.
	raw = bytes.ReplaceAll(raw, []byte("\r\n"), []byte("\n"))

	msg, err := model.Parse(key, raw)
	if err != nil {
		// Keep the message with an empty header; date extraction reports it.
		return model.Message{Key: key, Raw: raw}, nil
	}
	return msg, nil
}

// Append writes msg to the end of the file. The mailbox must be locked.
func (m *Mailbox) Append(msg model.Message) error {
	if m.closed {
		return ErrClosed
	}
	if m.lock == nil {
		return ErrNotLocked
	}

	var buf bytes.Buffer
	w := mboxlib.NewWriter(&buf)
	if err := writeMessage(w, msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish mbox message: %w", err)
	}

	file, err := os.OpenFile(m.path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open mbox for append: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat mbox: %w", err)
	}
	if _, err := file.Write(buf.Bytes()); err != nil {
		file.Close()
		return fmt.Errorf("append to mbox: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync mbox: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("close mbox: %w", err)
	}

	if m.loaded {
		end := info.Size() + int64(buf.Len())
		m.spans = append(m.spans, span{start: info.Size(), end: end})
		m.size = end
	}
	return nil
}

// Remove marks the message under key for removal. The mailbox must be locked.
func (m *Mailbox) Remove(key string) error {
	if m.closed {
		return ErrClosed
	}
	if m.lock == nil {
		return ErrNotLocked
	}
	if err := m.load(); err != nil {
		return err
	}
	idx, err := m.index(key)
	if err != nil {
		return err
	}
	m.removed[idx] = true
	return nil
}

// Lock takes an exclusive lock on the mbox file, blocking until it is
// available. Locking an already locked mailbox is a no-op.
func (m *Mailbox) Lock() error {
	if m.closed {
		return ErrClosed
	}
	if m.lock != nil {
		return nil
	}

	file, err := os.OpenFile(m.path, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open mbox for lock: %w", err)
	}
	if err := lockFile(file); err != nil {
		file.Close()
		return fmt.Errorf("lock mbox: %w", err)
	}
	m.lock = file
	return nil
}

// Unlock releases the lock taken by Lock.
func (m *Mailbox) Unlock() error {
	if m.lock == nil {
		return nil
	}
	file := m.lock
	m.lock = nil

	err := unlockFile(file)
	if closeErr := file.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("unlock mbox: %w", err)
	}
	return nil
}

// Close writes pending removals back to disk under the lock and releases
// the mailbox.
func (m *Mailbox) Close() error {
	if m.closed {
		return nil
	}

	var err error
	if len(m.removed) > 0 {
		err = m.flush()
	}
	if unlockErr := m.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}

	m.closed = true
	m.spans = nil
	m.removed = nil
	return err
}

func (m *Mailbox) flush() (err error) {
	if m.lock == nil {
		if err := m.Lock(); err != nil {
			return err
		}
		defer func() {
			if unlockErr := m.Unlock(); unlockErr != nil && err == nil {
				err = unlockErr
			}
		}()
	}

	src, err := os.Open(m.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("stat mbox: %w", err)
	}
	if info.Size() != m.size {
		return fmt.Errorf("%w: %s", ErrExternalChange, m.path)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), "."+filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp mbox: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmpPath)
		}
	}()

	// Anything ahead of the first From_ line is not a message; keep it.
	if len(m.spans) > 0 && m.spans[0].start > 0 {
		if _, err := io.Copy(tmp, io.NewSectionReader(src, 0, m.spans[0].start)); err != nil {
			tmp.Close()
			return fmt.Errorf("copy mbox preamble: %w", err)
		}
	}
	for idx, s := range m.spans {
		if m.removed[idx] {
			continue
		}
		if _, err := io.Copy(tmp, io.NewSectionReader(src, s.start, s.end-s.start)); err != nil {
			tmp.Close()
			return fmt.Errorf("copy message %d: %w", idx, err)
		}
	}
	if err := tmp.Chmod(info.Mode().Perm()); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp mbox: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp mbox: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp mbox: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		return fmt.Errorf("replace mbox: %w", err)
	}

	m.removed = make(map[int]bool)
	return nil
}

func (m *Mailbox) load() error {
	if m.closed {
		return ErrClosed
	}
	if m.loaded {
		return nil
	}

	file, err := os.Open(m.path)
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	spans, size, err := scan(file)
	if err != nil {
		return fmt.Errorf("index mbox: %w", err)
	}

	m.spans = spans
	m.size = size
	m.loaded = true
	return nil
}

// scan indexes the messages of an mbox stream. A message starts at every
// line beginning with "From " and runs up to the next one.
func scan(r io.Reader) ([]span, int64, error) {
	br := bufio.NewReaderSize(r, 64*1024)

	var (
		spans       []span
		off         int64
		atLineStart = true
	)
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			if atLineStart && bytes.HasPrefix(line, fromLine) {
				if n := len(spans); n > 0 {
					spans[n-1].end = off
				}
				spans = append(spans, span{start: off})
			}
			off += int64(len(line))
			atLineStart = line[len(line)-1] == '\n'
		}

		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, err
		}
	}

	if n := len(spans); n > 0 {
		spans[n-1].end = off
	}
	return spans, off, nil
}

func (m *Mailbox) index(key string) (int, error) {
	idx, err := strconv.Atoi(key)
	if err != nil || idx < 0 || idx >= len(m.spans) || m.removed[idx] {
		return 0, fmt.Errorf("%w: %s", ErrMessageNotFound, key)
	}
	return idx, nil
}

// writeMessage writes msg with a From_ line. The writer terminates every
// message with its own line ending and separator, so one trailing line
// ending of the raw message is dropped to keep the bytes stable across a
// write/read cycle.
func writeMessage(w *mboxlib.Writer, msg model.Message) error {
	mw, err := w.CreateMessage(sender(msg), envelopeDate(msg))
	if err != nil {
		return fmt.Errorf("create mbox message: %w", err)
	}
	if _, err := mw.Write(trimLineEnding(msg.Raw)); err != nil {
		return fmt.Errorf("write mbox message: %w", err)
	}
	return nil
}

func trimLineEnding(raw []byte) []byte {
	if bytes.HasSuffix(raw, []byte("\r\n")) {
		return raw[:len(raw)-2]
	}
	return bytes.TrimSuffix(raw, []byte("\n"))
}

func mailHeader(msg model.Message) mail.Header {
	return mail.Header{Header: message.Header{Header: msg.Header}}
}

func sender(msg model.Message) string {
	if rp := strings.Trim(strings.TrimSpace(msg.Header.Get("Return-Path")), "<>"); rp != "" && !strings.ContainsAny(rp, " \t") {
		return rp
	}
	h := mailHeader(msg)
	if addrs, err := h.AddressList("From"); err == nil && len(addrs) > 0 && addrs[0].Address != "" {
		return addrs[0].Address
	}
	return DefaultSender
}

func envelopeDate(msg model.Message) time.Time {
	h := mailHeader(msg)
	t, err := h.Date()
	if err != nil {
		return time.Now().UTC()
	}
	return t.UTC()
}
