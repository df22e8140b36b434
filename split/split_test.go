package split

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mailsplit/filter"
	"github.com/dhcgn/mailsplit/header"
	"github.com/dhcgn/mailsplit/model"
	"github.com/dhcgn/mailsplit/namer"
	"github.com/dhcgn/mailsplit/store"
)

const (
	date2018  = "Fri, 01 Jun 2018 12:00:00 +0000"
	date2019a = "Tue, 15 Jan 2019 10:00:00 +0000"
	date2019b = "Sat, 20 Jul 2019 08:30:00 +0000"
)

func rawMessage(subject, date string) string {
	var b strings.Builder
	b.WriteString("From: Alice <alice@example.com>\n")
	b.WriteString("Subject: " + subject + "\n")
	if date != "" {
		b.WriteString("Date: " + date + "\n")
	}
	b.WriteString("\nbody of " + subject + "\n")
	return b.String()
}

func writeMbox(t *testing.T, dir string, messages ...string) string {
	t.Helper()
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString("From alice@example.com Fri Jun  1 12:00:00 2018\n")
		b.WriteString(msg)
		b.WriteString("\n")
	}
	path := filepath.Join(dir, "inbox")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o600))
	return path
}

func openStore(t *testing.T, f store.Format, path string) store.Store {
	t.Helper()
	st, err := store.Open(f, path, false)
	require.NoError(t, err)
	return st
}

func subjectsIn(t *testing.T, f store.Format, path string) []string {
	t.Helper()
	st := openStore(t, f, path)
	defer st.Close()

	keys, err := st.Keys()
	require.NoError(t, err)
	var out []string
	for _, key := range keys {
		msg, err := st.Message(key)
		require.NoError(t, err)
		out = append(out, msg.Header.Get("Subject"))
	}
	return out
}

func rawsIn(t *testing.T, f store.Format, path string) []string {
	t.Helper()
	st := openStore(t, f, path)
	defer st.Close()

	keys, err := st.Keys()
	require.NoError(t, err)
	var out []string
	for _, key := range keys {
		msg, err := st.Message(key)
		require.NoError(t, err)
		out = append(out, string(msg.Raw))
	}
	return out
}

func threeMessageMbox(t *testing.T) (dir, path string) {
	dir = t.TempDir()
	path = writeMbox(t, dir,
		rawMessage("first", date2018),
		rawMessage("second", date2019a),
		rawMessage("third", date2019b),
	)
	return dir, path
}

func TestSplitByYearMove(t *testing.T) {
	dir, path := threeMessageMbox(t)
	tmpl := namer.MustParse(filepath.Join(dir, "inbox_{Date:%Y}"))

	s := New(store.OpenerFor(store.FormatMbox), nil)
	summary, err := s.Split(context.Background(), openStore(t, store.FormatMbox, path), Options{Template: tmpl})
	require.NoError(t, err)

	assert.Equal(t, []string{"first"}, subjectsIn(t, store.FormatMbox, filepath.Join(dir, "inbox_2018")))
	assert.Equal(t, []string{"second", "third"}, subjectsIn(t, store.FormatMbox, filepath.Join(dir, "inbox_2019")))
	assert.Empty(t, subjectsIn(t, store.FormatMbox, path))

	assert.Equal(t, 3, summary.Scanned)
	assert.Equal(t, 3, summary.Delivered)
	assert.Equal(t, 3, summary.Removed)
	assert.Equal(t, map[string]int{
		filepath.Join(dir, "inbox_2018"): 1,
		filepath.Join(dir, "inbox_2019"): 2,
	}, summary.Destinations)
}

func TestSplitCopyKeepsSource(t *testing.T) {
	dir, path := threeMessageMbox(t)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	s := New(store.OpenerFor(store.FormatMbox), nil)
	_, err = s.Split(context.Background(), openStore(t, store.FormatMbox, path), Options{
		Template: namer.MustParse(filepath.Join(dir, "inbox_{Date:%Y}")),
		Copy:     true,
	})
	require.NoError(t, err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []string{"first"}, subjectsIn(t, store.FormatMbox, filepath.Join(dir, "inbox_2018")))
	assert.Equal(t, []string{"second", "third"}, subjectsIn(t, store.FormatMbox, filepath.Join(dir, "inbox_2019")))
}

func TestSplitCutoffMovesOnlyOlderMessages(t *testing.T) {
	dir, path := threeMessageMbox(t)

	cutoff, err := filter.ParseCutoff("2019-01-01")
	require.NoError(t, err)
	f, err := filter.New(filter.Options{Before: cutoff})
	require.NoError(t, err)

	s := New(store.OpenerFor(store.FormatMbox), nil)
	summary, err := s.Split(context.Background(), openStore(t, store.FormatMbox, path), Options{
		Template: namer.MustParse(filepath.Join(dir, "inbox_{Date:%Y}")),
		Filter:   f.Accept,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"first"}, subjectsIn(t, store.FormatMbox, filepath.Join(dir, "inbox_2018")))
	assert.NoFileExists(t, filepath.Join(dir, "inbox_2019"))
	assert.Equal(t, []string{"second", "third"}, subjectsIn(t, store.FormatMbox, path))
	assert.Equal(t, 2, summary.Filtered)
}

func TestSplitKeepsMessageBytes(t *testing.T) {
	dir, path := threeMessageMbox(t)

	cutoff, err := filter.ParseCutoff("2019-01-01")
	require.NoError(t, err)
	f, err := filter.New(filter.Options{Before: cutoff})
	require.NoError(t, err)

	s := New(store.OpenerFor(store.FormatMbox), nil)
	_, err = s.Split(context.Background(), openStore(t, store.FormatMbox, path), Options{
		Template: namer.MustParse(filepath.Join(dir, "inbox_{Date:%Y}")),
		Filter:   f.Accept,
	})
	require.NoError(t, err)

	archive := filepath.Join(dir, "inbox_2018")
	assert.Equal(t, []string{rawMessage("first", date2018)}, rawsIn(t, store.FormatMbox, archive))
	assert.Equal(t, []string{
		rawMessage("second", date2019a),
		rawMessage("third", date2019b),
	}, rawsIn(t, store.FormatMbox, path))

	// Splitting the archive again moves the message a second time.
	_, err = s.Split(context.Background(), openStore(t, store.FormatMbox, archive), Options{
		Template: namer.MustParse(filepath.Join(dir, "again_{Date:%Y}")),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{rawMessage("first", date2018)}, rawsIn(t, store.FormatMbox, filepath.Join(dir, "again_2018")))
	assert.Empty(t, rawsIn(t, store.FormatMbox, archive))
}

func TestSplitMalformedDateAbortsBeforeAnyWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeMbox(t, dir,
		rawMessage("first", date2018),
		rawMessage("broken", "sometime last week"),
	)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	s := New(store.OpenerFor(store.FormatMbox), nil)
	_, err = s.Split(context.Background(), openStore(t, store.FormatMbox, path), Options{
		Template: namer.MustParse(filepath.Join(dir, "inbox_{Date:%Y}")),
	})

	var dateErr *header.MalformedDateError
	require.True(t, errors.As(err, &dateErr), "got %v", err)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoFileExists(t, filepath.Join(dir, "inbox_2018"))
}

func TestSplitMissingHeaderIsTemplateError(t *testing.T) {
	dir, path := threeMessageMbox(t)

	s := New(store.OpenerFor(store.FormatMbox), nil)
	_, err := s.Split(context.Background(), openStore(t, store.FormatMbox, path), Options{
		Template: namer.MustParse(filepath.Join(dir, "{List-Id}_{Date:%Y}")),
	})

	var tmplErr *namer.TemplateError
	require.True(t, errors.As(err, &tmplErr), "got %v", err)
}

func TestSplitSkipInvalid(t *testing.T) {
	dir := t.TempDir()
	path := writeMbox(t, dir,
		rawMessage("first", date2018),
		rawMessage("undated", ""),
		rawMessage("third", date2019b),
	)

	s := New(store.OpenerFor(store.FormatMbox), nil)
	summary, err := s.Split(context.Background(), openStore(t, store.FormatMbox, path), Options{
		Template:    namer.MustParse(filepath.Join(dir, "inbox_{Date:%Y}")),
		SkipInvalid: true,
	})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{"undated"}, subjectsIn(t, store.FormatMbox, path))
	assert.Equal(t, []string{"third"}, subjectsIn(t, store.FormatMbox, filepath.Join(dir, "inbox_2019")))
}

func actionLines(buf *bytes.Buffer) []string {
	var lines []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, `msg="saving message"`) || strings.Contains(line, `msg="removing message"`) {
			lines = append(lines, line)
		}
	}
	return lines
}

func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func TestSplitDryRunMatchesLiveRunWithoutMutation(t *testing.T) {
	dir, path := threeMessageMbox(t)
	tmpl := namer.MustParse(filepath.Join(dir, "inbox_{Date:%Y}"))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	var dryLog bytes.Buffer
	dry := New(store.OpenerFor(store.FormatMbox), testLogger(&dryLog))
	summary, err := dry.Split(context.Background(), openStore(t, store.FormatMbox, path), Options{Template: tmpl, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.DryRunDelivered)
	assert.Equal(t, 3, summary.DryRunRemoved)
	assert.Zero(t, summary.Delivered)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.NoFileExists(t, filepath.Join(dir, "inbox_2018"))
	assert.NoFileExists(t, filepath.Join(dir, "inbox_2019"))

	var liveLog bytes.Buffer
	live := New(store.OpenerFor(store.FormatMbox), testLogger(&liveLog))
	_, err = live.Split(context.Background(), openStore(t, store.FormatMbox, path), Options{Template: tmpl})
	require.NoError(t, err)

	require.Len(t, actionLines(&dryLog), 6)
	assert.Equal(t, actionLines(&liveLog), actionLines(&dryLog))
}

func TestSplitMaildir(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "INBOX")
	for _, sub := range []string{"new", "cur", "tmp"} {
		require.NoError(t, os.MkdirAll(filepath.Join(src, sub), 0o700))
	}
	for name, raw := range map[string]string{
		"cur/1.M1P1.host:2,S": rawMessage("first", date2018),
		"cur/2.M1P1.host:2,S": rawMessage("second", date2019a),
		"new/3.M1P1.host":     rawMessage("third", date2019b),
	} {
		require.NoError(t, os.WriteFile(filepath.Join(src, name), []byte(raw), 0o600))
	}

	s := New(store.OpenerFor(store.FormatMaildir), nil)
	_, err := s.Split(context.Background(), openStore(t, store.FormatMaildir, src), Options{
		Template: namer.MustParse(filepath.Join(dir, "INBOX_{Date:%Y}")),
	})
	require.NoError(t, err)

	assert.Empty(t, subjectsIn(t, store.FormatMaildir, src))
	assert.Equal(t, []string{"first"}, subjectsIn(t, store.FormatMaildir, filepath.Join(dir, "INBOX_2018")))
	assert.ElementsMatch(t, []string{"second", "third"}, subjectsIn(t, store.FormatMaildir, filepath.Join(dir, "INBOX_2019")))
}

func TestSplitRejectsDestinationEqualToSource(t *testing.T) {
	dir, path := threeMessageMbox(t)

	s := New(store.OpenerFor(store.FormatMbox), nil)
	_, err := s.Split(context.Background(), openStore(t, store.FormatMbox, path), Options{
		Template: namer.MustParse(filepath.Join(dir, "inbox")),
	})
	require.ErrorIs(t, err, ErrDestinationIsSource)
}

func TestSplitCancelled(t *testing.T) {
	dir, path := threeMessageMbox(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(store.OpenerFor(store.FormatMbox), nil)
	_, err := s.Split(ctx, openStore(t, store.FormatMbox, path), Options{
		Template: namer.MustParse(filepath.Join(dir, "inbox_{Date:%Y}")),
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, filepath.Join(dir, "inbox_2018"))
}

// memStore records every call and fails mutations made without the lock.
type memStore struct {
	path      string
	messages  []model.Message
	locked    bool
	closed    bool
	failWith  error
	calls     []string
	lockCount int
}

func (m *memStore) Path() string { return m.path }

func (m *memStore) Keys() ([]string, error) {
	var keys []string
	for _, msg := range m.messages {
		keys = append(keys, msg.Key)
	}
	return keys, nil
}

func (m *memStore) Message(key string) (model.Message, error) {
	for _, msg := range m.messages {
		if msg.Key == key {
			return msg, nil
		}
	}
	return model.Message{}, errors.New("no such message")
}

func (m *memStore) Append(msg model.Message) error {
	m.calls = append(m.calls, "append")
	if !m.locked {
		return errors.New("append without lock")
	}
	if m.failWith != nil {
		return m.failWith
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *memStore) Remove(key string) error {
	m.calls = append(m.calls, "remove "+key)
	if !m.locked {
		return errors.New("remove without lock")
	}
	for i, msg := range m.messages {
		if msg.Key == key {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			return nil
		}
	}
	return errors.New("no such message")
}

func (m *memStore) Lock() error {
	m.calls = append(m.calls, "lock")
	m.locked = true
	m.lockCount++
	return nil
}

func (m *memStore) Unlock() error {
	m.calls = append(m.calls, "unlock")
	m.locked = false
	return nil
}

func (m *memStore) Close() error {
	m.calls = append(m.calls, "close")
	m.closed = true
	return nil
}

func memMessage(t *testing.T, key, subject, date string) model.Message {
	t.Helper()
	msg, err := model.Parse(key, []byte(rawMessage(subject, date)))
	require.NoError(t, err)
	return msg
}

func TestSplitLockDiscipline(t *testing.T) {
	src := &memStore{path: "src", messages: []model.Message{
		memMessage(t, "a", "first", date2018),
		memMessage(t, "b", "second", date2019a),
	}}
	dests := map[string]*memStore{}
	open := func(path string, create bool) (store.Store, error) {
		assert.True(t, create)
		d, ok := dests[path]
		if !ok {
			d = &memStore{path: path}
			dests[path] = d
		}
		d.closed = false
		return d, nil
	}

	_, err := New(open, nil).Split(context.Background(), src, Options{Template: namer.MustParse("y{Date:%Y}")})
	require.NoError(t, err)

	assert.Equal(t, []string{"lock", "remove a", "unlock", "lock", "remove b", "unlock", "close"}, src.calls)
	assert.Empty(t, src.messages)
	for path, d := range dests {
		assert.Equal(t, []string{"lock", "append", "unlock", "close"}, d.calls, path)
		assert.False(t, d.locked, path)
		assert.True(t, d.closed, path)
	}
	require.Len(t, dests["y2018"].messages, 1)
	require.Len(t, dests["y2019"].messages, 1)
}

func TestSplitAppendFailureReleasesLocksAndKeepsSource(t *testing.T) {
	src := &memStore{path: "src", messages: []model.Message{
		memMessage(t, "a", "first", date2018),
	}}
	dst := &memStore{path: "y2018", failWith: errors.New("disk full")}
	open := func(path string, create bool) (store.Store, error) {
		return dst, nil
	}

	_, err := New(open, nil).Split(context.Background(), src, Options{Template: namer.MustParse("y{Date:%Y}")})

	var ioErr *store.IOError
	require.True(t, errors.As(err, &ioErr), "got %v", err)
	assert.Equal(t, "append", ioErr.Op)

	assert.False(t, dst.locked)
	assert.True(t, dst.closed)
	assert.Equal(t, []string{"close"}, src.calls, "source must only be closed")
	assert.Len(t, src.messages, 1)
}

func TestSplitOpenFailureIsStoreError(t *testing.T) {
	src := &memStore{path: "src", messages: []model.Message{
		memMessage(t, "a", "first", date2018),
	}}
	open := func(path string, create bool) (store.Store, error) {
		return nil, os.ErrPermission
	}

	_, err := New(open, nil).Split(context.Background(), src, Options{Template: namer.MustParse("y{Date:%Y}")})

	var ioErr *store.IOError
	require.True(t, errors.As(err, &ioErr), "got %v", err)
	assert.Equal(t, "open", ioErr.Op)
	assert.ErrorIs(t, err, os.ErrPermission)
	assert.True(t, src.closed)
}

func TestSplitRequiresTemplate(t *testing.T) {
	src := &memStore{path: "src"}
	_, err := New(nil, nil).Split(context.Background(), src, Options{})
	require.ErrorIs(t, err, ErrNoTemplate)
	assert.True(t, src.closed)
}
