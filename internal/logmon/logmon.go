// Package logmon tails the authentication log and feeds extracted
// failure events into the access-control engine. It starts at the
// current end of file (history is not replayed) and survives rotation
// and truncation of the source.
package logmon

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"rdpguard/internal/ipaddr"
)

// ErrSourceUnavailable marks a missing or unreadable log source. The
// monitor retries with backoff instead of exiting: rotation windows are
// normal operational behavior.
var ErrSourceUnavailable = errors.New("log source unavailable")

// errRotated is internal: the source was replaced and reading restarts
// from the top of the new file without backoff.
var errRotated = errors.New("log source rotated")

// DefaultPattern matches the textual failure signatures of common
// authentication daemons.
const DefaultPattern = `(?i)authentication (fail(ed|ure)?|error)|failed password|invalid user`

const (
	backoffMin = time.Second
	backoffMax = time.Minute
)

var (
	linesTotal    = metrics.GetOrCreateCounter("rdpguard_log_lines_total")
	failuresTotal = metrics.GetOrCreateCounter("rdpguard_failures_observed_total")
	noAddrTotal   = metrics.GetOrCreateCounter("rdpguard_failure_lines_without_address_total")
)

// FailureHandler receives every extracted offender address. Handler
// errors are logged and never stop line processing.
type FailureHandler interface {
	OnFailureObserved(addr string) error
}

type Monitor struct {
	path    string
	pattern *regexp.Regexp
	poll    time.Duration
	handler FailureHandler
	log     zerolog.Logger

	opened  bool
	pending []byte
}

// New builds a monitor for the log at path. An empty pattern selects
// DefaultPattern; poll is the fallback interval when file notifications
// are unavailable.
func New(path, pattern string, poll time.Duration, handler FailureHandler, log zerolog.Logger) (*Monitor, error) {
	if pattern == "" {
		pattern = DefaultPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("failure pattern: %w", err)
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Monitor{path: path, pattern: re, poll: poll, handler: handler, log: log}, nil
}

// Run blocks until ctx is cancelled, reopening the source as needed.
func (m *Monitor) Run(ctx context.Context) error {
	backoff := backoffMin
	for {
		err := m.tail(ctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, errRotated):
			m.log.Info().Str("path", m.path).Msg("log rotated, reopening")
			backoff = backoffMin
			continue
		}
		m.log.Warn().Err(err).Dur("retry_in", backoff).Msg("log source lost")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

func (m *Monitor) tail(ctx context.Context) error {
	f, err := os.Open(m.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer f.Close()

	// only new activity is actionable on first open; after a rotation
	// the replacement file is read from the top
	if !m.opened {
		if _, err := f.Seek(0, io.SeekEnd); err != nil {
			return fmt.Errorf("%w: seek: %v", ErrSourceUnavailable, err)
		}
		m.opened = true
	}
	m.pending = nil

	var events chan fsnotify.Event
	if watcher, err := fsnotify.NewWatcher(); err == nil {
		defer watcher.Close()
		if watcher.Add(m.path) == nil {
			events = watcher.Events
		}
	}

	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-events:
		case <-ticker.C:
		}
		if err := m.consume(f); err != nil {
			return fmt.Errorf("%w: read: %v", ErrSourceUnavailable, err)
		}
		if err := m.checkSource(f); err != nil {
			return err
		}
	}
}

// checkSource detects rotation (inode changed) and truncation (file
// shrank under the read offset).
func (m *Monitor) checkSource(f *os.File) error {
	cur, err := os.Stat(m.path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	open, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if !os.SameFile(cur, open) {
		return errRotated
	}
	offset, err := f.Seek(0, io.SeekCurrent)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	if cur.Size() < offset {
		return errRotated
	}
	return nil
}

// consume drains everything appended since the last read, dispatching
// each complete line. A trailing partial line is kept for the next
// pass.
func (m *Monitor) consume(f *os.File) error {
	buf := make([]byte, 64*1024)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			m.pending = append(m.pending, buf[:n]...)
			for {
				i := bytes.IndexByte(m.pending, '\n')
				if i < 0 {
					break
				}
				line := string(m.pending[:i])
				m.pending = m.pending[i+1:]
				m.scanLine(line)
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// scanLine classifies one line: no signature is silence, a signature
// without a usable address is skipped with a note, a signature with an
// address goes to the handler.
func (m *Monitor) scanLine(line string) {
	linesTotal.Inc()
	if !m.pattern.MatchString(line) {
		return
	}
	addr, ok := ipaddr.Extract(line)
	if !ok {
		noAddrTotal.Inc()
		m.log.Debug().Str("line", line).Msg("failure line without usable address")
		return
	}
	failuresTotal.Inc()
	if err := m.handler.OnFailureObserved(addr); err != nil {
		// one bad rule application must not blind us to later lines
		m.log.Error().Err(err).Str("addr", addr).Msg("failure event handling")
	}
}
