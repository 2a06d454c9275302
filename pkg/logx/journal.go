package logx

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/coreos/go-systemd/v22/journal"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// JournalConfig controls the systemd journal sink.
type JournalConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

type journalEntry struct {
	msg  string
	pri  journal.Priority
	vars map[string]string
}

// journalSink forwards zerolog JSON lines to journald from a single worker.
// Writes never block: entries are dropped when the queue is full or the rate
// limit is exceeded.
type journalSink struct {
	send func(msg string, pri journal.Priority, vars map[string]string) error

	queue chan journalEntry
	done  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	mu       sync.Mutex
	limiter  *rate.Limiter
	minLevel zerolog.Level
}

func newJournalSink(cfg JournalConfig) (*journalSink, error) {
	if !journal.Enabled() {
		return nil, errors.New("journald socket not available")
	}
	return startJournalSink(cfg, journal.Send), nil
}

func startJournalSink(cfg JournalConfig, send func(string, journal.Priority, map[string]string) error) *journalSink {
	j := &journalSink{
		send:  send,
		queue: make(chan journalEntry, 256),
		done:  make(chan struct{}),
	}
	j.apply(cfg)
	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		j.worker()
	}()
	return j
}

func (j *journalSink) apply(cfg JournalConfig) {
	rps := cfg.RatePerSec
	if rps < 1 {
		rps = 20
	}
	j.mu.Lock()
	j.minLevel = parseLevel(cfg.MinLevel, zerolog.InfoLevel)
	j.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	j.mu.Unlock()
}

func (j *journalSink) close() {
	j.once.Do(func() { close(j.done) })
	j.wg.Wait()
}

func (j *journalSink) worker() {
	for {
		select {
		case <-j.done:
			return
		case e := <-j.queue:
			_ = j.send(e.msg, e.pri, e.vars)
		}
	}
}

func (j *journalSink) Write(p []byte) (int, error) {
	return j.WriteLevel(zerolog.InfoLevel, p)
}

func (j *journalSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	j.mu.Lock()
	lim := j.limiter
	min := j.minLevel
	j.mu.Unlock()

	if level < min || lim == nil || !lim.Allow() {
		return len(p), nil
	}
	msg, vars := journalFields(p)
	if msg == "" {
		return len(p), nil
	}
	select {
	case j.queue <- journalEntry{msg: msg, pri: journalPriority(level), vars: vars}:
	default:
	}
	return len(p), nil
}

func journalPriority(level zerolog.Level) journal.Priority {
	switch {
	case level >= zerolog.ErrorLevel:
		return journal.PriErr
	case level == zerolog.WarnLevel:
		return journal.PriWarning
	case level == zerolog.InfoLevel:
		return journal.PriInfo
	default:
		return journal.PriDebug
	}
}

// journalFields decodes a zerolog JSON line into the message and journal
// variables. Keys are upper-cased; characters journald rejects become '_'.
func journalFields(p []byte) (string, map[string]string) {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		return truncate(strings.TrimSpace(string(p)), 2048), nil
	}
	msg, _ := m[zerolog.MessageFieldName].(string)
	vars := make(map[string]string, len(m))
	for k, v := range m {
		switch k {
		case zerolog.MessageFieldName, zerolog.LevelFieldName, zerolog.TimestampFieldName:
			continue
		}
		key := journalKey(k)
		if key == "" {
			continue
		}
		vars[key] = truncate(fmt.Sprint(v), 1024)
	}
	return msg, vars
}

func journalKey(k string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(k) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(b.String(), "_")
}
