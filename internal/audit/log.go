package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Recorder is the logging sink every component reports into.
type Recorder interface {
	Record(category, event string, severity Severity, data map[string]any)
}

// Discard is a Recorder that drops everything.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(string, string, Severity, map[string]any) {}

var ErrClosed = errors.New("audit log closed")

// Config configures the audit log
type Config struct {
	Dir              string
	FilePrefix       string
	HMACKey          []byte
	QueueSize        int
	CompressArchived bool
}

// Stats reports writer counters.
type Stats struct {
	Written  uint64 `json:"written"`
	Dropped  uint64 `json:"dropped"`
	Failed   uint64 `json:"failed"`
	Queued   int    `json:"queued"`
	Seq      uint64 `json:"seq"`
	Segment  string `json:"segment"`
	LastHash string `json:"last_hash"`
}

type pending struct {
	category string
	event    string
	severity Severity
	data     map[string]any
	barrier  chan struct{}
}

// Subscriber receives entries after they are written.
type Subscriber func(Entry)

type subscription struct {
	id uint64
	fn Subscriber
}

// Log is the hash-chained, append-only security audit trail. Entries are
// written by a single goroutine in the order Record was called.
type Log struct {
	logger *zap.Logger
	config Config

	queue chan pending
	done  chan struct{}

	closeOnce sync.Once
	closed    atomic.Bool
	sendMu    sync.RWMutex

	// owned by the writer goroutine
	current *segment
	seq     uint64
	last    string

	stateMu  sync.RWMutex
	lastHash string
	segPath  string
	lastSeq  uint64

	subsMu sync.RWMutex
	subs   map[Severity][]subscription
	nextID uint64

	written atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	now func() time.Time
}

// Open creates the log directory if needed, resumes the chain from the newest
// segment and starts the writer.
func Open(logger *zap.Logger, config Config) (*Log, error) {
	return open(logger, config, time.Now)
}

func open(logger *zap.Logger, config Config, now func() time.Time) (*Log, error) {
	if config.Dir == "" {
		config.Dir = "logs/security"
	}
	if config.FilePrefix == "" {
		config.FilePrefix = "security"
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 4096
	}
	if len(config.HMACKey) == 0 {
		return nil, errors.New("audit log requires an hmac key")
	}

	if err := os.MkdirAll(config.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	l := &Log{
		logger: logger.Named("audit"),
		config: config,
		queue:  make(chan pending, config.QueueSize),
		done:   make(chan struct{}),
		last:   GenesisHash,
		subs:   make(map[Severity][]subscription),
		now:    now,
	}

	if err := l.resume(); err != nil {
		return nil, err
	}

	go l.run()

	return l, nil
}

// resume continues seq and prevHash from the last entry on disk.
func (l *Log) resume() error {
	paths, err := listSegments(l.config.Dir, l.config.FilePrefix)
	if err != nil {
		return fmt.Errorf("failed to list segments: %w", err)
	}

	for i := len(paths) - 1; i >= 0; i-- {
		e, ok, err := lastEntry(paths[i])
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		l.seq = e.Seq
		l.last = e.ChainHash
		l.logger.Info("Resumed audit chain",
			zap.String("segment", paths[i]),
			zap.Uint64("seq", e.Seq),
		)
		break
	}

	l.publishState()
	return nil
}

// Record queues an entry. It never blocks; when the queue is full the entry is dropped.
func (l *Log) Record(category, event string, severity Severity, data map[string]any) {
	p := pending{
		category: category,
		event:    event,
		severity: severity,
		data:     Redact(data),
	}

	l.sendMu.RLock()
	defer l.sendMu.RUnlock()

	if l.closed.Load() {
		l.dropped.Add(1)
		return
	}

	select {
	case l.queue <- p:
	default:
		l.dropped.Add(1)
		l.logger.Warn("Audit queue full, dropping entry",
			zap.String("category", category),
			zap.String("event", event),
			zap.String("severity", string(severity)),
		)
	}
}

// Subscribe registers fn for entries of the given severity. Callbacks run on
// the writer goroutine after the entry is written.
func (l *Log) Subscribe(severity Severity, fn Subscriber) (unsubscribe func()) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()

	l.nextID++
	id := l.nextID
	l.subs[severity] = append(l.subs[severity], subscription{id: id, fn: fn})

	return func() {
		l.subsMu.Lock()
		defer l.subsMu.Unlock()

		subs := l.subs[severity]
		for i, s := range subs {
			if s.id == id {
				l.subs[severity] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers fn for every severity.
func (l *Log) SubscribeAll(fn Subscriber) (unsubscribe func()) {
	unsubs := make([]func(), 0, len(Severities))
	for _, sev := range Severities {
		unsubs = append(unsubs, l.Subscribe(sev, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Close stops accepting entries, drains the queue and closes the segment.
func (l *Log) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		l.sendMu.Lock()
		l.closed.Store(true)
		close(l.queue)
		l.sendMu.Unlock()
	})

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit log drain: %w", ctx.Err())
	}
}

// Flush waits until every entry queued before the call has been written.
func (l *Log) Flush(ctx context.Context) error {
	barrier := make(chan struct{})

	l.sendMu.RLock()
	if l.closed.Load() {
		l.sendMu.RUnlock()
		return ErrClosed
	}
	select {
	case l.queue <- pending{barrier: barrier}:
		l.sendMu.RUnlock()
	case <-ctx.Done():
		l.sendMu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastHash returns the chainHash of the most recently written entry.
func (l *Log) LastHash() string {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.lastHash
}

// CurrentSegment returns the path of the segment being written.
func (l *Log) CurrentSegment() string {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()
	return l.segPath
}

// Segments lists all segments, oldest first.
func (l *Log) Segments() ([]string, error) {
	return listSegments(l.config.Dir, l.config.FilePrefix)
}

// Verify replays the chain of one segment.
func (l *Log) Verify(path string) (VerifyResult, error) {
	return VerifyFile(path, l.config.HMACKey)
}

// Stats returns writer counters.
func (l *Log) Stats() Stats {
	l.stateMu.RLock()
	defer l.stateMu.RUnlock()

	return Stats{
		Written:  l.written.Load(),
		Dropped:  l.dropped.Load(),
		Failed:   l.failed.Load(),
		Queued:   len(l.queue),
		Seq:      l.lastSeq,
		Segment:  l.segPath,
		LastHash: l.lastHash,
	}
}

func (l *Log) run() {
	defer close(l.done)
	defer func() {
		if l.current != nil {
			if err := l.current.close(); err != nil {
				l.logger.Error("Failed to close segment", zap.Error(err))
			}
		}
	}()

	for p := range l.queue {
		if p.barrier != nil {
			close(p.barrier)
			continue
		}
		if err := l.write(p); err != nil {
			l.failed.Add(1)
			l.logger.Error("Failed to write audit entry",
				zap.String("category", p.category),
				zap.String("event", p.event),
				zap.Error(err),
			)
		}
	}
}

func (l *Log) write(p pending) error {
	// stamped here so timestamps follow chain order
	at := l.now()
	if err := l.rotate(dayOf(at)); err != nil {
		return err
	}

	data, err := normalizeData(p.data)
	if err != nil {
		return fmt.Errorf("failed to normalize data: %w", err)
	}

	e := Entry{
		Seq:       l.seq + 1,
		Timestamp: at.UTC().Format(timestampLayout),
		Category:  p.category,
		Event:     p.event,
		Severity:  p.severity,
		Data:      data,
		PrevHash:  l.last,
	}
	if err := seal(l.config.HMACKey, &e); err != nil {
		return err
	}

	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := l.current.append(line); err != nil {
		return fmt.Errorf("failed to append entry: %w", err)
	}

	l.seq = e.Seq
	l.last = e.ChainHash
	l.written.Add(1)
	l.publishState()

	l.mirror(e)
	l.notify(e)
	return nil
}

// rotate switches to the segment for day when the calendar day advanced. A
// clock that steps back keeps writing to the open segment.
func (l *Log) rotate(day string) error {
	if l.current != nil && day <= l.current.day {
		return nil
	}

	var closed string
	if l.current != nil {
		closed = l.current.path
		if err := l.current.close(); err != nil {
			l.logger.Error("Failed to close segment", zap.String("path", closed), zap.Error(err))
		}
		l.current = nil
	}

	seg, err := openSegment(l.config.Dir, l.config.FilePrefix, day)
	if err != nil {
		return err
	}
	l.current = seg
	l.logger.Info("Opened audit segment", zap.String("path", seg.path))

	if closed != "" && l.config.CompressArchived {
		archived, err := archiveSegment(closed)
		if err != nil {
			l.logger.Error("Failed to archive segment", zap.String("path", closed), zap.Error(err))
		} else {
			l.logger.Info("Archived audit segment", zap.String("path", archived))
		}
	}
	return nil
}

func (l *Log) publishState() {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()

	l.lastHash = l.last
	l.lastSeq = l.seq
	if l.current != nil {
		l.segPath = l.current.path
	}
}

// mirror copies the entry to the operational logger.
func (l *Log) mirror(e Entry) {
	fields := []zap.Field{
		zap.Uint64("seq", e.Seq),
		zap.String("category", e.Category),
		zap.String("severity", string(e.Severity)),
		zap.Any("data", e.Data),
	}

	switch e.Severity {
	case SeverityInfo:
		l.logger.Info(e.Event, fields...)
	case SeverityWarn:
		l.logger.Warn(e.Event, fields...)
	case SeverityAlert:
		l.logger.Error(e.Event, fields...)
	default:
		l.logger.Error(e.Event, append(fields, zap.Bool("critical", true))...)
	}
}

func (l *Log) notify(e Entry) {
	l.subsMu.RLock()
	subs := append([]subscription(nil), l.subs[e.Severity]...)
	l.subsMu.RUnlock()

	for _, s := range subs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("Audit subscriber panic",
						zap.Any("panic", r),
						zap.String("stack", string(debug.Stack())),
					)
				}
			}()
			s.fn(e)
		}()
	}
}
