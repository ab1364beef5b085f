package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

type Step struct {
	Name     string  `json:"name"`
	Duration float64 `json:"duration_ms"`
}

type Trace struct {
	Name     string    `json:"name"`
	Start    time.Time `json:"start"`
	Steps    []Step    `json:"steps"`
	TotalMS  float64   `json:"total_ms"`
	Slow     bool      `json:"slow,omitempty"`
	lastMark time.Time
	tel      *Telemetry
}

// Options configures the trace writer.
type Options struct {
	Dir           string
	BufferSize    int
	QueueCapacity int
	FlushInterval time.Duration
	MaxFileSize   int64
	// SampleRate is the fraction of ordinary traces kept, 0..1.
	SampleRate float64
	// SlowThreshold marks traces that are always kept.
	SlowThreshold time.Duration
}

// Telemetry manages async writing of traces to per-op files.
type Telemetry struct {
	opts     Options
	mu       sync.Mutex
	files    map[string]*os.File
	buffers  map[string]*bufio.Writer
	traces   chan *Trace
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	dropped  atomic.Uint64
}

var tel *Telemetry

// Init initializes the global telemetry instance.
func Init(opts Options) error {
	t, err := New(opts)
	if err != nil {
		return err
	}
	tel = t
	return nil
}

// Track starts a new trace using the global telemetry instance. Without
// Init the trace is a no-op.
func Track(name string) *Trace {
	return tel.Track(name)
}

// Close stops the global telemetry instance.
func Close() {
	if tel != nil {
		tel.Close()
		tel = nil
	}
}

// New creates a telemetry subsystem with a background writer.
func New(opts Options) (*Telemetry, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("telemetry: empty dir")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64 << 10
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 1024
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = time.Second
	}
	t := &Telemetry{
		opts:    opts,
		files:   make(map[string]*os.File),
		buffers: make(map[string]*bufio.Writer),
		traces:  make(chan *Trace, opts.QueueCapacity),
		stopCh:  make(chan struct{}),
	}
	t.wg.Add(1)
	go t.writerLoop()
	return t, nil
}

// Track starts a new trace linked to this telemetry.
func (t *Telemetry) Track(name string) *Trace {
	now := time.Now()
	return &Trace{
		Name:     name,
		Start:    now,
		lastMark: now,
		tel:      t,
	}
}

// Dropped reports how many finished traces were discarded because the
// queue was full.
func (t *Telemetry) Dropped() uint64 {
	if t == nil {
		return 0
	}
	return t.dropped.Load()
}

// Mark records the elapsed duration since the last mark.
func (tr *Trace) Mark(label string) {
	now := time.Now()
	delta := now.Sub(tr.lastMark).Seconds() * 1000
	tr.Steps = append(tr.Steps, Step{Name: label, Duration: delta})
	tr.lastMark = now
}

// Finish finalizes the trace and hands it to the writer if it is sampled
// or slow. Safe to call multiple times or via defer.
func (tr *Trace) Finish() {
	t := tr.tel
	if t == nil {
		return
	}
	tr.tel = nil
	elapsed := time.Since(tr.Start)
	tr.TotalMS = elapsed.Seconds() * 1000
	tr.Slow = t.opts.SlowThreshold > 0 && elapsed >= t.opts.SlowThreshold
	if !tr.Slow && rand.Float64() >= t.opts.SampleRate {
		return
	}

	var sum float64
	for _, s := range tr.Steps {
		sum += s.Duration
	}
	if remaining := tr.TotalMS - sum; remaining > 0.001 {
		tr.Steps = append(tr.Steps, Step{Name: "unmarked", Duration: remaining})
	}

	select {
	case t.traces <- tr:
	default:
		t.dropped.Add(1)
	}
}

func (t *Telemetry) writerLoop() {
	defer t.wg.Done()
	ticker := time.NewTicker(t.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case tr := <-t.traces:
			t.write(tr)
		case <-ticker.C:
			t.flush()
		case <-t.stopCh:
			for {
				select {
				case tr := <-t.traces:
					t.write(tr)
					continue
				default:
				}
				break
			}
			t.mu.Lock()
			for _, b := range t.buffers {
				b.Flush()
			}
			for _, f := range t.files {
				f.Sync()
				f.Close()
			}
			t.mu.Unlock()
			return
		}
	}
}

func (t *Telemetry) write(tr *Trace) {
	data, err := json.Marshal(tr)
	if err != nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.getBufferFor(tr.Name)
	b.Write(data)
	b.WriteByte('\n')
}

func (t *Telemetry) flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for name, b := range t.buffers {
		b.Flush()
		f := t.files[name]
		if f == nil || t.opts.MaxFileSize <= 0 {
			continue
		}
		if fi, err := f.Stat(); err == nil && fi.Size() > t.opts.MaxFileSize {
			// truncate and recreate when over the size cap
			f.Close()
			newF, err := os.OpenFile(f.Name(), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
			if err != nil {
				delete(t.files, name)
				delete(t.buffers, name)
				continue
			}
			t.files[name] = newF
			t.buffers[name] = bufio.NewWriterSize(newF, t.opts.BufferSize)
			fmt.Fprintf(os.Stderr, "telemetry: truncated %s (size exceeded %d bytes)\n", name, t.opts.MaxFileSize)
		}
	}
}

func (t *Telemetry) getBufferFor(op string) *bufio.Writer {
	if b, ok := t.buffers[op]; ok {
		return b
	}
	path := filepath.Join(t.opts.Dir, op+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry: failed to open %s: %v\n", path, err)
		b := bufio.NewWriter(os.Stderr)
		t.buffers[op] = b
		return b
	}
	b := bufio.NewWriterSize(f, t.opts.BufferSize)
	t.files[op] = f
	t.buffers[op] = b
	return b
}

// Close stops the background writer and flushes remaining traces.
func (t *Telemetry) Close() {
	t.stopOnce.Do(func() {
		close(t.stopCh)
		t.wg.Wait()
	})
}
