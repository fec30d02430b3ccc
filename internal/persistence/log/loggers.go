package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"clearpath.ai/internal/sim/engine"
)

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("journal closed")

// JournalOptions tune segment rotation. A journal always starts a new file
// when the UTC hour changes; MaxRecords additionally caps one segment.
type JournalOptions struct {
	// MaxRecords per segment; 0 means one segment per hour.
	MaxRecords int
}

// Journal appends JSON lines to zstd-compressed segments named
// <prefix>-<yyyy-mm-dd-hh>-<nnn>.jsonl.zst. Reopening a journal appends to
// the first segment of the current hour as a new zstd frame.
type Journal struct {
	dir    string
	prefix string
	opts   JournalOptions

	mu       sync.Mutex
	closed   bool
	hour     string
	segment  int
	inSeg    int
	records  uint64
	segments uint64
	f        *os.File
	enc      *zstd.Encoder
	buf      *bufio.Writer

	now func() time.Time
}

func NewJournal(dir, prefix string, opts JournalOptions) *Journal {
	return &Journal{dir: dir, prefix: prefix, opts: opts, now: time.Now}
}

// Records is the number of lines written since the journal was created.
func (j *Journal) Records() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.records
}

// Segments is the number of segment files opened.
func (j *Journal) Segments() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.segments
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	err := j.finishSegment()
	j.enc, j.buf = nil, nil
	return err
}

func (j *Journal) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}

	hour := j.now().UTC().Format("2006-01-02-15")
	switch {
	case hour != j.hour:
		if err := j.openSegment(hour, 0); err != nil {
			return err
		}
	case j.opts.MaxRecords > 0 && j.inSeg >= j.opts.MaxRecords:
		if err := j.openSegment(hour, j.segment+1); err != nil {
			return err
		}
	}

	if _, err := j.buf.Write(b); err != nil {
		return err
	}
	if err := j.buf.WriteByte('\n'); err != nil {
		return err
	}
	if err := j.buf.Flush(); err != nil {
		return err
	}
	j.inSeg++
	j.records++
	return nil
}

// openSegment finishes the current file and points the shared encoder at a
// new one.
func (j *Journal) openSegment(hour string, segment int) error {
	if err := j.finishSegment(); err != nil {
		return err
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.segmentPath(hour, segment), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if j.enc == nil {
		j.enc, err = zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			_ = f.Close()
			return err
		}
	} else {
		j.enc.Reset(f)
	}
	if j.buf == nil {
		j.buf = bufio.NewWriterSize(j.enc, 128*1024)
	} else {
		j.buf.Reset(j.enc)
	}
	j.f = f
	j.hour, j.segment, j.inSeg = hour, segment, 0
	j.segments++
	return nil
}

// finishSegment ends the zstd frame and closes the file. The encoder stays
// allocated for the next segment.
func (j *Journal) finishSegment() error {
	if j.f == nil {
		return nil
	}
	var err error
	if ferr := j.buf.Flush(); ferr != nil {
		err = ferr
	}
	if cerr := j.enc.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if cerr := j.f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	j.f = nil
	return err
}

func (j *Journal) segmentPath(hour string, segment int) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s-%s-%03d.jsonl.zst", j.prefix, hour, segment))
}

// DecisionLogger writes one JSONL entry per tick that changed ownership.
type DecisionLogger struct{ w *Journal }

// decisionSegmentRecords keeps one decision segment small enough to scan
// while a long run is still writing.
const decisionSegmentRecords = 50_000

func NewDecisionLogger(runDir string) *DecisionLogger {
	return &DecisionLogger{w: NewJournal(filepath.Join(runDir, DecisionsDir), DecisionsPrefix, JournalOptions{MaxRecords: decisionSegmentRecords})}
}

func (l *DecisionLogger) WriteTick(v engine.TickLogEntry) error { return l.w.Write(v) }
func (l *DecisionLogger) Close() error                          { return l.w.Close() }

// RunHeader is the first record of a run, written to its own journal.
type RunHeader struct {
	RunID     string `json:"run_id"`
	Scenario  string `json:"scenario,omitempty"`
	StartedAt string `json:"started_at"`
	Tuning    any    `json:"tuning"`
}

// RunLogger records run headers next to the decisions.
type RunLogger struct{ w *Journal }

func NewRunLogger(runDir string) *RunLogger {
	return &RunLogger{w: NewJournal(filepath.Join(runDir, RunsDir), RunsPrefix, JournalOptions{})}
}

func (l *RunLogger) WriteRun(v RunHeader) error { return l.w.Write(v) }
func (l *RunLogger) Close() error               { return l.w.Close() }
