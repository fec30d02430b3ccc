package indexdb

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"clearpath.ai/internal/sim/engine"
	"clearpath.ai/internal/sim/registry"
	"clearpath.ai/internal/sim/tuning"
)

// RemoteConfig points the index at an HTTP ingest endpoint that accepts
// batches of {"events":[...]}.
type RemoteConfig struct {
	Endpoint      string
	Token         string
	RunID         string
	BatchSize     int
	FlushInterval time.Duration
	HTTPTimeout   time.Duration
	// MaxRetained bounds the batch kept across failed flushes.
	MaxRetained int
	Logger      *log.Logger
}

type RemoteIndex struct {
	cfg        RemoteConfig
	httpClient *http.Client

	ch   chan remoteEvent
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropped    atomic.Uint64
	flushFail  atomic.Uint64
	flushOK    atomic.Uint64
	retainDrop atomic.Uint64
}

type RemoteStats struct {
	QueueDroppedTotal  uint64 `json:"queue_dropped_total"`
	FlushFailTotal     uint64 `json:"flush_fail_total"`
	FlushOKTotal       uint64 `json:"flush_ok_total"`
	RetainDroppedTotal uint64 `json:"retain_dropped_total"`
	QueueDepth         int    `json:"queue_depth"`
}

type remoteEvent struct {
	Kind    string `json:"kind"`
	RunID   string `json:"run_id"`
	Payload any    `json:"payload"`
}

type remoteTickPayload struct {
	Tick     uint64             `json:"tick"`
	Now      uint64             `json:"now"`
	Ego      uint64             `json:"ego"`
	Engaged  bool               `json:"engaged"`
	Events   []registry.Event   `json:"events,omitempty"`
	Failures []registry.Failure `json:"failures,omitempty"`
}

type remoteRunPayload struct {
	Scenario     string `json:"scenario"`
	StartedAt    string `json:"started_at"`
	TuningDigest string `json:"tuning_digest"`
	Tuning       string `json:"tuning"`
}

func OpenRemote(cfg RemoteConfig) (*RemoteIndex, error) {
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.RunID = strings.TrimSpace(cfg.RunID)
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("empty ingest endpoint")
	}
	if cfg.RunID == "" {
		return nil, fmt.Errorf("empty run id")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 128
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = 64 * cfg.BatchSize
	}

	d := &RemoteIndex{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		ch:         make(chan remoteEvent, 32768),
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.loop()
	}()
	return d, nil
}

func (d *RemoteIndex) Close() error {
	if d == nil {
		return nil
	}
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.ch)
		d.wg.Wait()
	})
	return nil
}

func (d *RemoteIndex) Stats() RemoteStats {
	return RemoteStats{
		QueueDroppedTotal:  d.dropped.Load(),
		FlushFailTotal:     d.flushFail.Load(),
		FlushOKTotal:       d.flushOK.Load(),
		RetainDroppedTotal: d.retainDrop.Load(),
		QueueDepth:         len(d.ch),
	}
}

func (d *RemoteIndex) WriteTick(entry engine.TickLogEntry) error {
	if d == nil || d.closed.Load() {
		return nil
	}
	d.enqueue(remoteEvent{Kind: "tick", RunID: d.cfg.RunID, Payload: remoteTickPayload{
		Tick:     entry.Tick,
		Now:      entry.Now,
		Ego:      uint64(entry.Ego),
		Engaged:  entry.Engaged,
		Events:   entry.Events,
		Failures: entry.Failures,
	}})
	return nil
}

func (d *RemoteIndex) RecordRun(scenario string, tune tuning.Tuning) {
	if d == nil || d.closed.Load() {
		return
	}
	b, err := json.Marshal(tune)
	if err != nil {
		return
	}
	sum := sha256.Sum256(b)
	d.enqueue(remoteEvent{Kind: "run", RunID: d.cfg.RunID, Payload: remoteRunPayload{
		Scenario:     scenario,
		StartedAt:    time.Now().UTC().Format(time.RFC3339Nano),
		TuningDigest: hex.EncodeToString(sum[:]),
		Tuning:       string(b),
	}})
}

func (d *RemoteIndex) enqueue(ev remoteEvent) {
	select {
	case d.ch <- ev:
	default:
		d.dropped.Add(1)
		d.printf("remote index queue full; drop kind=%s run=%s", ev.Kind, ev.RunID)
	}
}

func (d *RemoteIndex) loop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]remoteEvent, 0, d.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := d.sendBatch(batch); err != nil {
			d.flushFail.Add(1)
			d.printf("remote index flush failed batch=%d err=%v", len(batch), err)
			// Keep the batch for the next flush, oldest first out when full.
			if over := len(batch) - d.cfg.MaxRetained; over > 0 {
				d.retainDrop.Add(uint64(over))
				batch = append(batch[:0], batch[over:]...)
			}
			return
		}
		d.flushOK.Add(1)
		batch = batch[:0]
	}

	for {
		select {
		case ev, ok := <-d.ch:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= d.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (d *RemoteIndex) sendBatch(events []remoteEvent) error {
	body := struct {
		Events []remoteEvent `json:"events"`
	}{Events: events}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		req, err := http.NewRequest(http.MethodPost, d.cfg.Endpoint, bytes.NewReader(buf))
		if err != nil {
			return err
		}
		req.Header.Set("content-type", "application/json")
		if d.cfg.Token != "" {
			req.Header.Set("x-cp-index-token", d.cfg.Token)
		}

		resp, err := d.httpClient.Do(req)
		if err == nil {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 16*1024))
			_ = resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				return nil
			}
			err = fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		}
		lastErr = err
		time.Sleep(time.Duration(100*(1<<attempt)) * time.Millisecond)
	}
	return lastErr
}

func (d *RemoteIndex) printf(format string, args ...any) {
	if d != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Printf(format, args...)
	}
}
