// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

// Package logpipe is the two-stage detection log: a hot-path append to daily
// JSONL files and a background tailer that imports new lines into the
// database. The split keeps detection latency independent of database write
// latency.
package logpipe

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"openguard/platform/shared/logger"
	"openguard/platform/store"
)

var (
	recordsWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "openguard_logpipe_records_written_total",
		Help: "Detection records appended to the JSONL log",
	})
	recordsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "openguard_logpipe_records_dropped_total",
		Help: "Detection records dropped because the queue overflowed",
	})
)

var registerWriterMetrics sync.Once

// Writer owns the daily JSONL file. Producers enqueue through a bounded
// channel; a single goroutine serializes and appends, fsyncing on a timer
// and at shutdown. Overflow drops the oldest queued record.
type Writer struct {
	dir       string
	queue     chan *store.DetectionResult
	log       *logger.Logger
	dropped   atomic.Int64
	done      chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	file     *os.File
	fileDate string
}

// NewWriter starts the writer goroutine. queueSize bounds the in-flight
// records; fsyncEvery is clamped to at least one second.
func NewWriter(dir string, queueSize int, fsyncEvery time.Duration, log *logger.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create detection log dir: %w", err)
	}
	if queueSize <= 0 {
		queueSize = 10000
	}
	if fsyncEvery < time.Second {
		fsyncEvery = time.Second
	}
	registerWriterMetrics.Do(func() {
		prometheus.MustRegister(recordsWritten, recordsDropped)
	})

	w := &Writer{
		dir:   dir,
		queue: make(chan *store.DetectionResult, queueSize),
		log:   log,
		done:  make(chan struct{}),
	}
	go w.run(fsyncEvery)
	return w, nil
}

// Enqueue hands a record to the writer without blocking. When the queue is
// full the oldest queued record is discarded to make room.
func (w *Writer) Enqueue(rec *store.DetectionResult) {
	for {
		select {
		case w.queue <- rec:
			return
		default:
		}
		select {
		case old := <-w.queue:
			_ = old
			w.dropped.Add(1)
			recordsDropped.Inc()
		default:
		}
	}
}

// Dropped reports how many records were discarded on overflow.
func (w *Writer) Dropped() int64 {
	return w.dropped.Load()
}

// Close drains the queue, fsyncs, and closes the file.
func (w *Writer) Close() {
	w.closeOnce.Do(func() { close(w.done) })
}

func (w *Writer) run(fsyncEvery time.Duration) {
	ticker := time.NewTicker(fsyncEvery)
	defer ticker.Stop()

	for {
		select {
		case rec := <-w.queue:
			w.append(rec)
		case <-ticker.C:
			w.sync()
		case <-w.done:
			for {
				select {
				case rec := <-w.queue:
					w.append(rec)
				default:
					w.sync()
					w.mu.Lock()
					if w.file != nil {
						w.file.Close()
						w.file = nil
					}
					w.mu.Unlock()
					return
				}
			}
		}
	}
}

// FileForDate returns the daily log path for a date.
func FileForDate(dir string, day time.Time) string {
	return filepath.Join(dir, "detection_"+day.UTC().Format("20060102")+".jsonl")
}

func (w *Writer) append(rec *store.DetectionResult) {
	w.mu.Lock()
	defer w.mu.Unlock()

	today := time.Now().UTC().Format("20060102")
	if w.file == nil || w.fileDate != today {
		if w.file != nil {
			w.file.Sync()
			w.file.Close()
		}
		path := FileForDate(w.dir, time.Now())
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			w.log.Error(rec.TenantID, rec.RequestID, "failed to open detection log file",
				map[string]interface{}{"path": path, "error": err.Error()})
			return
		}
		w.file = f
		w.fileDate = today
	}

	line, err := json.Marshal(rec)
	if err != nil {
		w.log.Error(rec.TenantID, rec.RequestID, "failed to serialize detection record",
			map[string]interface{}{"error": err.Error()})
		return
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		w.log.Error(rec.TenantID, rec.RequestID, "failed to append detection record",
			map[string]interface{}{"error": err.Error()})
		return
	}
	recordsWritten.Inc()
}

func (w *Writer) sync() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		w.file.Sync()
	}
}
