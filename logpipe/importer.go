// Copyright 2025 OpenGuard
// SPDX-License-Identifier: Apache-2.0

package logpipe

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"openguard/platform/shared/logger"
	"openguard/platform/store"
)

// Importer is the cold half of the pipeline: every interval it lists the
// daily JSONL files, compares line counts against the persisted per-file
// offsets, and imports new lines into detection_results. Inserts are
// idempotent on request_id so reprocessing is always safe.
type Importer struct {
	dir       string
	statePath string
	store     *store.Store
	log       *logger.Logger
	interval  time.Duration

	mu    sync.Mutex
	state map[string]int
}

// NewImporter builds the importer. interval is clamped to at least a second;
// the production default is five seconds.
func NewImporter(dir, statePath string, st *store.Store, log *logger.Logger, interval time.Duration) *Importer {
	if interval < time.Second {
		interval = 5 * time.Second
	}
	return &Importer{
		dir:       dir,
		statePath: statePath,
		store:     st,
		log:       log,
		interval:  interval,
		state:     make(map[string]int),
	}
}

// Run loops until ctx is done. The advisory lock keeps a second process from
// importing concurrently; without the lock this instance idles and retries.
func (i *Importer) Run(ctx context.Context) {
	if err := i.loadState(); err != nil {
		i.log.Warn("", "", "importer state unreadable, starting from scratch",
			map[string]interface{}{"error": err.Error()})
	}

	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()

	locked := false
	for {
		select {
		case <-ctx.Done():
			if locked {
				i.store.Results.ReleaseImporterLock(context.Background())
			}
			return
		case <-ticker.C:
			if !locked {
				got, err := i.store.Results.TryImporterLock(ctx)
				if err != nil {
					i.log.Warn("", "", "importer lock attempt failed",
						map[string]interface{}{"error": err.Error()})
					continue
				}
				if !got {
					continue
				}
				locked = true
			}
			if err := i.Sweep(ctx); err != nil {
				i.log.Error("", "", "importer sweep failed",
					map[string]interface{}{"error": err.Error()})
			}
		}
	}
}

// Sweep imports new lines from every log file once.
func (i *Importer) Sweep(ctx context.Context) error {
	entries, err := os.ReadDir(i.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to list log dir: %w", err)
	}

	var files []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && strings.HasPrefix(name, "detection_") && strings.HasSuffix(name, ".jsonl") {
			files = append(files, name)
		}
	}
	sort.Strings(files)

	for _, name := range files {
		if err := i.importFile(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// ForceSync clears the offsets for files whose date falls inside
// [start, end] so the next sweep reprocesses them from line zero.
func (i *Importer) ForceSync(start, end time.Time) error {
	i.mu.Lock()
	for name := range i.state {
		day, err := dateOfFile(name)
		if err != nil {
			continue
		}
		if !day.Before(start.UTC().Truncate(24*time.Hour)) && !day.After(end.UTC().Truncate(24*time.Hour)) {
			delete(i.state, name)
		}
	}
	i.mu.Unlock()
	return i.saveState()
}

func dateOfFile(name string) (time.Time, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "detection_"), ".jsonl")
	return time.Parse("20060102", trimmed)
}

func (i *Importer) importFile(ctx context.Context, name string) error {
	i.mu.Lock()
	processed := i.state[name]
	i.mu.Unlock()

	f, err := os.Open(filepath.Join(i.dir, name))
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	lineNo := 0
	imported := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		lineNo++
		if lineNo <= processed {
			continue
		}

		// NULs can appear after a crash mid-write
		line = strings.ReplaceAll(line, "\x00", "")
		var rec store.DetectionResult
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			i.log.Warn("", "", "skipping malformed detection log line",
				map[string]interface{}{"file": name, "line": lineNo, "error": err.Error()})
			continue
		}
		if _, err := i.store.Results.Insert(ctx, &rec); err != nil {
			// DB trouble: stop at the last good offset and retry next sweep
			i.persistOffset(name, lineNo-1)
			return fmt.Errorf("failed to import %s line %d: %w", name, lineNo, err)
		}
		imported++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read %s: %w", name, err)
	}

	i.persistOffset(name, lineNo)
	if imported > 0 {
		i.log.Info("", "", "imported detection records",
			map[string]interface{}{"file": name, "records": imported})
	}
	return nil
}

func (i *Importer) persistOffset(name string, lines int) {
	i.mu.Lock()
	i.state[name] = lines
	i.mu.Unlock()
	if err := i.saveState(); err != nil {
		i.log.Error("", "", "failed to persist importer state",
			map[string]interface{}{"error": err.Error()})
	}
}

func (i *Importer) loadState() error {
	raw, err := os.ReadFile(i.statePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	return json.Unmarshal(raw, &i.state)
}

func (i *Importer) saveState() error {
	i.mu.Lock()
	raw, err := json.Marshal(i.state)
	i.mu.Unlock()
	if err != nil {
		return err
	}
	tmp := i.statePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, i.statePath)
}
