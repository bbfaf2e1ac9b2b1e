package vcr

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ssd-technologies/lansync/internal/metrics"
)

// batch is one group of records flushed together. done is closed once the
// flush has finished and err is set.
type batch struct {
	items map[string]json.RawMessage
	done  chan struct{}
	err   error
}

// batcher accumulates writes for one file. At most one flush per file runs at
// a time.
type batcher struct {
	path     string
	maxItems int
	maxWait  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	current *batch
	timer   *time.Timer

	flushMu sync.Mutex
}

func newBatcher(path string, maxItems int, maxWait time.Duration, logger *zap.Logger) *batcher {
	return &batcher{path: path, maxItems: maxItems, maxWait: maxWait, logger: logger}
}

// add puts a record into the open batch and returns that batch. The last
// record added for a video id within a batch wins.
func (b *batcher) add(videoID string, record json.RawMessage) *batch {
	b.mu.Lock()
	if b.current == nil {
		b.current = &batch{items: make(map[string]json.RawMessage), done: make(chan struct{})}
		b.timer = time.AfterFunc(b.maxWait, b.flushNow)
	}
	bt := b.current
	bt.items[videoID] = record
	full := len(bt.items) >= b.maxItems
	if full {
		b.detachLocked()
	}
	b.mu.Unlock()

	if full {
		go b.flush(bt)
	}
	return bt
}

// detachLocked closes the open batch to new records.
func (b *batcher) detachLocked() {
	b.current = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// flushNow flushes the open batch, if any, and waits for it.
func (b *batcher) flushNow() {
	b.mu.Lock()
	bt := b.current
	if bt != nil {
		b.detachLocked()
	}
	b.mu.Unlock()
	if bt != nil {
		b.flush(bt)
	}
}

func (b *batcher) flush(bt *batch) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()
	defer close(bt.done)

	original, err := readObject(b.path)
	if err != nil {
		bt.err = err
		metrics.VCRFlushes.WithLabelValues("error").Inc()
		b.logger.Error("read record file", zap.String("file", b.path), zap.Error(err))
		return
	}
	before, err := canonicalJSON(original)
	if err != nil {
		bt.err = err
		metrics.VCRFlushes.WithLabelValues("error").Inc()
		return
	}

	for id, rec := range bt.items {
		original[id] = rec
	}
	after, err := json.Marshal(original)
	if err != nil {
		bt.err = err
		metrics.VCRFlushes.WithLabelValues("error").Inc()
		return
	}
	canonical, err := canonicalJSON(original)
	if err != nil {
		bt.err = err
		metrics.VCRFlushes.WithLabelValues("error").Inc()
		return
	}

	if bytes.Equal(before, canonical) {
		metrics.VCRFlushes.WithLabelValues("unchanged").Inc()
		return
	}
	if err := writeObject(b.path, after); err != nil {
		bt.err = err
		metrics.VCRFlushes.WithLabelValues("error").Inc()
		b.logger.Error("write record file", zap.String("file", b.path), zap.Error(err))
		return
	}
	metrics.VCRFlushes.WithLabelValues("written").Inc()
	b.logger.Debug("flushed records", zap.String("file", b.path), zap.Int("records", len(bt.items)))
}

// canonicalJSON encodes records with object keys sorted at every level, so
// two files that differ only in key order compare equal.
func canonicalJSON(records map[string]json.RawMessage) ([]byte, error) {
	decoded := make(map[string]any, len(records))
	for id, raw := range records {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", id, err)
		}
		decoded[id] = v
	}
	return json.Marshal(decoded)
}
