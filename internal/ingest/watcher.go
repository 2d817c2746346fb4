// Package ingest feeds audio chunks dropped into a local directory
// through the pipeline, as an alternative to the HTTP upload path for
// recorder appliances that can only write files.
package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"chronoai/internal/logger"
	"chronoai/internal/pipeline"
)

const settleDelay = 500 * time.Millisecond

// Watcher monitors a drop directory for chunk files named
//
//	<session_id>_<participant_id>_<anything>.<ext>
//
// and processes each one, removing it afterwards. The file's
// modification time becomes the chunk timestamp.
type Watcher struct {
	dir  string
	pipe *pipeline.Pipeline
	log  *logrus.Entry
}

func NewWatcher(dir string, pipe *pipeline.Pipeline) *Watcher {
	return &Watcher{
		dir:  dir,
		pipe: pipe,
		log:  logger.New().WithField("module", "ingest"),
	}
}

// Run watches the directory until ctx is cancelled. Files already
// present at startup are processed first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return err
	}
	w.log.WithField("dir", w.dir).Info("watching drop directory")

	w.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			go w.settleAndProcess(ctx, event.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.WithField("error", err.Error()).Warn("watch error")
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.log.WithField("error", err.Error()).Warn("initial sweep failed")
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.process(ctx, filepath.Join(w.dir, entry.Name()))
		}
	}
}

// settleAndProcess waits for the file size to stop changing before
// processing, since recorders write chunks incrementally.
func (w *Watcher) settleAndProcess(ctx context.Context, path string) {
	var lastSize int64 = -1
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(settleDelay):
		}
		info, err := os.Stat(path)
		if err != nil {
			return
		}
		if info.Size() == lastSize {
			break
		}
		lastSize = info.Size()
	}
	w.process(ctx, path)
}

func (w *Watcher) process(ctx context.Context, path string) {
	name := filepath.Base(path)
	sessionID, participantID, ok := parseChunkName(name)
	if !ok {
		w.log.WithField("file", name).Warn("unrecognized chunk filename, ignoring")
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		w.log.WithFields(logrus.Fields{"file": name, "error": err.Error()}).Warn("failed to read chunk")
		return
	}
	ts := time.Now().UTC()
	if info, err := os.Stat(path); err == nil {
		ts = info.ModTime().UTC()
	}

	format := strings.TrimPrefix(filepath.Ext(name), ".")
	result := w.pipe.Process(ctx, sessionID, participantID, data, format, ts)
	w.log.WithFields(logrus.Fields{
		"file":    name,
		"outcome": result.Outcome().String(),
		"stage":   result.Stage,
	}).Info("processed dropped chunk")

	if err := os.Remove(path); err != nil {
		w.log.WithFields(logrus.Fields{"file": name, "error": err.Error()}).Warn("failed to remove chunk")
	}
}

// parseChunkName splits "<session>_<participant>_rest.ext". Session and
// participant ids are UUIDs and never contain underscores themselves.
func parseChunkName(name string) (sessionID, participantID string, ok bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	parts := strings.SplitN(base, "_", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
