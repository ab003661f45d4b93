package operator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sentinel/internal/state"
)

// Files dropped into the state directory by `sentinel stop` and
// `sentinel reply` from another process.
const (
	StopFile  = "STOP"
	ReplyFile = "REPLY"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// FileWatcher feeds stop and reply files from the state directory into a
// Broker.
type FileWatcher struct {
	dir     string
	broker  *Broker
	watcher *fsnotify.Watcher
	logger  *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
}

// NewFileWatcher creates a watcher over dir.
func NewFileWatcher(dir string, b *Broker, logger *zap.Logger) (*FileWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &FileWatcher{
		dir:     dir,
		broker:  b,
		watcher: w,
		logger:  logger,
		stop:    make(chan struct{}),
	}, nil
}

// Start clears a stale stop file and begins watching in the background.
// Call Stop to release the watcher.
func (w *FileWatcher) Start(ctx context.Context) error {
	stale := filepath.Join(w.dir, StopFile)
	if err := os.Remove(stale); err == nil {
		w.logger.Info("removed stale stop file", zap.String("path", stale))
	}
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher.
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
}

// Notify consumes a reply file written before the escalation was raised.
// Register it on the broker with WithNotifier.
func (w *FileWatcher) Notify(state.Escalation) {
	// Escalate calls notifiers before it waits, so the reply lands in the
	// buffered channel.
	w.consumeReply()
}

func (w *FileWatcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			switch filepath.Base(ev.Name) {
			case StopFile:
				w.broker.RequestStop(w.stopReason())
			case ReplyFile:
				w.consumeReply()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("state directory watcher error", zap.Error(err))
		}
	}
}

func (w *FileWatcher) stopReason() string {
	data, err := os.ReadFile(filepath.Join(w.dir, StopFile))
	if err != nil || strings.TrimSpace(string(data)) == "" {
		return "stop file"
	}
	return "stop file: " + strings.TrimSpace(string(data))
}

func (w *FileWatcher) consumeReply() {
	path := filepath.Join(w.dir, ReplyFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	id, reply, err := parseReplyFile(string(data))
	if err != nil {
		w.logger.Warn("discarding malformed reply file", zap.String("path", path), zap.Error(err))
		_ = os.Remove(path)
		return
	}
	if err := w.broker.Reply(id, reply); err != nil {
		if errors.Is(err, ErrNoEscalation) {
			// Kept for the next escalation.
			return
		}
		w.logger.Warn("discarding reply file", zap.String("path", path), zap.Error(err))
	}
	_ = os.Remove(path)
}

// parseReplyFile reads "<reply>" or "<escalation-id> <reply>".
func parseReplyFile(s string) (string, state.Reply, error) {
	fields := strings.Fields(s)
	switch len(fields) {
	case 1:
		r, err := state.ParseReply(fields[0])
		return "", r, err
	case 2:
		r, err := state.ParseReply(fields[1])
		return fields[0], r, err
	}
	return "", "", fmt.Errorf("want \"[escalation-id] reply\", got %q", strings.TrimSpace(s))
}

// WriteStop asks the loop running against dir to stop.
func WriteStop(dir, reason string) error {
	return writeAtomic(filepath.Join(dir, StopFile), reason+"\n")
}

// WriteReply answers the escalation pending in the loop running against dir.
// An empty id answers whatever is pending.
func WriteReply(dir, id string, r state.Reply) error {
	if _, err := state.ParseReply(string(r)); err != nil {
		return err
	}
	line := string(r)
	if id != "" {
		line = id + " " + line
	}
	return writeAtomic(filepath.Join(dir, ReplyFile), line+"\n")
}

func writeAtomic(path, content string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := tmp.WriteString(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
