package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/endorhq/rover-sub004/internal/logging"
)

// Submitter hands an event to the pipeline.
type Submitter func(ctx context.Context, e *Event) error

// Inbox watches a directory for *.json event files. Writers should create
// files under another name and rename them into place. Submitted files are
// moved to processed/, rejected ones to failed/.
type Inbox struct {
	dir    string
	submit Submitter
	logger *logging.Logger
}

// NewInbox creates an inbox over dir.
func NewInbox(dir string, submit Submitter, logger *logging.Logger) *Inbox {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Inbox{dir: dir, submit: submit, logger: logger}
}

// Run processes files already present and then every new file until ctx ends.
func (i *Inbox) Run(ctx context.Context) error {
	for _, d := range []string{i.dir, i.processedDir(), i.failedDir()} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("create inbox directory: %w", err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(i.dir); err != nil {
		return fmt.Errorf("watch %s: %w", i.dir, err)
	}

	entries, err := os.ReadDir(i.dir)
	if err != nil {
		return fmt.Errorf("read inbox: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && isEventFile(e.Name()) {
			i.handle(ctx, filepath.Join(i.dir, e.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				if isEventFile(ev.Name) {
					i.handle(ctx, ev.Name)
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			i.logger.Warn(ctx, "inbox watcher error", zap.Error(err))
		}
	}
}

func (i *Inbox) handle(ctx context.Context, path string) {
	if err := i.ProcessFile(ctx, path); err != nil {
		i.logger.Warn(ctx, "inbox event rejected", zap.String("file", path), zap.Error(err))
	}
}

// ProcessFile submits the event stored at path and files it away.
func (i *Inbox) ProcessFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// already filed
			return nil
		}
		return fmt.Errorf("read event file: %w", err)
	}

	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return i.reject(path, fmt.Errorf("decode event file: %w", err))
	}
	if e.Source == "" {
		e.Source = "inbox"
	}
	if err := e.Validate(); err != nil {
		return i.reject(path, err)
	}
	if err := i.submit(ctx, &e); err != nil {
		return i.reject(path, fmt.Errorf("submit event: %w", err))
	}

	if err := os.Rename(path, filepath.Join(i.processedDir(), filepath.Base(path))); err != nil {
		return fmt.Errorf("move processed event: %w", err)
	}
	i.logger.Info(ctx, "inbox event submitted", zap.String("file", filepath.Base(path)), zap.String("summary", e.Summary()))
	return nil
}

func (i *Inbox) reject(path string, cause error) error {
	if err := os.Rename(path, filepath.Join(i.failedDir(), filepath.Base(path))); err != nil {
		return fmt.Errorf("%v (move to failed: %w)", cause, err)
	}
	return cause
}

func (i *Inbox) processedDir() string { return filepath.Join(i.dir, "processed") }
func (i *Inbox) failedDir() string    { return filepath.Join(i.dir, "failed") }

func isEventFile(name string) bool {
	return strings.HasSuffix(name, ".json")
}
