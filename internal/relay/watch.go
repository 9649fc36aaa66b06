package relay

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// KeyFileWatcher reloads the relay key file into a LockService whenever the
// file changes, so keys rotated or retired with the CLI take effect without
// a restart.
type KeyFileWatcher struct {
	svc      *LockService
	path     string
	pB64u    string
	debounce time.Duration
	logger   *slog.Logger

	watcher *fsnotify.Watcher
	ctx     context.Context
	cancel  context.CancelFunc
	errs    chan error
}

// NewKeyFileWatcher creates a watcher for path. pB64u is the modulus the key
// file must have been generated for.
func NewKeyFileWatcher(svc *LockService, path, pB64u string, logger *slog.Logger) *KeyFileWatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &KeyFileWatcher{
		svc:      svc,
		path:     path,
		pB64u:    pB64u,
		debounce: 100 * time.Millisecond,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		errs:     make(chan error, 1),
	}
}

// Errors reports reload failures. The previously held keys stay active.
func (w *KeyFileWatcher) Errors() <-chan error {
	return w.errs
}

// Reload reads the key file and syncs the service to it.
func (w *KeyFileWatcher) Reload() error {
	kf, err := LoadKeyFile(w.path)
	if err != nil {
		return err
	}
	if kf.PB64u != w.pB64u {
		return fmt.Errorf("relay: key file %s was generated for a different modulus", w.path)
	}
	current, grace, err := kf.Keys(w.svc.Params())
	if err != nil {
		return err
	}
	if err := w.svc.SyncKeys(current, grace); err != nil {
		return fmt.Errorf("relay: sync keys: %w", err)
	}

	info := w.svc.KeyInfo()
	w.logger.Info("relay keys reloaded",
		"current_key_id", info.CurrentKeyID,
		"grace_keys", len(info.GraceKeyIDs),
	)
	return nil
}

// Watch starts watching the key file's directory, since WriteKeyFile
// replaces the file rather than writing it in place.
func (w *KeyFileWatcher) Watch() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		fw.Close()
		return fmt.Errorf("watch key directory: %w", err)
	}
	w.watcher = fw
	go w.watchLoop()
	return nil
}

func (w *KeyFileWatcher) watchLoop() {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

func (w *KeyFileWatcher) reload() {
	if w.ctx.Err() != nil {
		return
	}
	if err := w.Reload(); err != nil {
		w.report(fmt.Errorf("reload key file: %w", err))
	}
}

func (w *KeyFileWatcher) report(err error) {
	select {
	case w.errs <- err:
	default:
	}
}

// Close stops watching.
func (w *KeyFileWatcher) Close() error {
	w.cancel()
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
