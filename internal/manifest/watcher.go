package manifest

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/dmms-io/dmms/internal/debug"
)

// Watcher invokes a callback whenever the manifest file changes on disk.
// The sync-state checker uses it to invalidate its cache when an external
// process (another clone, the user's editor) rewrites state.json.
type Watcher struct {
	fw   *fsnotify.Watcher
	done chan struct{}
}

// Watch starts watching projectDir's manifest. onChange runs on the watcher
// goroutine; keep it short (cache invalidation, not work).
func Watch(projectDir string, onChange func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating manifest watcher: %w", err)
	}

	// Watch the directory, not the file: atomic rename replaces the inode,
	// and a file-level watch dies with the old inode.
	dir := filepath.Join(projectDir, Dir)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}

	w := &Watcher{fw: fw, done: make(chan struct{})}
	go w.loop(onChange)
	return w, nil
}

func (w *Watcher) loop(onChange func()) {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != File {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debug.Logf("manifest changed on disk (%s)", ev.Op)
				onChange()
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			debug.Warnf("manifest watcher: %v", err)
		}
	}
}

// Close stops the watcher and waits for the loop to exit.
func (w *Watcher) Close() error {
	err := w.fw.Close()
	<-w.done
	return err
}
