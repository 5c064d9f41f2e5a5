package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config whenever the file changes and hands every valid
// result to onChange. Invalid edits are logged and skipped, the previous
// config stays in effect. Blocks until ctx is done.
//
// The parent directory is watched rather than the file itself: most editors
// replace the file on save, which drops a watch on the inode.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	// Coalesce editor write bursts into one reload.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(250 * time.Millisecond)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("CONFIG: watch: %v", err)

		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				log.Printf("CONFIG: ignoring invalid edit of %s: %v", path, err)
				continue
			}
			log.Printf("CONFIG: reloaded %s", path)
			onChange(cfg)
		}
	}
}
