package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const watchDebounce = 1500 * time.Millisecond

// Watch reloads the device file whenever it changes on disk, debounced so a
// copy-then-rename edit triggers one reload. The parent directory is watched
// because editors commonly replace the file (new inode) rather than write in
// place. Blocks until ctx is cancelled.
func (s *Service) Watch(ctx context.Context, path string, onReload func([]string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		return err
	}
	base := filepath.Base(path)
	log.Printf("config: watching %s for changes", path)

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
				timerC = timer.C
			} else {
				timer.Reset(watchDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Printf("config: watch error: %v", err)
		case <-timerC:
			timer = nil
			timerC = nil
			names, err := s.LoadFromFile(path)
			if err != nil {
				log.Printf("config: reload %s failed: %v", path, err)
				continue
			}
			if onReload != nil {
				onReload(names)
			}
		}
	}
}
