package agentsync

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// watchFile reports changes to a single file. The parent directory is
// watched instead of the file itself so atomic rename-over writes from
// editors keep being observed after the original inode is gone.
func watchFile(path string) (<-chan struct{}, func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		_ = watcher.Close()
		return nil, nil, err
	}

	changes := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		defer close(changes)
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case changes <- struct{}{}:
				default:
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	stop := func() {
		close(done)
		_ = watcher.Close()
	}
	return changes, stop, nil
}
