// Package watcher with a debounced file watcher
package watcher

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is the quiet period after the last change before the handler is invoked
const DefaultDebounce = 100 * time.Millisecond

// WatchFile invokes handler when the file at path changes.
// Special features:
// 1. This debounces multiple quick changes before invoking the callback
// 2. The parent directory is watched so that writes by rename (a new inode) are also seen.
//    The mosquitto dynamic-security plugin saves its configuration this way.
//
//  path to watch
//  debounce quiet period, 0 for DefaultDebounce
//  handler to invoke on change
// This returns the fsnotify watcher. Close it when done.
func WatchFile(path string, debounce time.Duration, handler func() error) (*fsnotify.Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	absPath, _ := filepath.Abs(path)
	callbackTimer := time.AfterFunc(debounce, func() {
		logrus.Debugf("WatchFile: invoking callback for %s", absPath)
		if err := handler(); err != nil {
			logrus.Warningf("WatchFile: callback for %s failed: %s", absPath, err)
		}
	})
	callbackTimer.Stop() // don't start yet

	err = watcher.Add(filepath.Dir(absPath))
	if err != nil {
		logrus.Errorf("WatchFile: unable to watch for changes of %s: %s", absPath, err)
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					callbackTimer.Stop()
					return
				}
				if eventPath, _ := filepath.Abs(event.Name); eventPath != absPath {
					continue
				}
				logrus.Debugf("WatchFile: event: %s. Modified file: %s", event, event.Name)
				callbackTimer.Reset(debounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logrus.Errorf("WatchFile: Error: %s", err)
			}
		}
	}()
	return watcher, nil
}
