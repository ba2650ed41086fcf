/*
Copyright (C) 2026  ColdTier Contributors

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package policy

import (
	"fmt"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Loader watches a StoragePolicy JSON file and re-parses it on change,
// leaving the persistence format itself untouched (spec Non-goal): this is
// purely a file-watch convenience, not a storage engine.
type Loader struct {
	path    string
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current *StoragePolicy

	onChange func(*StoragePolicy, error)
}

// NewLoader loads path once synchronously and starts watching it for
// changes; onChange, if non-nil, is invoked (possibly with a non-nil error)
// on every subsequent reparse attempt.
func NewLoader(path string, onChange func(*StoragePolicy, error)) (*Loader, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy.Loader: read %s: %w", path, err)
	}
	p, err := ParseStoragePolicy(raw)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("policy.Loader: new watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("policy.Loader: watch %s: %w", path, err)
	}

	l := &Loader{path: path, watcher: watcher, current: p, onChange: onChange}
	go l.run()
	return l, nil
}

func (l *Loader) run() {
	for {
		select {
		case ev, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			l.reload()
		case _, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (l *Loader) reload() {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		if l.onChange != nil {
			l.onChange(nil, err)
		}
		return
	}
	p, err := ParseStoragePolicy(raw)
	if err != nil {
		// keep serving the last good policy; a bad edit never blanks
		// out a running reconciler's configuration.
		if l.onChange != nil {
			l.onChange(nil, err)
		}
		return
	}
	l.mu.Lock()
	l.current = p
	l.mu.Unlock()
	if l.onChange != nil {
		l.onChange(p, nil)
	}
}

// Current returns the most recently successfully parsed policy.
func (l *Loader) Current() *StoragePolicy {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

func (l *Loader) Close() error {
	return l.watcher.Close()
}
