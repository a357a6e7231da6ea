// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package outbox

import (
	"context"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// WatchReplies watches paths.RunDir for the appearance of USER_REPLY.md and
// signals once per observed write/create/rename. No `car` subcommand calls
// it, and the Flow Controller's synchronous step loop always polls the
// filesystem directly on its own schedule and never depends on this channel
// firing.
func WatchReplies(ctx context.Context, paths ReplyPaths) (<-chan struct{}, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("outbox: create watcher: %w", err)
	}
	if err := w.Add(paths.RunDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("outbox: watch %s: %w", paths.RunDir, err)
	}

	signals := make(chan struct{}, 1)
	go func() {
		defer w.Close()
		defer close(signals)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Name != paths.ReplyPath {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case signals <- struct{}{}:
				default:
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return signals, nil
}
