package session

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/convoy/internal/log"
	"github.com/zjrosen/convoy/internal/pubsub"
)

// selfWriteGrace is how long after the store's own rename a filesystem event
// on the session file is attributed to that rename rather than to another
// process.
const selfWriteGrace = 500 * time.Millisecond

// WatchForeignWrites watches the session file for writes the store did not
// perform. Concurrent coordinators for one session are unsupported; a foreign
// write means another process is mutating the document, which this flags
// loudly instead of silently interleaving. Stops when ctx is cancelled.
func (s *Store) WatchForeignWrites(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating session watcher: %w", err)
	}
	// Watch the directory: renames replace the file inode, so a file watch
	// would detach after the first persist.
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching session dir: %w", err)
	}

	name := filepath.Base(s.Path())
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != name {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				last := time.Unix(0, s.lastPersist.Load())
				if time.Since(last) < selfWriteGrace {
					continue
				}
				log.Warn(log.CatWatch, "Foreign write to session file",
					"sessionID", s.state.ID, "path", ev.Name, "op", ev.Op.String())
				if s.broker != nil {
					s.broker.Publish(pubsub.UpdatedEvent, Change{
						SessionID: s.state.ID,
						Op:        "foreign_write",
						Subject:   ev.Name,
					})
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn(log.CatWatch, "Session watcher error", "error", err)
			}
		}
	}()

	log.Debug(log.CatWatch, "Watching session file for foreign writes", "path", s.Path())
	return nil
}
