package node

import (
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"time"

	"github.com/mschirtzinger/gardensync/internal/protocol"
	"github.com/mschirtzinger/gardensync/internal/watch"
)

var errUpdateTooLarge = errors.New("file too large for an update")

// publishChanges gossips every settled local edit as a file_update.
func (n *Node) publishChanges() {
	defer n.wg.Done()

	for c := range n.watcher.Changes() {
		update := protocol.FileUpdate{
			GardenName: c.Garden,
			Path:       c.Path,
			ModTime:    c.ModTime.UnixMilli(),
		}
		if c.Op == watch.OpDelete {
			update.Deleted = true
		} else {
			data, err := n.readUpdate(c.Garden, c.Path)
			if err != nil {
				n.logger.Printf("Skipping update of %s/%s: %v", c.Garden, c.Path, err)
				continue
			}
			update.Content = data
		}

		n.box.post(func() {
			if _, err := n.router.Dispatch(update, "", ""); err != nil {
				n.logger.Printf("Failed to publish %s/%s: %v", update.GardenName, update.Path, err)
			}
		})
	}
}

// readUpdate reads a changed file for a file_update, refusing files too
// large to ride in one gossip frame.
func (n *Node) readUpdate(gardenName, p string) ([]byte, error) {
	fi, err := n.store.Stat(gardenName, p)
	if err != nil {
		return nil, err
	}
	if fi.Size > protocol.MaxFileUpdateSize {
		return nil, fmt.Errorf("%w: %d bytes, left to full sync", errUpdateTooLarge, fi.Size)
	}
	data, err := n.store.ReadFile(gardenName, p)
	if err != nil {
		return nil, err
	}
	if len(data) > protocol.MaxFileUpdateSize {
		return nil, fmt.Errorf("%w: %d bytes, left to full sync", errUpdateTooLarge, len(data))
	}
	return data, nil
}

// applyFileUpdate applies a remote edit unless the local copy is newer.
// Ties go to the remote side so both ends converge on the same content.
func (n *Node) applyFileUpdate(msg protocol.FileUpdate) {
	if len(msg.Content) > protocol.MaxFileUpdateSize {
		n.logger.Printf("Dropping update of %s/%s: %d bytes", msg.GardenName, msg.Path, len(msg.Content))
		return
	}
	held, err := n.store.List()
	if err != nil || !slices.Contains(held, msg.GardenName) {
		n.logger.Printf("Dropping update of %s/%s: garden not held here", msg.GardenName, msg.Path)
		return
	}
	modTime := time.UnixMilli(msg.ModTime)

	local, err := n.store.Stat(msg.GardenName, msg.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if msg.Deleted {
			return
		}
	case err != nil:
		n.logger.Printf("Dropping update of %s/%s: %v", msg.GardenName, msg.Path, err)
		return
	case local.ModTime.Truncate(time.Millisecond).After(modTime):
		n.logger.Printf("Keeping newer local %s/%s", msg.GardenName, msg.Path)
		return
	}

	if n.watcher != nil {
		n.watcher.Suppress(msg.GardenName, msg.Path)
	}

	if msg.Deleted {
		err = n.store.Remove(msg.GardenName, msg.Path)
	} else {
		err = n.store.WriteFile(msg.GardenName, msg.Path, msg.Content, 0o644, modTime)
	}
	if err != nil {
		n.logger.Printf("Failed to apply update of %s/%s: %v", msg.GardenName, msg.Path, err)
		return
	}
	n.logger.Printf("Applied update of %s/%s", msg.GardenName, msg.Path)
}
