package cards

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/cardflow/types"
)

const tombstoneExt = ".tombstone"

type overlayEntry struct {
	card   Card
	hidden bool
}

// Overlay is the mutable workspace layer over a read-only baseline. Writes are
// serialized and, when a root directory is set, persisted one file per card
// before they become visible.
type Overlay struct {
	mu      sync.RWMutex
	root    string
	entries map[Key]overlayEntry
	logger  *zap.Logger
}

// NewOverlay creates an in-memory overlay. Use OpenOverlay for a persisted one.
func NewOverlay(logger *zap.Logger) *Overlay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Overlay{logger: logger.With(zap.String("component", "overlay"))}
}

// OpenOverlay creates an overlay persisted under root and loads any entries
// already there. A missing root is fine; it is created on first write.
func OpenOverlay(root string, logger *zap.Logger) (*Overlay, error) {
	o := NewOverlay(logger)
	o.root = root
	if root == "" {
		return o, nil
	}
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return o, nil
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		kind := Kind(filepath.Base(filepath.Dir(path)))
		if !kind.Valid() {
			return nil
		}
		name := d.Name()
		switch {
		case strings.HasSuffix(name, tombstoneExt):
			o.ensure()
			o.entries[Key{Kind: kind, ID: strings.TrimSuffix(name, tombstoneExt)}] = overlayEntry{hidden: true}
		case isCardFile(name):
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			card, err := Decode(data)
			if err != nil {
				o.logger.Warn("overlay card rejected", zap.String("path", path), zap.Error(err))
				return nil
			}
			o.ensure()
			o.entries[Key{Kind: card.Kind(), ID: card.CardID()}] = overlayEntry{card: card}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load overlay: %w", err)
	}
	return o, nil
}

// Put validates card and stores it, shadowing any baseline card with the same key.
func (o *Overlay) Put(card Card) error {
	if err := Validate(card); err != nil {
		return err
	}
	data, err := Encode(card)
	if err != nil {
		return types.NewValidationError(card.CardID(), "encode card").WithCause(err)
	}
	// Store the decoded copy so later caller mutation cannot leak in.
	stored, err := Decode(data)
	if err != nil {
		return err
	}
	key := Key{Kind: stored.Kind(), ID: stored.CardID()}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.root != "" {
		if err := writeFileAtomic(o.cardPath(key), data); err != nil {
			return fmt.Errorf("persist overlay card %s: %w", key, err)
		}
		_ = os.Remove(o.tombstonePath(key))
	}
	o.ensure()
	o.entries[key] = overlayEntry{card: stored}
	o.logger.Debug("overlay put", zap.String("kind", string(key.Kind)), zap.String("id", key.ID))
	return nil
}

// Hide shadows a baseline card so that it reads as not found.
func (o *Overlay) Hide(kind Kind, id string) error {
	if !kind.Valid() {
		return types.NewValidationError(id, "unknown card kind %q", kind)
	}
	key := Key{Kind: kind, ID: id}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.root != "" {
		if err := writeFileAtomic(o.tombstonePath(key), nil); err != nil {
			return fmt.Errorf("persist overlay tombstone %s: %w", key, err)
		}
		if err := os.Remove(o.cardPath(key)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove overlay card %s: %w", key, err)
		}
	}
	o.ensure()
	o.entries[key] = overlayEntry{hidden: true}
	return nil
}

// Delete removes the overlay entry for (kind, id), reverting reads to the
// baseline. Deleting a missing entry is a no-op.
func (o *Overlay) Delete(kind Kind, id string) error {
	key := Key{Kind: kind, ID: id}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.root != "" {
		for _, p := range []string{o.cardPath(key), o.tombstonePath(key)} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("remove overlay entry %s: %w", key, err)
			}
		}
	}
	delete(o.entries, key)
	return nil
}

// Clear removes every overlay entry.
func (o *Overlay) Clear() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.root != "" {
		for _, kind := range Kinds {
			if err := os.RemoveAll(filepath.Join(o.root, string(kind))); err != nil {
				return fmt.Errorf("clear overlay: %w", err)
			}
		}
	}
	o.entries = nil
	o.logger.Info("overlay cleared")
	return nil
}

// Len returns the number of overlay entries, tombstones included.
func (o *Overlay) Len() int {
	if o == nil {
		return 0
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.entries)
}

func (o *Overlay) lookup(key Key) (overlayEntry, bool) {
	if o == nil {
		return overlayEntry{}, false
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.entries[key]
	return e, ok
}

// snapshot copies the current entries.
func (o *Overlay) snapshot() map[Key]overlayEntry {
	if o == nil {
		return nil
	}
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[Key]overlayEntry, len(o.entries))
	for k, v := range o.entries {
		out[k] = v
	}
	return out
}

// ensure creates the entry map on first write.
func (o *Overlay) ensure() {
	if o.entries == nil {
		o.entries = make(map[Key]overlayEntry)
	}
}

func (o *Overlay) cardPath(key Key) string {
	return filepath.Join(o.root, string(key.Kind), key.ID+".yaml")
}

func (o *Overlay) tombstonePath(key Key) string {
	return filepath.Join(o.root, string(key.Kind), key.ID+tombstoneExt)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
