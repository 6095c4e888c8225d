package vfs

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/000haoji/deep-student-sub006/internal/logging"
)

// ChangeKind classifies a change event.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
	ChangePurged  ChangeKind = "purged"
)

// ChangeEvent is published whenever a resource, folder, or blob changes.
// Subscribers on the wildcard topic "dstu:change" receive every event;
// subscribers on "dstu:change:<path>" receive only events for that path.
type ChangeEvent struct {
	Path string     `json:"path"`
	Kind ChangeKind `json:"kind"`
}

// ImportProgress reports textbook import stages to listeners on the
// "textbook-import-progress" topic.
type ImportProgress struct {
	ResourceID string  `json:"resource_id"`
	Stage      string  `json:"stage"` // extracting | rendering | ocr | indexing | done | failed
	Current    int     `json:"current"`
	Total      int     `json:"total"`
	Percent    float64 `json:"percent"`
	Message    string  `json:"message,omitempty"`
}

const (
	topicChangeAll      = "dstu:change"
	topicChangePrefix   = "dstu:change:"
	topicImportProgress = "textbook-import-progress"
)

// Bus is a small in-process pub/sub hub. Publishing never blocks: slow
// subscribers drop events rather than stall store operations.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string][]chan any
	closed bool

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewBus creates an event bus with no subscribers.
func NewBus() *Bus {
	return &Bus{subs: make(map[string][]chan any)}
}

// Subscribe registers for a topic and returns the delivery channel and an
// unsubscribe func. The channel is buffered; events overflow silently.
func (b *Bus) Subscribe(topic string) (<-chan any, func()) {
	ch := make(chan any, 64)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[topic] = append(b.subs[topic], ch)
	b.mu.Unlock()

	once := sync.Once{}
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			list := b.subs[topic]
			for i, c := range list {
				if c == ch {
					b.subs[topic] = append(list[:i], list[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	return ch, cancel
}

// SubscribeChanges registers for change events on one path, or all paths
// when path is empty.
func (b *Bus) SubscribeChanges(path string) (<-chan any, func()) {
	if path == "" {
		return b.Subscribe(topicChangeAll)
	}
	return b.Subscribe(topicChangePrefix + path)
}

// SubscribeImportProgress registers for textbook import progress.
func (b *Bus) SubscribeImportProgress() (<-chan any, func()) {
	return b.Subscribe(topicImportProgress)
}

// Publish delivers an event to all subscribers of a topic without blocking.
func (b *Bus) Publish(topic string, event any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- event:
		default:
			// subscriber lagging; drop rather than block the store
		}
	}
}

// EmitChange publishes to both the wildcard topic and the per-path topic.
func (b *Bus) EmitChange(path string, kind ChangeKind) {
	ev := ChangeEvent{Path: path, Kind: kind}
	b.Publish(topicChangeAll, ev)
	b.Publish(topicChangePrefix+path, ev)
}

// EmitImportProgress publishes a textbook import progress update.
func (b *Bus) EmitImportProgress(p ImportProgress) {
	if p.Total > 0 {
		p.Percent = float64(p.Current) / float64(p.Total) * 100
	}
	b.Publish(topicImportProgress, p)
}

// WatchDir starts an fsnotify watcher on dir and republishes external
// filesystem changes as change events with path "blobs/<name>". Nested
// shard directories created later are added to the watch set.
func (b *Bus) WatchDir(dir string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.watcher != nil {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}
	b.watcher = w
	b.done = make(chan struct{})

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				b.handleFSEvent(dir, ev)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.VFSWarn("watcher error: %v", err)
			case <-b.done:
				return
			}
		}
	}()
	logging.VFSDebug("watching %s for external changes", dir)
	return nil
}

func (b *Bus) handleFSEvent(root string, ev fsnotify.Event) {
	rel, err := filepath.Rel(root, ev.Name)
	if err != nil {
		rel = filepath.Base(ev.Name)
	}
	rel = filepath.ToSlash(rel)
	if strings.HasPrefix(rel, ".") {
		return
	}

	// New shard directories need their own watch to see files inside.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			b.mu.RLock()
			w := b.watcher
			b.mu.RUnlock()
			if w != nil {
				_ = w.Add(ev.Name)
			}
			return
		}
	}

	switch {
	case ev.Op.Has(fsnotify.Create):
		b.EmitChange("blobs/"+rel, ChangeCreated)
	case ev.Op.Has(fsnotify.Write):
		b.EmitChange("blobs/"+rel, ChangeUpdated)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		b.EmitChange("blobs/"+rel, ChangeDeleted)
	}
}

// Close stops the watcher and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.watcher != nil {
		close(b.done)
		b.watcher.Close()
		b.watcher = nil
	}
	for topic, list := range b.subs {
		for _, ch := range list {
			close(ch)
		}
		delete(b.subs, topic)
	}
}
