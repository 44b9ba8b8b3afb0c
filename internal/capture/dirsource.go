package capture

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"

	"panocap/internal/fsutil"
	"panocap/internal/pano"
)

// DirSource serves frames written into a directory by an external camera
// application. Each CaptureFrame returns the newest file that arrived since the
// previous call; older arrivals are superseded, as with a live preview.
type DirSource struct {
	dir     string
	watcher *fsnotify.Watcher
	log     *slog.Logger

	mu     sync.Mutex
	latest string
	seen   map[string]struct{}

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewDirSource watches dir for new frame files.
func NewDirSource(dir string, logger *slog.Logger) (*DirSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	ds := &DirSource{
		dir:     dir,
		watcher: watcher,
		log:     logger,
		seen:    make(map[string]struct{}),
		done:    make(chan struct{}),
	}
	// frames already present belong to an earlier session
	if existing, err := fsutil.ListImages(dir); err == nil {
		for _, p := range existing {
			ds.seen[p] = struct{}{}
		}
	}

	ds.wg.Add(1)
	go ds.processEvents()
	logger.Info("watching directory for frames", "dir", dir)
	return ds, nil
}

// CaptureFrame implements FrameSource.
func (ds *DirSource) CaptureFrame() *pano.Image {
	ds.mu.Lock()
	path := ds.latest
	ds.latest = ""
	ds.mu.Unlock()

	if path == "" {
		return nil
	}
	img, err := pano.DecodeFile(path)
	if err != nil {
		// usually a file still being written; the slot is skipped
		ds.log.Debug("frame not decodable yet", "path", path, "error", err)
		return nil
	}
	return img
}

// Close stops watching.
func (ds *DirSource) Close() error {
	var err error
	ds.stopOnce.Do(func() {
		close(ds.done)
		err = ds.watcher.Close()
		ds.wg.Wait()
	})
	return err
}

func (ds *DirSource) processEvents() {
	defer ds.wg.Done()
	for {
		select {
		case event, ok := <-ds.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !fsutil.IsImageFile(event.Name) {
				continue
			}
			ds.mu.Lock()
			if _, dup := ds.seen[event.Name]; !dup || event.Has(fsnotify.Write) {
				ds.seen[event.Name] = struct{}{}
				ds.latest = event.Name
			}
			ds.mu.Unlock()

		case err, ok := <-ds.watcher.Errors:
			if !ok {
				return
			}
			ds.log.Warn("frame directory watcher error", "dir", ds.dir, "error", err)

		case <-ds.done:
			return
		}
	}
}
