package capture

import (
	"sync"
	"time"

	"panocap/internal/pano"
)

const readRetryDelay = 10 * time.Millisecond

// frameReader runs a blocking read function on its own goroutine and keeps
// only the newest frame it produced. Take never waits on the device.
type frameReader struct {
	read func() *pano.Image

	mu     sync.Mutex
	latest *pano.Image

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// startFrameReader begins calling read until Stop. A nil frame from read
// means nothing was available and is retried after a short pause.
func startFrameReader(read func() *pano.Image) *frameReader {
	fr := &frameReader{read: read, done: make(chan struct{})}
	fr.wg.Add(1)
	go fr.loop()
	return fr
}

func (fr *frameReader) loop() {
	defer fr.wg.Done()
	for {
		select {
		case <-fr.done:
			return
		default:
		}

		img := fr.read()
		if img == nil {
			select {
			case <-fr.done:
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}
		fr.mu.Lock()
		fr.latest = img
		fr.mu.Unlock()
	}
}

// Take returns the newest unread frame, or nil if none arrived since the
// previous call.
func (fr *frameReader) Take() *pano.Image {
	fr.mu.Lock()
	defer fr.mu.Unlock()
	img := fr.latest
	fr.latest = nil
	return img
}

// Stop ends the loop and waits for a read already in progress.
func (fr *frameReader) Stop() {
	fr.stopOnce.Do(func() {
		close(fr.done)
		fr.wg.Wait()
	})
}
