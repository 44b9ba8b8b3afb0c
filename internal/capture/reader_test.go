package capture

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panocap/internal/pano"
)

func TestFrameReaderKeepsNewestFrame(t *testing.T) {
	feed := make(chan *pano.Image)
	quit := make(chan struct{})
	var calls atomic.Int32
	fr := startFrameReader(func() *pano.Image {
		calls.Add(1)
		select {
		case img := <-feed:
			return img
		case <-quit:
			return nil
		}
	})
	defer fr.Stop()
	defer close(quit)

	start := time.Now()
	assert.Nil(t, fr.Take(), "no frame while the device read is pending")
	assert.Less(t, time.Since(start), time.Second)

	a, b := frame(2, 2), frame(3, 3)
	feed <- a
	feed <- b
	// the third read starts only after b has been stored
	require.Eventually(t, func() bool { return calls.Load() >= 3 }, 2*time.Second, time.Millisecond)

	assert.Same(t, b, fr.Take())
	assert.Nil(t, fr.Take(), "a frame is handed over once")
}

func TestFrameReaderStopWaitsForLoop(t *testing.T) {
	var calls atomic.Int32
	fr := startFrameReader(func() *pano.Image {
		calls.Add(1)
		return nil
	})
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, time.Millisecond)

	fr.Stop()
	n := calls.Load()
	time.Sleep(5 * readRetryDelay)
	assert.Equal(t, n, calls.Load(), "no reads after Stop")
	fr.Stop()
}
