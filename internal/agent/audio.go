package agent

import (
	"bytes"
	"sync"
)

// frameChunker re-chunks the agent's audio deltas into fixed-size frames
// for the telephony leg, which expects a steady frame cadence rather than
// the bursty deltas the realtime API emits.
type frameChunker struct {
	frameSize int
	buffer    *bytes.Buffer
}

func newFrameChunker(sampleRate, channels, frameMs, bytesPerSample int) *frameChunker {
	bytesPerMs := (sampleRate * channels * bytesPerSample) / 1000
	return &frameChunker{
		frameSize: frameMs * bytesPerMs,
		buffer:    bytes.NewBuffer(nil),
	}
}

// push appends delta bytes and returns any complete frames
func (c *frameChunker) push(data []byte) [][]byte {
	c.buffer.Write(data)

	var frames [][]byte
	for c.buffer.Len() >= c.frameSize {
		frame := make([]byte, c.frameSize)
		c.buffer.Read(frame)
		frames = append(frames, frame)
	}
	return frames
}

// flush returns whatever is buffered as a final short frame
func (c *frameChunker) flush() []byte {
	if c.buffer.Len() == 0 {
		return nil
	}
	frame := make([]byte, c.buffer.Len())
	c.buffer.Read(frame)
	return frame
}

func (c *frameChunker) reset() {
	c.buffer.Reset()
}

// audioQueue is the outbound frame queue between the agent connection and
// the telephony writer. The end-call drain waits on it emptying so the
// caller hears the full closing line before the line drops.
type audioQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	frames [][]byte
	closed bool
}

func newAudioQueue() *audioQueue {
	q := &audioQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *audioQueue) enqueue(frame []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.frames = append(q.frames, frame)
	q.cond.Broadcast()
}

// dequeue pops the next frame, blocking until one is available or the
// queue is closed.
func (q *audioQueue) dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.frames) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames = q.frames[1:]
	q.cond.Broadcast()
	return frame, true
}

func (q *audioQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.frames)
}

func (q *audioQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
