package rtc

import (
	"context"
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/rs/zerolog"
)

const (
	outSampleRate  = 48000
	frameSamples   = 960 // 20ms at 48kHz
	frameDuration  = 20 * time.Millisecond
	tailSilence    = 10 // frames
	micSampleRate  = 16000
	micChunkBytes  = 3200 // 100ms of 16kHz 16-bit mono
	maxOpusPacket  = 4000
	frameQueueSize = 512
)

// sampleWriter is the part of a local track the writer needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// OpusPacedWriter encodes 48kHz mono PCM to Opus frames and writes them to a
// track at real-time pace. It implements tts.Sink.
type OpusPacedWriter struct {
	enc     *opus.Encoder
	track   sampleWriter
	logger  zerolog.Logger
	pcmBuf  []int16
	frames  chan []byte
	pending atomic.Int64
	stopCh  chan struct{}
	stopped bool
	mu      sync.Mutex
}

func NewOpusPacedWriter(track sampleWriter, logger zerolog.Logger) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(outSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := newPacedWriter(enc, track, logger)
	go w.pacer()
	return w, nil
}

func newPacedWriter(enc *opus.Encoder, track sampleWriter, logger zerolog.Logger) *OpusPacedWriter {
	return &OpusPacedWriter{
		enc:    enc,
		track:  track,
		logger: logger,
		frames: make(chan []byte, frameQueueSize),
		stopCh: make(chan struct{}),
	}
}

// WritePCM buffers little-endian PCM and queues every complete frame.
func (w *OpusPacedWriter) WritePCM(pcm []byte) {
	if len(pcm) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(pcm) / 2
	for i := 0; i < n; i++ {
		w.pcmBuf = append(w.pcmBuf, int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	for len(w.pcmBuf) >= frameSamples {
		w.encodeLocked(w.pcmBuf[:frameSamples])
		w.pcmBuf = append(w.pcmBuf[:0], w.pcmBuf[frameSamples:]...)
	}
}

// FlushTail pads the remaining PCM to a full frame and adds ~200ms of
// silence so the last syllable is not clipped.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, frameSamples)
		copy(pad, w.pcmBuf)
		w.encodeLocked(pad)
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, frameSamples)
	for i := 0; i < tailSilence; i++ {
		w.encodeLocked(silence)
	}
}

// WaitIdle blocks until every queued frame has been written or the writer is closed.
func (w *OpusPacedWriter) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for w.pending.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case <-ticker.C:
		}
	}
	return nil
}

// Reset drops queued frames and buffered PCM.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pcmBuf = w.pcmBuf[:0]
	for {
		select {
		case <-w.frames:
			w.pending.Add(-1)
		default:
			return
		}
	}
}

// Close stops the pacer. Queued frames are discarded.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) encodeLocked(frame []int16) {
	buf := make([]byte, maxOpusPacket)
	n, err := w.enc.Encode(frame, buf)
	if err != nil {
		w.logger.Warn().Err(err).Msg("opus encode failed")
		return
	}
	if n > 0 {
		w.pushFrame(buf[:n])
	}
}

// pushFrame enqueues a frame, blocking until there is room or the writer stops.
func (w *OpusPacedWriter) pushFrame(pkt []byte) {
	w.pending.Add(1)
	select {
	case <-w.stopCh:
		w.pending.Add(-1)
	case w.frames <- pkt:
	}
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				if err := w.track.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
					w.logger.Debug().Err(err).Msg("track write failed")
				}
				w.pending.Add(-1)
			default:
			}
		}
	}
}

// chimePCM returns a short 440Hz tone as 48kHz little-endian PCM, played
// once when the audio path comes up.
func chimePCM(d time.Duration) []byte {
	total := int(int64(outSampleRate) * int64(d) / int64(time.Second))
	out := make([]byte, total*2)
	inc := 2 * math.Pi * 440.0 / outSampleRate
	for i := 0; i < total; i++ {
		v := int16(math.Sin(float64(i)*inc) * 6000)
		binary.LittleEndian.PutUint16(out[2*i:], uint16(v))
	}
	return out
}

// pcmChunker turns decoded mic samples into fixed-size 16kHz PCM chunks.
type pcmChunker struct {
	buf  []byte
	size int
	emit func([]byte)
}

func newPCMChunker(size int, emit func([]byte)) *pcmChunker {
	return &pcmChunker{buf: make([]byte, 0, size*2), size: size, emit: emit}
}

func (c *pcmChunker) push(samples []int16) {
	for _, s := range samples {
		c.buf = binary.LittleEndian.AppendUint16(c.buf, uint16(s))
	}
	for len(c.buf) >= c.size {
		chunk := make([]byte, c.size)
		copy(chunk, c.buf[:c.size])
		c.emit(chunk)
		c.buf = append(c.buf[:0], c.buf[c.size:]...)
	}
}
