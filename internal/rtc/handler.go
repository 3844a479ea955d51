package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"

	"github.com/chadiek/career-interview/internal/agent"
	"github.com/chadiek/career-interview/internal/transcript"
	"github.com/chadiek/career-interview/internal/tts"
)

// Channel is the metrics label for browser sessions.
const Channel = "webrtc"

var ErrInvalidOffer = errors.New("rtc: invalid offer")

// SessionDescription is a small DTO to avoid exposing webrtc types in transport.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Answer is the SDP answer plus the interview session it belongs to.
type Answer struct {
	SessionDescription
	SessionID string `json:"sessionId"`
}

// Handler connects browser peers to interview sessions.
type Handler struct {
	factory       *agent.Factory
	synth         tts.Synthesizer
	assemblyAIKey string
	iceServers    []webrtc.ICEServer
	authPassword  string
	logger        zerolog.Logger

	mu    sync.Mutex
	calls map[string]*call
}

func NewHandler(factory *agent.Factory, assemblyAIKey string, synth tts.Synthesizer, logger zerolog.Logger) *Handler {
	return &Handler{
		factory:       factory,
		synth:         synth,
		assemblyAIKey: assemblyAIKey,
		iceServers:    defaultICEServers,
		logger:        logger.With().Str("component", "rtc").Logger(),
		calls:         make(map[string]*call),
	}
}

func (h *Handler) WithICEServers(servers []webrtc.ICEServer) *Handler {
	if len(servers) > 0 {
		h.iceServers = servers
	}
	return h
}

// WithAuth requires the password on the WebSocket signaling route.
func (h *Handler) WithAuth(password string) *Handler {
	h.authPassword = password
	return h
}

// HandleOffer accepts an SDP offer and returns the answer once ICE gathering completes.
func (h *Handler) HandleOffer(ctx context.Context, offer SessionDescription) (Answer, error) {
	if offer.Type != "offer" || offer.SDP == "" {
		return Answer{}, ErrInvalidOffer
	}
	c, err := h.newCall()
	if err != nil {
		return Answer{}, err
	}

	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		c.close()
		return Answer{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		c.close()
		return Answer{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		c.close()
		return Answer{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		c.close()
		return Answer{}, ctx.Err()
	}
	local := c.pc.LocalDescription()
	if local == nil {
		c.close()
		return Answer{}, errors.New("rtc: no local description")
	}
	return Answer{
		SessionDescription: SessionDescription{Type: "answer", SDP: local.SDP},
		SessionID:          c.session.ID(),
	}, nil
}

// Close hangs up every live call.
func (h *Handler) Close() {
	h.mu.Lock()
	calls := make([]*call, 0, len(h.calls))
	for _, c := range h.calls {
		calls = append(calls, c)
	}
	h.mu.Unlock()
	for _, c := range calls {
		c.close()
	}
}

// Len reports the number of live calls.
func (h *Handler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// call is one browser peer and the interview session it drives.
type call struct {
	pc      *webrtc.PeerConnection
	capture *transcript.AssemblyAI
	paced   *OpusPacedWriter
	session *agent.Session
	control atomic.Pointer[webrtc.DataChannel]
	logger  zerolog.Logger

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	onClosed  func()
}

func (h *Handler) newCall() (*call, error) {
	pc, outTrack, err := newPeer(h.iceServers)
	if err != nil {
		return nil, err
	}
	id := agent.NewID()
	logger := h.logger.With().Str("session_id", id).Logger()

	paced, err := NewOpusPacedWriter(outTrack, logger)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	c := &call{
		pc:      pc,
		paced:   paced,
		capture: transcript.NewAssemblyAI(h.assemblyAIKey, transcript.Options{Logger: logger}),
		logger:  logger,
		done:    make(chan struct{}),
	}
	speaker := tts.NewSpeaker(h.synth, paced, logger)
	c.session, err = h.factory.New(id, Channel, c.capture, speaker, c.sendState)
	if err != nil {
		_ = c.capture.Close()
		paced.Close()
		_ = pc.Close()
		return nil, err
	}

	c.onClosed = func() {
		h.mu.Lock()
		delete(h.calls, id)
		h.mu.Unlock()
	}
	h.mu.Lock()
	h.calls[id] = c
	h.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info().Str("state", state.String()).Msg("peer connection state")
		if isTerminal(state) {
			go c.close()
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		logger.Debug().Str("state", state.String()).Msg("ice state")
	})
	pc.OnDataChannel(c.onDataChannel)
	pc.OnTrack(c.onTrack)
	return c, nil
}

func (c *call) onDataChannel(dc *webrtc.DataChannel) {
	if dc.Label() != ControlLabel {
		return
	}
	c.logger.Info().Msg("control channel opened")
	dc.OnOpen(func() {
		c.control.Store(dc)
		c.sendState(c.session.State())
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if err := handleControl(c.session, msg.Data); err != nil {
			c.logger.Debug().Err(err).Msg("control command rejected")
			c.send(errorMessage{Type: "error", Error: err.Error()})
		}
	})
}

func (c *call) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if remote.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	c.logger.Info().Str("codec", remote.Codec().MimeType).Msg("remote audio track received")

	dec, err := opus.NewDecoder(micSampleRate, 1)
	if err != nil {
		c.logger.Error().Err(err).Msg("opus decoder")
		return
	}
	go c.readMic(remote, dec)

	c.startOnce.Do(func() {
		c.paced.WritePCM(chimePCM(200 * time.Millisecond))
		if err := c.session.Start(context.Background()); err != nil {
			c.logger.Error().Err(err).Msg("session start failed")
		}
	})
}

// readMic decodes the caller's audio to 16kHz PCM and feeds speech capture.
func (c *call) readMic(remote *webrtc.TrackRemote, dec *opus.Decoder) {
	chunker := newPCMChunker(micChunkBytes, c.capture.FeedPCM16KLE)
	samples := make([]int16, 1920)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			c.logger.Debug().Err(err).Msg("rtp read ended")
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			c.logger.Debug().Err(err).Msg("opus decode")
			continue
		}
		chunker.push(samples[:n])
	}
}

func (c *call) sendState(snap agent.Snapshot) {
	c.send(newStateMessage(snap))
}

func (c *call) send(v any) {
	dc := c.control.Load()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := dc.SendText(string(data)); err != nil {
		c.logger.Debug().Err(err).Msg("control send failed")
	}
}

// close tears down the session before the media it depends on.
func (c *call) close() {
	c.closeOnce.Do(func() {
		c.session.Close()
		if err := c.capture.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("capture close")
		}
		c.paced.Close()
		_ = c.pc.Close()
		close(c.done)
		if c.onClosed != nil {
			c.onClosed()
		}
	})
}
