package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const DefaultStreamingURL = "wss://streaming.assemblyai.com/v3/ws"

var (
	ErrMissingAPIKey = errors.New("transcript: AssemblyAI API key is empty")
	ErrClosed        = errors.New("transcript: closed")
)

// Options tunes the AssemblyAI connection. Zero values select the defaults.
type Options struct {
	URL        string
	SampleRate int
	Dialer     *websocket.Dialer
	Logger     zerolog.Logger
}

// AssemblyAI is live speech capture backed by AssemblyAI's v3 streaming API.
// The websocket is opened on the first Start and reopened by a later Start if
// it drops. Start and Stop only gate whether audio and recognized turns are
// accepted.
type AssemblyAI struct {
	apiKey string
	url    string
	dialer *websocket.Dialer
	logger zerolog.Logger

	connMu  sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	audio   chan []byte
	done    chan struct{}
	closed  bool
	wg      sync.WaitGroup

	mu          sync.Mutex
	listening   bool
	committed   []string
	interim     string
	lastCommit  int
	updates     chan string
	updatesDone bool
}

// Begin, Turn, Termination and Error are the server messages we act on.
type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnMessage struct {
	Type       string `json:"type"`
	TurnOrder  int    `json:"turn_order"`
	Transcript string `json:"transcript"`
	EndOfTurn  bool   `json:"end_of_turn"`
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func NewAssemblyAI(apiKey string, opts Options) *AssemblyAI {
	if opts.SampleRate == 0 {
		opts.SampleRate = 16000
	}
	base := opts.URL
	if base == "" {
		base = DefaultStreamingURL
	}
	params := url.Values{}
	params.Set("sample_rate", fmt.Sprint(opts.SampleRate))
	params.Set("format_turns", "false")
	params.Set("encoding", "pcm_s16le")

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return &AssemblyAI{
		apiKey:     apiKey,
		url:        base + "?" + params.Encode(),
		dialer:     dialer,
		logger:     opts.Logger.With().Str("component", "assemblyai").Logger(),
		audio:      make(chan []byte, 1000),
		done:       make(chan struct{}),
		updates:    make(chan string, 64),
		lastCommit: -1,
	}
}

// Start opens the stream if needed and begins accepting speech.
func (a *AssemblyAI) Start(ctx context.Context) error {
	a.mu.Lock()
	a.listening = true
	a.mu.Unlock()
	if err := a.connect(ctx); err != nil {
		a.mu.Lock()
		a.listening = false
		a.mu.Unlock()
		return err
	}
	return nil
}

// Stop stops accepting speech. The transcript is frozen until the next Start.
func (a *AssemblyAI) Stop() error {
	a.mu.Lock()
	a.listening = false
	a.mu.Unlock()
	return nil
}

// Reset clears the accumulated transcript.
func (a *AssemblyAI) Reset() {
	a.mu.Lock()
	a.committed = nil
	a.interim = ""
	a.mu.Unlock()
}

func (a *AssemblyAI) Transcript() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.transcriptLocked()
}

func (a *AssemblyAI) IsListening() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listening
}

// Updates delivers the full transcript after every accepted change. It is
// closed by Close.
func (a *AssemblyAI) Updates() <-chan string { return a.updates }

// FeedPCM16KLE queues 16kHz mono PCM for recognition. Audio is dropped while
// not listening or when the send queue is full.
func (a *AssemblyAI) FeedPCM16KLE(pcm []byte) {
	if !a.IsListening() {
		return
	}
	a.connMu.Lock()
	connected := a.conn != nil && !a.closed
	a.connMu.Unlock()
	if !connected {
		return
	}
	select {
	case a.audio <- pcm:
	default:
		a.logger.Debug().Msg("audio queue full, dropping frame")
	}
}

// Close terminates the stream and waits for its goroutines.
func (a *AssemblyAI) Close() error {
	a.connMu.Lock()
	if a.closed {
		a.connMu.Unlock()
		return nil
	}
	a.closed = true
	close(a.done)
	conn := a.conn
	a.connMu.Unlock()

	a.Stop()
	if conn != nil {
		a.writeMu.Lock()
		_ = conn.WriteJSON(map[string]string{"type": "Terminate"})
		a.writeMu.Unlock()
		_ = conn.Close()
	}
	a.wg.Wait()
	a.mu.Lock()
	a.updatesDone = true
	close(a.updates)
	a.mu.Unlock()
	a.logger.Debug().Msg("stream closed")
	return nil
}

func (a *AssemblyAI) connect(ctx context.Context) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if a.conn != nil {
		return nil
	}
	if a.apiKey == "" {
		return ErrMissingAPIKey
	}

	headers := http.Header{}
	headers.Set("Authorization", a.apiKey)
	conn, resp, err := a.dialer.DialContext(ctx, a.url, headers)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return fmt.Errorf("transcript: connect to AssemblyAI (status %d): %w", status, err)
	}
	a.conn = conn
	a.wg.Add(2)
	go a.readLoop(conn)
	go a.sendLoop(conn)
	a.logger.Info().Msg("connected to streaming service")
	return nil
}

func (a *AssemblyAI) readLoop(conn *websocket.Conn) {
	defer a.wg.Done()
	defer func() {
		a.connMu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.connMu.Unlock()
	}()
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-a.done:
			default:
				a.logger.Warn().Err(err).Msg("stream read failed")
			}
			return
		}
		a.handle(message)
	}
}

func (a *AssemblyAI) sendLoop(conn *websocket.Conn) {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			return
		case pcm := <-a.audio:
			a.writeMu.Lock()
			err := conn.WriteMessage(websocket.BinaryMessage, pcm)
			a.writeMu.Unlock()
			if err != nil {
				a.logger.Warn().Err(err).Msg("sending audio failed")
				return
			}
		}
	}
}

func (a *AssemblyAI) handle(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		a.logger.Warn().Err(err).Msg("unreadable message")
		return
	}
	switch base.Type {
	case "Begin":
		var msg BeginMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			a.logger.Debug().Str("id", msg.ID).Time("expires_at", time.Unix(msg.ExpiresAt, 0)).Msg("session began")
		}
	case "Turn":
		var msg TurnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			a.logger.Warn().Err(err).Msg("unreadable turn")
			return
		}
		a.applyTurn(msg)
	case "Termination":
		var msg TerminationMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			a.logger.Debug().Float64("audio_seconds", msg.AudioDurationSeconds).Float64("session_seconds", msg.SessionDurationSeconds).Msg("session terminated")
		}
	case "Error":
		var msg ErrorMessage
		if err := json.Unmarshal(message, &msg); err == nil {
			a.logger.Error().Str("error", msg.Error).Msg("streaming error")
		}
	default:
		a.logger.Debug().Str("type", base.Type).Msg("unknown message type")
	}
}

// applyTurn folds a turn into the transcript: finished turns are committed,
// the open turn is the interim tail.
func (a *AssemblyAI) applyTurn(msg TurnMessage) {
	text := strings.TrimSpace(msg.Transcript)
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.listening || a.updatesDone {
		return
	}
	if msg.EndOfTurn {
		if msg.TurnOrder <= a.lastCommit {
			return
		}
		a.lastCommit = msg.TurnOrder
		if text != "" {
			a.committed = append(a.committed, text)
		}
		a.interim = ""
	} else {
		if text == "" || msg.TurnOrder <= a.lastCommit {
			return
		}
		a.interim = text
	}
	a.publishLocked(a.transcriptLocked())
}

// publishLocked keeps only the newest transcripts when the consumer lags.
func (a *AssemblyAI) publishLocked(text string) {
	select {
	case a.updates <- text:
		return
	default:
	}
	select {
	case <-a.updates:
	default:
	}
	select {
	case a.updates <- text:
	default:
	}
}

func (a *AssemblyAI) transcriptLocked() string {
	parts := append([]string(nil), a.committed...)
	if a.interim != "" {
		parts = append(parts, a.interim)
	}
	return strings.Join(parts, " ")
}
