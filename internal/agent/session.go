package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/career-interview/internal/interview"
	"github.com/chadiek/career-interview/internal/metrics"
	"github.com/chadiek/career-interview/internal/tts"
)

var (
	ErrBusy           = errors.New("agent: a turn is already being processed")
	ErrNotAccepting   = errors.New("agent: session is not accepting input")
	ErrEmptyInput     = errors.New("agent: empty input")
	ErrNothingToRetry = errors.New("agent: nothing to retry")
	ErrClosed         = errors.New("agent: session closed")
	ErrStarted        = errors.New("agent: session already started")
)

// Config tunes turn timing and failure handling.
type Config struct {
	// AutoSubmitDelay is how long the transcript must stay unchanged before it is submitted.
	AutoSubmitDelay time.Duration
	// MinAutoSubmitLength is the trimmed transcript length that must be exceeded to arm auto-submit.
	MinAutoSubmitLength int
	MaxRetries          int
	// LoopSettle is the pause between loop items.
	LoopSettle     time.Duration
	PersistTimeout time.Duration
	// Channel labels metrics ("webrtc", "phone").
	Channel string
}

func DefaultConfig() Config {
	return Config{
		AutoSubmitDelay:     4 * time.Second,
		MinAutoSubmitLength: 10,
		MaxRetries:          3,
		LoopSettle:          500 * time.Millisecond,
		PersistTimeout:      10 * time.Second,
		Channel:             "webrtc",
	}
}

// Deps are the collaborators a session drives. Persister, Archiver and
// OnChange are optional.
type Deps struct {
	Capture   SpeechCapture
	Output    SpeechOutput
	Generator ResponseGenerator
	Steps     *interview.Table
	Persister Persister
	Archiver  Archiver
	Logger    zerolog.Logger
	// OnChange receives state snapshots in order on a dedicated goroutine.
	OnChange func(Snapshot)
	// OnClose runs once after Close has stopped all background work.
	OnClose func(id string)
}

// Snapshot is a copy of session state for observers.
type Snapshot struct {
	SessionID         string                  `json:"sessionId"`
	Phase             Phase                   `json:"phase"`
	Processing        bool                    `json:"processing"`
	Transcript        string                  `json:"transcript"`
	Log               []interview.Entry       `json:"conversationLog"`
	Error             *ErrorInfo              `json:"error,omitempty"`
	StepID            int                     `json:"stepId"`
	StepName          string                  `json:"stepName"`
	StepTitle         string                  `json:"stepTitle"`
	StepIndex         int                     `json:"stepIndex"`
	TotalSteps        int                     `json:"totalSteps"`
	Progress          int                     `json:"progress"`
	RequiresTextInput bool                    `json:"requiresTextInput"`
	Loop              *interview.LoopSnapshot `json:"loop,omitempty"`
	Profile           interview.Profile       `json:"profile"`
}

type afterSpeech int

const (
	afterResume afterSpeech = iota
	afterAdvance
	afterFinish
	afterErrorRecoverable
	afterErrorTerminal
)

type transitionOutcome struct {
	step        interview.Step
	stepChanged bool
	final       bool
}

// Session runs one interview. Every callback takes the session lock and
// checks the phase before acting; blocking work runs on goroutines that
// report back with a sequence number so stale completions are dropped.
type Session struct {
	id       string
	cfg      Config
	capture  SpeechCapture
	output   SpeechOutput
	gen      ResponseGenerator
	persist  Persister
	archive  Archiver
	logger   zerolog.Logger
	onChange func(Snapshot)
	onClose  func(string)

	steps *interview.StepMachine
	loop  *interview.Loop

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	changes chan Snapshot

	mu            sync.Mutex
	phase         Phase
	started       bool
	closed        bool
	ended         bool
	changesClosed bool
	processing    bool
	transcript    string
	log           []interview.Entry
	errInfo       *ErrorInfo
	retryCount    int
	lastInput     string
	turn          uint64
	speech        uint64
	transitionSeq uint64
	debounce      debounceTimer
	profile       interview.Profile
}

// NewSession builds an idle session positioned on the first step.
func NewSession(id string, cfg Config, deps Deps) (*Session, error) {
	if deps.Capture == nil || deps.Output == nil || deps.Generator == nil || deps.Steps == nil {
		return nil, errors.New("agent: capture, output, generator and steps are required")
	}
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.AutoSubmitDelay <= 0 {
		cfg.AutoSubmitDelay = def.AutoSubmitDelay
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = def.PersistTimeout
	}
	if cfg.Channel == "" {
		cfg.Channel = def.Channel
	}
	machine, err := interview.NewStepMachine(deps.Steps)
	if err != nil {
		return nil, err
	}
	s := &Session{
		id:       id,
		cfg:      cfg,
		capture:  deps.Capture,
		output:   deps.Output,
		gen:      deps.Generator,
		persist:  deps.Persister,
		archive:  deps.Archiver,
		logger:   deps.Logger.With().Str("session_id", id).Logger(),
		onChange: deps.OnChange,
		onClose:  deps.OnClose,
		steps:    machine,
		loop:     interview.NewLoop(cfg.LoopSettle),
		phase:    PhaseIdle,
	}
	if s.onChange != nil {
		s.changes = make(chan Snapshot, 64)
	}
	return s, nil
}

func (s *Session) ID() string { return s.id }

// Start speaks the first step's opening message, or starts listening when it has none.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.started {
		return ErrStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	metrics.SessionStarted()

	if s.changes != nil {
		s.wg.Add(1)
		go s.dispatch()
	}
	s.wg.Add(1)
	go s.pumpTranscripts()

	step := s.steps.Current()
	if step.IsDynamicLoop {
		s.loop.Init(s.profile.Experience())
	}
	s.logger.Info().Str("step", step.Name).Msg("session started")
	if step.InitialMessage != "" && s.fireLocked(EventAnnounce) {
		s.appendLocked(interview.SpeakerAssistant, step.InitialMessage)
		s.speakLocked(step.InitialMessage, afterResume)
	} else {
		s.resumeLocked()
	}
	s.notifyLocked()
	return nil
}

// Submit sends the current transcript as the user's turn.
func (s *Session) Submit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.submitLocked(strings.TrimSpace(s.transcript))
}

// SubmitText sends typed input as the user's turn.
func (s *Session) SubmitText(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.submitLocked(strings.TrimSpace(text))
}

// Retry resubmits the last input after a failed turn.
func (s *Session) Retry() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.errInfo == nil || s.lastInput == "" {
		return ErrNothingToRetry
	}
	if s.processing {
		return ErrBusy
	}
	if _, ok := Transition(s.phase, EventRetry); !ok {
		return ErrNotAccepting
	}
	s.errInfo = nil
	// the failure notice may still be playing
	s.speech++
	s.output.Stop()
	s.fireLocked(EventRetry)
	s.logger.Info().Int("retry_count", s.retryCount).Msg("retrying last input")
	s.processLocked(s.lastInput)
	s.notifyLocked()
	return nil
}

// StopSpeaking cuts off current playback. The session continues as if the
// speech had finished.
func (s *Session) StopSpeaking() {
	s.mu.Lock()
	phase := s.phase
	s.mu.Unlock()
	if phase == PhaseSpeaking || phase == PhaseError {
		s.output.Stop()
	}
}

// State returns a snapshot of the session.
func (s *Session) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Close stops all activity and waits for background work to finish.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.debounce.Cancel()
	s.stopCaptureLocked()
	if s.phase != PhaseClosing {
		s.fireLocked(EventClose)
	}
	if s.started {
		s.endLocked("abandoned")
	}
	s.notifyLocked()
	if s.changes != nil {
		s.changesClosed = true
		close(s.changes)
	}
	cancel := s.cancel
	s.mu.Unlock()

	s.output.Stop()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	if s.onClose != nil {
		s.onClose(s.id)
	}
	s.logger.Info().Msg("session closed")
}

func (s *Session) dispatch() {
	defer s.wg.Done()
	for snap := range s.changes {
		s.onChange(snap)
	}
}

func (s *Session) pumpTranscripts() {
	defer s.wg.Done()
	updates := s.capture.Updates()
	for {
		select {
		case <-s.ctx.Done():
			return
		case text, ok := <-updates:
			if !ok {
				return
			}
			s.onTranscript(text)
		}
	}
}

func (s *Session) onTranscript(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.phase != PhaseListening || text == s.transcript {
		return
	}
	s.transcript = text
	if len(strings.TrimSpace(text)) > s.cfg.MinAutoSubmitLength {
		s.debounce.Arm(s.cfg.AutoSubmitDelay, s.onDebounce)
	} else {
		s.debounce.Cancel()
	}
	s.notifyLocked()
}

func (s *Session) onDebounce(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.debounce.Current(gen) {
		return
	}
	s.debounce.Cancel()
	if s.phase != PhaseListening {
		return
	}
	if err := s.submitLocked(strings.TrimSpace(s.transcript)); err != nil {
		s.logger.Debug().Err(err).Msg("auto-submit skipped")
	}
}

func (s *Session) submitLocked(text string) error {
	if s.processing {
		return ErrBusy
	}
	if text == "" {
		return ErrEmptyInput
	}
	if !s.fireLocked(EventSubmit) {
		return ErrNotAccepting
	}
	s.errInfo = nil
	s.appendLocked(interview.SpeakerUser, text)
	s.lastInput = text
	s.processLocked(text)
	s.notifyLocked()
	return nil
}

// processLocked runs one turn for text. The phase is already Processing.
func (s *Session) processLocked(text string) {
	s.processing = true
	s.debounce.Cancel()
	s.stopCaptureLocked()
	s.transcript = ""

	step := s.steps.Current()
	if step.RejectsLocally(text) {
		s.processing = false
		metrics.RecordTurn(step.Name, "rejected")
		s.logger.Debug().Str("step", step.Name).Msg("input rejected by local validation")
		s.fireLocked(EventReply)
		s.appendLocked(interview.SpeakerAssistant, step.Validation.Message)
		s.speakLocked(step.Validation.Message, afterResume)
		return
	}

	history := s.log
	if n := len(history); n > 0 && history[n-1].Speaker == interview.SpeakerUser && history[n-1].Content == text {
		history = history[:n-1]
	}
	req := interview.GenerationRequest{
		UserMessage: text,
		History:     interview.LastEntries(history, interview.HistoryLimit),
		Step:        step,
		Profile:     s.profile.Clone(),
	}
	if step.IsDynamicLoop {
		if lc, ok := s.loop.Context(); ok {
			req.Loop = &lc
		}
	}

	s.turn++
	turn := s.turn
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		res, err := s.gen.Generate(s.ctx, req)
		s.onGenerated(turn, step, text, res, err)
	}()
}

func (s *Session) onGenerated(turn uint64, step interview.Step, input string, res interview.GenerationResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || turn != s.turn || s.phase != PhaseProcessing {
		return
	}
	s.processing = false
	if err != nil {
		s.failLocked(err)
		s.notifyLocked()
		return
	}
	s.retryCount = 0
	s.errInfo = nil
	s.applyResultLocked(step, input, res)

	advance := res.ShouldAdvance
	if advance && step.IsDynamicLoop && len(step.ExplicitAdvance) > 0 && !step.RequestsAdvance(input) {
		// loop items move only on an explicit request from the user
		advance = false
	}
	outcome := "stayed"
	if advance {
		outcome = "advanced"
	}
	metrics.RecordTurn(step.Name, outcome)
	s.logger.Debug().
		Str("step", step.Name).
		Bool("advance", advance).
		Int("confidence", res.Confidence).
		Bool("degraded", res.Degraded).
		Msg("turn generated")

	reply := strings.TrimSpace(res.Message)
	switch {
	case reply != "":
		s.fireLocked(EventReply)
		s.appendLocked(interview.SpeakerAssistant, reply)
		after := afterResume
		if advance {
			after = afterAdvance
		}
		s.speakLocked(reply, after)
	case advance:
		s.beginTransitionLocked()
	default:
		s.resumeLocked()
	}
	s.notifyLocked()
}

func (s *Session) applyResultLocked(step interview.Step, input string, res interview.GenerationResult) {
	jobIndex := 0
	if lc, ok := s.loop.Context(); ok {
		jobIndex = lc.Index
	}
	var updates []interview.FieldUpdate
	if res.ExtractedData != nil && res.Confidence >= interview.MinApplyConfidence {
		updates = append(updates, s.profile.Apply(*res.ExtractedData, jobIndex)...)
	}
	if step.Extract == interview.ExtractLinkedInRaw {
		if d := step.ExtractLocal(input); d != nil {
			updates = append(updates, s.profile.Apply(*d, jobIndex)...)
		}
	}
	for _, u := range updates {
		s.persistLocked(u.Field, u.Value)
	}
}

func (s *Session) failLocked(err error) {
	step := s.steps.Current()
	var f fatal
	if errors.As(err, &f) && f.Fatal() {
		s.retryCount = s.cfg.MaxRetries
	} else if s.retryCount < s.cfg.MaxRetries {
		s.retryCount++
	}
	terminal := s.retryCount >= s.cfg.MaxRetries
	msg := errorMessage(step, s.retryCount, s.cfg.MaxRetries)
	s.errInfo = &ErrorInfo{Message: msg, RetryCount: s.retryCount, MaxRetries: s.cfg.MaxRetries, Terminal: terminal}
	s.appendLocked(interview.SpeakerAssistant, msg)
	s.processing = false
	s.fireLocked(EventFail)
	s.debounce.Cancel()
	s.stopCaptureLocked()

	s.logger.Error().Err(err).Str("step", step.Name).Int("retry_count", s.retryCount).Bool("terminal", terminal).Msg("turn failed")
	metrics.RecordTurn(step.Name, "failed")
	metrics.RecordTurnFailure(terminal)

	after := afterErrorRecoverable
	if terminal {
		after = afterErrorTerminal
	}
	s.speakLocked(msg, after)
}

// speakLocked halts capture before playback starts.
func (s *Session) speakLocked(text string, after afterSpeech) {
	s.debounce.Cancel()
	s.stopCaptureLocked()
	s.speech++
	seq := s.speech
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := s.output.Speak(s.ctx, text)
		s.onSpoken(seq, after, err)
	}()
}

func (s *Session) onSpoken(seq uint64, after afterSpeech, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || seq != s.speech {
		return
	}
	if err != nil && !errors.Is(err, tts.ErrInterrupted) && !errors.Is(err, context.Canceled) {
		s.logger.Warn().Err(err).Msg("playback failed")
		if s.phase == PhaseSpeaking {
			s.failLocked(fmt.Errorf("playback: %w", err))
			s.notifyLocked()
			return
		}
	}
	switch after {
	case afterResume, afterErrorRecoverable:
		s.resumeLocked()
	case afterAdvance:
		s.beginTransitionLocked()
	case afterFinish:
		s.finishLocked()
	case afterErrorTerminal:
		// held in Error until Retry
	}
	s.notifyLocked()
}

// resumeLocked returns to waiting for user input: typed input on text
// steps, voice capture otherwise.
func (s *Session) resumeLocked() {
	step := s.steps.Current()
	if step.RequiresTextInput {
		if s.phase != PhaseIdle {
			s.fireLocked(EventAwaitText)
		}
		return
	}
	if !s.fireLocked(EventListen) {
		return
	}
	s.transcript = ""
	s.capture.Reset()
	if err := s.capture.Start(s.ctx); err != nil {
		s.logger.Warn().Err(err).Msg("capture start failed, waiting for typed input")
		s.fireLocked(EventAwaitText)
	}
}

func (s *Session) beginTransitionLocked() {
	if !s.fireLocked(EventAdvance) {
		return
	}
	s.debounce.Cancel()
	s.stopCaptureLocked()
	s.transitionSeq++
	seq := s.transitionSeq
	experience := append([]interview.LinkedInExperience(nil), s.profile.Experience()...)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out := s.applyAdvance(experience)
		s.onTransitioned(seq, out)
	}()
}

// applyAdvance moves the loop or the step machine. It runs without the
// session lock; nothing else touches either while the phase is Transitioning.
func (s *Session) applyAdvance(experience []interview.LinkedInExperience) transitionOutcome {
	cur := s.steps.Current()
	if cur.IsDynamicLoop && !s.loop.IsComplete() && s.loop.AdvanceItem() {
		return transitionOutcome{step: cur}
	}
	s.steps.MarkComplete()
	for {
		next, ok := s.steps.Advance()
		if !ok {
			return transitionOutcome{step: next, final: true}
		}
		s.loop.Reset()
		if next.IsDynamicLoop {
			s.loop.Init(experience)
			if s.loop.IsComplete() {
				// nothing to iterate
				s.steps.MarkComplete()
				continue
			}
		}
		return transitionOutcome{step: next, stepChanged: true, final: s.steps.IsLast()}
	}
}

func (s *Session) onTransitioned(seq uint64, out transitionOutcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || seq != s.transitionSeq || s.phase != PhaseTransitioning {
		return
	}
	s.logger.Info().Str("step", out.step.Name).Bool("final", out.final).Int("progress", s.steps.ProgressPercentage()).Msg("advanced")

	announce := out.step.InitialMessage != "" && (out.stepChanged || out.final)
	switch {
	case out.final && announce && s.fireLocked(EventAnnounce):
		s.appendLocked(interview.SpeakerAssistant, out.step.InitialMessage)
		s.speakLocked(out.step.InitialMessage, afterFinish)
	case out.final:
		s.finishLocked()
	case announce && s.fireLocked(EventAnnounce):
		s.appendLocked(interview.SpeakerAssistant, out.step.InitialMessage)
		s.speakLocked(out.step.InitialMessage, afterResume)
	default:
		s.resumeLocked()
	}
	s.notifyLocked()
}

func (s *Session) finishLocked() {
	if !s.fireLocked(EventFinish) {
		return
	}
	s.debounce.Cancel()
	s.stopCaptureLocked()
	s.steps.MarkComplete()
	s.persistLocked(interview.FieldInterviewCompleted, true)
	if s.archive != nil {
		profile := s.profile.Clone()
		log := append([]interview.Entry(nil), s.log...)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.PersistTimeout)
			defer cancel()
			if err := s.archive.Archive(ctx, s.id, profile, log); err != nil {
				s.logger.Warn().Err(err).Msg("archive failed")
			}
		}()
	}
	s.endLocked("completed")
	s.logger.Info().Msg("interview complete")
}

func (s *Session) persistLocked(field string, value any) {
	if s.persist == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.cfg.PersistTimeout)
		defer cancel()
		if err := s.persist.Save(ctx, s.id, field, value); err != nil {
			s.logger.Warn().Err(err).Str("field", field).Msg("persist failed")
		}
	}()
}

func (s *Session) fireLocked(e Event) bool {
	next, ok := Transition(s.phase, e)
	if !ok {
		s.logger.Debug().Str("phase", string(s.phase)).Str("event", string(e)).Msg("ignored event")
		return false
	}
	if next != s.phase {
		metrics.RecordPhaseTransition(string(s.phase), string(next))
	}
	s.phase = next
	return true
}

func (s *Session) appendLocked(speaker interview.Speaker, content string) {
	s.log = append(s.log, interview.Entry{Speaker: speaker, Content: content, At: time.Now().UTC()})
}

func (s *Session) stopCaptureLocked() {
	if err := s.capture.Stop(); err != nil {
		s.logger.Debug().Err(err).Msg("capture stop")
	}
}

func (s *Session) endLocked(outcome string) {
	if s.ended {
		return
	}
	s.ended = true
	metrics.SessionEnded(s.cfg.Channel, outcome)
}

func (s *Session) notifyLocked() {
	if s.changes == nil || s.changesClosed {
		return
	}
	snap := s.snapshotLocked()
	select {
	case s.changes <- snap:
		return
	default:
	}
	// Full: evict the oldest update; the newest must always be delivered.
	select {
	case <-s.changes:
		s.logger.Debug().Msg("stale state update dropped")
	default:
	}
	s.changes <- snap
}

func (s *Session) snapshotLocked() Snapshot {
	step := s.steps.Current()
	snap := Snapshot{
		SessionID:         s.id,
		Phase:             s.phase,
		Processing:        s.processing,
		Transcript:        s.transcript,
		Log:               append([]interview.Entry(nil), s.log...),
		StepID:            step.ID,
		StepName:          step.Name,
		StepTitle:         step.Title,
		StepIndex:         s.steps.Index(),
		TotalSteps:        s.steps.Total(),
		Progress:          s.steps.ProgressPercentage(),
		RequiresTextInput: step.RequiresTextInput,
		Profile:           s.profile.Clone(),
	}
	if s.errInfo != nil {
		info := *s.errInfo
		snap.Error = &info
	}
	if step.IsDynamicLoop {
		loop := s.loop.Snapshot()
		snap.Loop = &loop
	}
	return snap
}
