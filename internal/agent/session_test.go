package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chadiek/career-interview/internal/interview"
	"github.com/chadiek/career-interview/internal/tts"
)

type fakeCapture struct {
	mu         sync.Mutex
	listening  bool
	transcript string
	starts     int
	startErr   error
	updates    chan string
	output     *fakeOutput
	overlap    atomic.Bool
}

func newFakeCapture() *fakeCapture {
	return &fakeCapture{updates: make(chan string, 32)}
}

func (f *fakeCapture) Start(ctx context.Context) error {
	if f.output != nil && f.output.IsSpeaking() {
		f.overlap.Store(true)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.listening = true
	f.starts++
	return nil
}

func (f *fakeCapture) Stop() error {
	f.mu.Lock()
	f.listening = false
	f.mu.Unlock()
	return nil
}

func (f *fakeCapture) Reset() {
	f.mu.Lock()
	f.transcript = ""
	f.mu.Unlock()
}

func (f *fakeCapture) Transcript() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transcript
}

func (f *fakeCapture) IsListening() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listening
}

func (f *fakeCapture) Updates() <-chan string { return f.updates }

// say emulates recognized speech. It is dropped while capture is stopped.
func (f *fakeCapture) say(text string) bool {
	f.mu.Lock()
	if !f.listening {
		f.mu.Unlock()
		return false
	}
	f.transcript = text
	f.mu.Unlock()
	f.updates <- text
	return true
}

type fakeOutput struct {
	mu       sync.Mutex
	delay    time.Duration
	spoken   []string
	speaking bool
	stop     chan struct{}
	capture  *fakeCapture
	overlap  atomic.Bool
}

func (f *fakeOutput) Speak(ctx context.Context, text string) error {
	if f.capture != nil && f.capture.IsListening() {
		f.overlap.Store(true)
	}
	f.mu.Lock()
	if f.stop != nil {
		close(f.stop)
	}
	stop := make(chan struct{})
	f.stop = stop
	f.spoken = append(f.spoken, text)
	f.speaking = true
	delay := f.delay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		if f.stop == stop {
			f.stop = nil
			f.speaking = false
		}
		f.mu.Unlock()
	}()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-stop:
		return fmt.Errorf("speak: %w", tts.ErrInterrupted)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeOutput) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stop != nil {
		close(f.stop)
		f.stop = nil
		f.speaking = false
	}
}

func (f *fakeOutput) IsSpeaking() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speaking
}

func (f *fakeOutput) Spoken() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spoken...)
}

type respondFunc func(req interview.GenerationRequest) (interview.GenerationResult, error)

type fakeGenerator struct {
	mu          sync.Mutex
	calls       []interview.GenerationRequest
	callTimes   []time.Time
	inflight    int
	maxInflight int
	hold        chan struct{}
	respond     respondFunc
}

func (f *fakeGenerator) Generate(ctx context.Context, req interview.GenerationRequest) (interview.GenerationResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.callTimes = append(f.callTimes, time.Now())
	f.inflight++
	if f.inflight > f.maxInflight {
		f.maxInflight = f.inflight
	}
	hold, respond := f.hold, f.respond
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inflight--
		f.mu.Unlock()
	}()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return interview.GenerationResult{}, ctx.Err()
		}
	}
	if respond == nil {
		return interview.GenerationResult{Message: "Tell me more.", Confidence: 80}, nil
	}
	return respond(req)
}

func (f *fakeGenerator) setRespond(fn respondFunc) {
	f.mu.Lock()
	f.respond = fn
	f.mu.Unlock()
}

func (f *fakeGenerator) Calls() []interview.GenerationRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]interview.GenerationRequest(nil), f.calls...)
}

type savedField struct {
	field string
	value any
}

type fakePersister struct {
	mu    sync.Mutex
	saved []savedField
	err   error
}

func (f *fakePersister) Save(ctx context.Context, sessionID, field string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, savedField{field: field, value: value})
	return f.err
}

func (f *fakePersister) Has(field string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.saved {
		if s.field == field {
			return true
		}
	}
	return false
}

type fakeArchiver struct {
	calls atomic.Int32
	log   atomic.Int32
}

func (f *fakeArchiver) Archive(ctx context.Context, sessionID string, profile interview.Profile, log []interview.Entry) error {
	f.calls.Add(1)
	f.log.Store(int32(len(log)))
	return nil
}

type fatalErr struct{}

func (fatalErr) Error() string { return "unauthorized" }
func (fatalErr) Fatal() bool   { return true }

type harness struct {
	session   *Session
	capture   *fakeCapture
	output    *fakeOutput
	gen       *fakeGenerator
	persister *fakePersister
	archiver  *fakeArchiver
}

func testConfig() Config {
	return Config{
		AutoSubmitDelay:     40 * time.Millisecond,
		MinAutoSubmitLength: 10,
		MaxRetries:          3,
		LoopSettle:          10 * time.Millisecond,
		PersistTimeout:      time.Second,
		Channel:             "test",
	}
}

func newHarness(t *testing.T, table *interview.Table, cfg Config) *harness {
	t.Helper()
	if table == nil {
		var err error
		table, err = interview.DefaultTable()
		require.NoError(t, err)
	}
	h := &harness{
		capture:   newFakeCapture(),
		output:    &fakeOutput{},
		gen:       &fakeGenerator{},
		persister: &fakePersister{},
		archiver:  &fakeArchiver{},
	}
	h.capture.output = h.output
	h.output.capture = h.capture
	s, err := NewSession("sess-1", cfg, Deps{
		Capture:   h.capture,
		Output:    h.output,
		Generator: h.gen,
		Steps:     table,
		Persister: h.persister,
		Archiver:  h.archiver,
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	h.session = s
	t.Cleanup(s.Close)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Start(context.Background()))
}

func (h *harness) waitFor(t *testing.T, msg string, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var last Snapshot
	ok := assert.Eventually(t, func() bool {
		last = h.session.State()
		return cond(last)
	}, 2*time.Second, 5*time.Millisecond)
	require.True(t, ok, "%s (phase %s, step %s)", msg, last.Phase, last.StepName)
	return last
}

func (h *harness) waitPhase(t *testing.T, want Phase) Snapshot {
	t.Helper()
	return h.waitFor(t, "phase "+string(want), func(s Snapshot) bool { return s.Phase == want })
}

func loopTable(t *testing.T) *interview.Table {
	t.Helper()
	table, err := interview.LoadTable(strings.NewReader(`
steps:
  - id: 0
    name: career-objectives
    extract: career_objectives
  - id: 1
    name: job-experience-loop
    is_dynamic_loop: true
    extract: job_experience
    explicit_advance: ["move on"]
  - id: 2
    name: closing
    initial_message: "That's everything, thank you."
`))
	require.NoError(t, err)
	return table
}

func threeJobs() *interview.LinkedInData {
	return &interview.LinkedInData{
		Name: "Jane Doe",
		Experience: []interview.LinkedInExperience{
			{Title: "Staff Engineer", Company: "Acme", Duration: "2021 - Present"},
			{Title: "Senior Engineer", Company: "Globex", Duration: "2018 - 2021"},
			{Title: "Engineer", Company: "Initech", Duration: "2015 - 2018"},
		},
	}
}

func userEntries(log []interview.Entry) int {
	n := 0
	for _, e := range log {
		if e.Speaker == interview.SpeakerUser {
			n++
		}
	}
	return n
}

func TestNewSession_RequiresCollaborators(t *testing.T) {
	_, err := NewSession("x", testConfig(), Deps{})
	require.Error(t, err)
}

func TestSession_StartSpeaksWelcomeThenListens(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.start(t)

	snap := h.waitPhase(t, PhaseListening)
	spoken := h.output.Spoken()
	require.Len(t, spoken, 1)
	assert.Contains(t, spoken[0], "What's your full name?")
	require.Len(t, snap.Log, 1)
	assert.Equal(t, interview.SpeakerAssistant, snap.Log[0].Speaker)
	assert.Equal(t, "welcome", snap.StepName)
	assert.True(t, h.capture.IsListening())

	assert.ErrorIs(t, h.session.Start(context.Background()), ErrStarted)
}

func TestSession_AutoSubmitsAfterSilence(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.gen.setRespond(func(req interview.GenerationRequest) (interview.GenerationResult, error) {
		return interview.GenerationResult{
			Message:       "Nice to meet you John. What's your email?",
			ExtractedData: &interview.ExtractedData{Name: "John Smith"},
			ShouldAdvance: true,
			Confidence:    90,
		}, nil
	})
	h.start(t)
	h.waitPhase(t, PhaseListening)

	partials := []string{"My name", "My name is John", "My name is John Sm", "My name is John Smith"}
	var lastChange time.Time
	for _, p := range partials {
		require.True(t, h.capture.say(p))
		lastChange = time.Now()
		time.Sleep(10 * time.Millisecond)
	}

	snap := h.waitFor(t, "advanced to email", func(s Snapshot) bool {
		return s.StepName == "email" && s.Phase == PhaseIdle
	})

	calls := h.gen.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "My name is John Smith", calls[0].UserMessage)
	h.gen.mu.Lock()
	elapsed := h.gen.callTimes[0].Sub(lastChange)
	h.gen.mu.Unlock()
	delay := testConfig().AutoSubmitDelay
	assert.GreaterOrEqual(t, elapsed, delay)
	assert.Less(t, elapsed, delay+250*time.Millisecond)

	assert.Equal(t, 1, snap.StepIndex)
	assert.Equal(t, "John Smith", snap.Profile.PersonalInfo.Name)
	assert.True(t, snap.RequiresTextInput)
	assert.False(t, h.capture.IsListening())
	assert.Eventually(t, func() bool { return h.persister.Has(interview.FieldName) }, time.Second, 5*time.Millisecond)
}

func TestSession_ShortTranscriptIsNotAutoSubmitted(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.start(t)
	h.waitPhase(t, PhaseListening)

	require.True(t, h.capture.say("hi there"))
	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, h.gen.Calls())

	require.True(t, h.capture.say("hello there friend"))
	require.True(t, h.capture.say("hi"))
	time.Sleep(120 * time.Millisecond)
	assert.Empty(t, h.gen.Calls())

	snap := h.session.State()
	assert.Equal(t, PhaseListening, snap.Phase)
	assert.Equal(t, "hi", snap.Transcript)
}

func TestSession_SingleTurnWhenSubmitsRace(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	hold := make(chan struct{})
	h.gen.hold = hold
	h.start(t)
	h.waitPhase(t, PhaseListening)

	require.True(t, h.capture.say("my name is Ada Lovelace"))
	h.waitFor(t, "transcript", func(s Snapshot) bool { return s.Transcript == "my name is Ada Lovelace" })

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.session.Submit()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			assert.True(t, errors.Is(err, ErrBusy) || errors.Is(err, ErrNotAccepting), "unexpected error %v", err)
		}
	}

	// let the auto-submit timer fire while the turn is in flight
	time.Sleep(80 * time.Millisecond)
	assert.ErrorIs(t, h.session.SubmitText("again"), ErrBusy)
	close(hold)

	snap := h.waitPhase(t, PhaseListening)
	assert.Len(t, h.gen.Calls(), 1)
	assert.Equal(t, 1, userEntries(snap.Log))
	h.gen.mu.Lock()
	assert.Equal(t, 1, h.gen.maxInflight)
	h.gen.mu.Unlock()
}

func TestSession_RetryCeiling(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.gen.setRespond(func(interview.GenerationRequest) (interview.GenerationResult, error) {
		return interview.GenerationResult{}, errors.New("upstream unavailable")
	})
	h.start(t)
	h.waitPhase(t, PhaseListening)

	require.NoError(t, h.session.SubmitText("John Smith"))
	snap := h.waitFor(t, "first failure", func(s Snapshot) bool {
		return s.Phase == PhaseListening && s.Error != nil && s.Error.RetryCount == 1
	})
	assert.False(t, snap.Error.Terminal)
	assert.Contains(t, snap.Error.Message, "(Attempt 1/3)")

	require.NoError(t, h.session.Retry())
	h.waitFor(t, "second failure", func(s Snapshot) bool {
		return s.Phase == PhaseListening && s.Error != nil && s.Error.RetryCount == 2
	})

	require.NoError(t, h.session.Retry())
	snap = h.waitFor(t, "terminal failure", func(s Snapshot) bool {
		return s.Error != nil && s.Error.Terminal && len(h.gen.Calls()) == 3
	})
	assert.Equal(t, PhaseError, snap.Phase)
	assert.Equal(t, terminalMessage, snap.Error.Message)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, PhaseError, h.session.State().Phase)
	assert.ErrorIs(t, h.session.SubmitText("hello again there"), ErrNotAccepting)

	require.NoError(t, h.session.Retry())
	snap = h.waitFor(t, "still terminal", func(s Snapshot) bool {
		return s.Error != nil && len(h.gen.Calls()) == 4
	})
	assert.Equal(t, 3, snap.Error.RetryCount)

	h.gen.setRespond(nil)
	require.NoError(t, h.session.Retry())
	snap = h.waitFor(t, "recovered", func(s Snapshot) bool {
		return s.Phase == PhaseListening && s.Error == nil && len(h.gen.Calls()) == 5
	})
	assert.Equal(t, "welcome", snap.StepName)
	h.session.mu.Lock()
	assert.Equal(t, 0, h.session.retryCount)
	h.session.mu.Unlock()

	spoken := strings.Join(h.output.Spoken(), "\n")
	assert.Contains(t, spoken, "I didn't quite catch your name. I encountered an issue. Let me try again... (Attempt 1/3)")
	assert.Contains(t, spoken, "(Attempt 2/3)")
	assert.Contains(t, spoken, terminalMessage)
	// the user turn is logged once; each error notice is an assistant entry
	assert.Equal(t, 1, userEntries(snap.Log))
	var notices []string
	for _, e := range snap.Log {
		if e.Speaker == interview.SpeakerAssistant && (strings.Contains(e.Content, "Attempt") || e.Content == terminalMessage) {
			notices = append(notices, e.Content)
		}
	}
	require.Len(t, notices, 4)
	assert.Contains(t, notices[0], "(Attempt 1/3)")
	assert.Contains(t, notices[1], "(Attempt 2/3)")
	assert.Equal(t, terminalMessage, notices[2])
	assert.Equal(t, terminalMessage, notices[3])
}

func TestSession_FatalErrorIsTerminalImmediately(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.gen.setRespond(func(interview.GenerationRequest) (interview.GenerationResult, error) {
		return interview.GenerationResult{}, fmt.Errorf("generate: %w", fatalErr{})
	})
	h.start(t)
	h.waitPhase(t, PhaseListening)

	require.NoError(t, h.session.SubmitText("John Smith"))
	snap := h.waitFor(t, "terminal", func(s Snapshot) bool { return s.Error != nil })
	assert.True(t, snap.Error.Terminal)
	assert.Equal(t, 3, snap.Error.RetryCount)
	assert.Equal(t, PhaseError, snap.Phase)
	assert.Len(t, h.gen.Calls(), 1)
}

func TestSession_ValidationGateRejectsLocally(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.gen.setRespond(func(req interview.GenerationRequest) (interview.GenerationResult, error) {
		return interview.GenerationResult{Message: "Thanks John. What's your email?", ShouldAdvance: true, Confidence: 90}, nil
	})
	h.start(t)
	h.waitPhase(t, PhaseListening)

	require.NoError(t, h.session.SubmitText("John Smith"))
	h.waitFor(t, "email step", func(s Snapshot) bool { return s.StepName == "email" && s.Phase == PhaseIdle })

	require.NoError(t, h.session.SubmitText("not an email"))
	snap := h.waitFor(t, "rejected", func(s Snapshot) bool {
		return s.Phase == PhaseIdle && len(s.Log) > 0 && s.Log[len(s.Log)-1].Speaker == interview.SpeakerAssistant &&
			strings.Contains(s.Log[len(s.Log)-1].Content, "valid email")
	})
	assert.Len(t, h.gen.Calls(), 1)
	assert.Equal(t, "email", snap.StepName)
	spoken := h.output.Spoken()
	assert.Contains(t, spoken[len(spoken)-1], "valid email")
	assert.False(t, h.capture.IsListening())
}

func TestSession_EmptyInputRejected(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.start(t)
	h.waitPhase(t, PhaseListening)
	assert.ErrorIs(t, h.session.SubmitText("   "), ErrEmptyInput)
	assert.ErrorIs(t, h.session.Submit(), ErrEmptyInput)
	assert.ErrorIs(t, h.session.Retry(), ErrNothingToRetry)
}

func TestSession_LoopRequiresExplicitAdvance(t *testing.T) {
	h := newHarness(t, loopTable(t), testConfig())
	h.gen.setRespond(func(req interview.GenerationRequest) (interview.GenerationResult, error) {
		if req.Step.Name == "career-objectives" {
			return interview.GenerationResult{
				Message: "Great, let's talk about your roles.",
				ExtractedData: &interview.ExtractedData{
					CareerObjectives: "lead data teams",
					LinkedInData:     threeJobs(),
				},
				ShouldAdvance: true,
				Confidence:    90,
			}, nil
		}
		return interview.GenerationResult{Message: "Tell me more.", ShouldAdvance: true, Confidence: 80}, nil
	})
	h.start(t)
	h.waitPhase(t, PhaseListening)

	require.NoError(t, h.session.SubmitText("I want to lead data teams"))
	snap := h.waitFor(t, "loop step", func(s Snapshot) bool {
		return s.StepName == "job-experience-loop" && s.Phase == PhaseListening
	})
	require.NotNil(t, snap.Loop)
	require.Len(t, snap.Loop.Items, 2)
	assert.Equal(t, "Acme", snap.Loop.Items[0].Company)
	assert.Equal(t, 0, snap.Loop.Cursor)

	require.NoError(t, h.session.SubmitText("I built the billing platform"))
	snap = h.waitFor(t, "second turn", func(s Snapshot) bool {
		return s.Phase == PhaseListening && len(h.gen.Calls()) == 2
	})
	assert.Equal(t, 0, snap.Loop.Cursor)
	assert.Equal(t, 1, snap.StepIndex)

	require.NoError(t, h.session.SubmitText("ok, let's move on"))
	snap = h.waitFor(t, "second job", func(s Snapshot) bool {
		return s.Phase == PhaseListening && s.Loop != nil && s.Loop.Cursor == 1
	})
	assert.Equal(t, "job-experience-loop", snap.StepName)

	require.NoError(t, h.session.SubmitText("move on please"))
	snap = h.waitPhase(t, PhaseClosing)
	assert.Equal(t, "closing", snap.StepName)
	assert.Equal(t, 100, snap.Progress)

	calls := h.gen.Calls()
	require.Len(t, calls, 4)
	require.NotNil(t, calls[1].Loop)
	assert.Equal(t, 0, calls[1].Loop.Index)
	assert.Equal(t, 2, calls[1].Loop.Total)
	assert.True(t, calls[1].Loop.HasMore)
	require.NotNil(t, calls[3].Loop)
	assert.Equal(t, 1, calls[3].Loop.Index)
	assert.False(t, calls[3].Loop.HasMore)

	spoken := h.output.Spoken()
	assert.Equal(t, "That's everything, thank you.", spoken[len(spoken)-1])
	assert.False(t, h.output.overlap.Load())
	assert.False(t, h.capture.overlap.Load())
	assert.Eventually(t, func() bool {
		return h.persister.Has(interview.FieldInterviewCompleted) && h.archiver.calls.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.session.SubmitText("anything else"), ErrNotAccepting)
}

func TestSession_LoopWithoutItemsIsSkipped(t *testing.T) {
	h := newHarness(t, loopTable(t), testConfig())
	h.gen.setRespond(func(req interview.GenerationRequest) (interview.GenerationResult, error) {
		return interview.GenerationResult{Message: "Thanks.", ShouldAdvance: true, Confidence: 90}, nil
	})
	h.start(t)
	h.waitPhase(t, PhaseListening)

	require.NoError(t, h.session.SubmitText("I want to lead data teams"))
	snap := h.waitPhase(t, PhaseClosing)
	assert.Equal(t, "closing", snap.StepName)
	assert.Len(t, h.gen.Calls(), 1)
}

func TestSession_StopSpeakingResumesListening(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.output.delay = 5 * time.Second
	h.start(t)
	h.waitPhase(t, PhaseSpeaking)
	require.Eventually(t, h.output.IsSpeaking, time.Second, 5*time.Millisecond)

	h.session.StopSpeaking()
	h.waitPhase(t, PhaseListening)
	assert.True(t, h.capture.IsListening())
}

func TestSession_TranscriptIgnoredOutsideListening(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.output.delay = 5 * time.Second
	h.start(t)
	h.waitPhase(t, PhaseSpeaking)

	h.capture.updates <- "hello there everyone"
	time.Sleep(60 * time.Millisecond)
	snap := h.session.State()
	assert.Empty(t, snap.Transcript)
	assert.Empty(t, h.gen.Calls())
	assert.ErrorIs(t, h.session.SubmitText("hello there everyone"), ErrNotAccepting)
}

func TestSession_CaptureFailureFallsBackToText(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.capture.startErr = errors.New("no microphone")
	h.start(t)

	snap := h.waitPhase(t, PhaseIdle)
	assert.Equal(t, "welcome", snap.StepName)
	require.NoError(t, h.session.SubmitText("John Smith"))
	h.waitFor(t, "turn done", func(s Snapshot) bool { return len(h.gen.Calls()) == 1 && s.Phase == PhaseIdle })
}

func TestSession_PersistFailureDoesNotAffectState(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.persister.err = errors.New("database down")
	h.gen.setRespond(func(req interview.GenerationRequest) (interview.GenerationResult, error) {
		return interview.GenerationResult{
			Message:       "Nice to meet you.",
			ExtractedData: &interview.ExtractedData{Name: "Grace Hopper"},
			ShouldAdvance: true,
			Confidence:    95,
		}, nil
	})
	h.start(t)
	h.waitPhase(t, PhaseListening)

	require.NoError(t, h.session.SubmitText("Grace Hopper"))
	snap := h.waitFor(t, "email step", func(s Snapshot) bool { return s.StepName == "email" && s.Phase == PhaseIdle })
	assert.Nil(t, snap.Error)
	assert.Equal(t, "Grace Hopper", snap.Profile.PersonalInfo.Name)
}

func TestSession_LowConfidenceDataIsNotApplied(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.gen.setRespond(func(req interview.GenerationRequest) (interview.GenerationResult, error) {
		return interview.GenerationResult{
			Message:       "Sorry, could you repeat that?",
			ExtractedData: &interview.ExtractedData{Name: "Mumble"},
			Confidence:    30,
		}, nil
	})
	h.start(t)
	h.waitPhase(t, PhaseListening)

	require.NoError(t, h.session.SubmitText("mumble mumble"))
	snap := h.waitFor(t, "turn done", func(s Snapshot) bool { return s.Phase == PhaseListening && len(h.gen.Calls()) == 1 })
	assert.Empty(t, snap.Profile.PersonalInfo.Name)
	assert.Equal(t, "welcome", snap.StepName)
}

func TestSession_HistoryExcludesCurrentInput(t *testing.T) {
	h := newHarness(t, nil, testConfig())
	h.start(t)
	h.waitPhase(t, PhaseListening)

	for i, text := range []string{"first answer here", "second answer here", "third answer here"} {
		require.NoError(t, h.session.SubmitText(text))
		n := i + 1
		h.waitFor(t, "turn", func(s Snapshot) bool { return s.Phase == PhaseListening && len(h.gen.Calls()) == n })
	}
	last := h.gen.Calls()[2]
	assert.Equal(t, "third answer here", last.UserMessage)
	require.Len(t, last.History, interview.HistoryLimit)
	assert.Equal(t, "Tell me more.", last.History[len(last.History)-1].Content)
}

func TestSession_OnChangeReceivesSnapshots(t *testing.T) {
	table, err := interview.DefaultTable()
	require.NoError(t, err)
	var (
		mu     sync.Mutex
		phases []Phase
	)
	s, err := NewSession("sess-2", testConfig(), Deps{
		Capture:   newFakeCapture(),
		Output:    &fakeOutput{},
		Generator: &fakeGenerator{},
		Steps:     table,
		Logger:    zerolog.Nop(),
		OnChange: func(snap Snapshot) {
			mu.Lock()
			phases = append(phases, snap.Phase)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(phases) > 0 && phases[len(phases)-1] == PhaseListening
	}, 2*time.Second, 5*time.Millisecond)
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, PhaseSpeaking, phases[0])
	assert.Equal(t, PhaseClosing, phases[len(phases)-1])
}

func TestSession_SlowObserverSeesLatestState(t *testing.T) {
	table, err := interview.DefaultTable()
	require.NoError(t, err)
	var (
		mu      sync.Mutex
		seen    []Snapshot
		once    sync.Once
		entered = make(chan struct{})
		release = make(chan struct{})
	)
	s, err := NewSession("sess-slow", testConfig(), Deps{
		Capture:   newFakeCapture(),
		Output:    &fakeOutput{delay: 5 * time.Second},
		Generator: &fakeGenerator{},
		Steps:     table,
		Logger:    zerolog.Nop(),
		OnChange: func(snap Snapshot) {
			once.Do(func() {
				close(entered)
				<-release
			})
			mu.Lock()
			seen = append(seen, snap)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	<-entered

	s.mu.Lock()
	for i := 0; i < 200; i++ {
		s.transcript = fmt.Sprintf("update %d", i)
		s.notifyLocked()
	}
	s.mu.Unlock()
	close(release)
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, PhaseClosing, seen[len(seen)-1].Phase)
	var sawLastUpdate bool
	for _, snap := range seen {
		if snap.Transcript == "update 199" {
			sawLastUpdate = true
		}
	}
	assert.True(t, sawLastUpdate)
	assert.Less(t, len(seen), 200)
}

func TestSession_CloseStopsEverything(t *testing.T) {
	defer goleak.VerifyNone(t)

	table, err := interview.DefaultTable()
	require.NoError(t, err)
	capture := newFakeCapture()
	output := &fakeOutput{delay: 5 * time.Second}
	s, err := NewSession("sess-3", testConfig(), Deps{
		Capture:   capture,
		Output:    output,
		Generator: &fakeGenerator{},
		Steps:     table,
		Logger:    zerolog.Nop(),
		OnChange:  func(Snapshot) {},
	})
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, output.IsSpeaking, time.Second, 5*time.Millisecond)

	s.Close()
	s.Close()

	assert.Equal(t, PhaseClosing, s.State().Phase)
	assert.False(t, output.IsSpeaking())
	assert.False(t, capture.IsListening())
	assert.ErrorIs(t, s.SubmitText("hello there"), ErrClosed)
	assert.ErrorIs(t, s.Start(context.Background()), ErrClosed)
}
