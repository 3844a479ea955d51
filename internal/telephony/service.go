package telephony

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/chadiek/career-interview/internal/agent"
)

// Channel is the metrics label for phone sessions.
const Channel = "phone"

const (
	pathVoice  = "/twilio/voice"
	pathGather = "/twilio/gather"
	pathPoll   = "/twilio/poll"
	pathStatus = "/twilio/status"

	// ParamsKey is where the signature middleware leaves the parsed form.
	ParamsKey = "twilioParams"
)

type Config struct {
	AccountSID string
	AuthToken  string
	// ReplyWait bounds how long a webhook waits for the next reply. Twilio
	// gives up on a webhook after 15s.
	ReplyWait time.Duration
	// Quiet is how long a webhook with nothing to say waits before re-prompting.
	Quiet time.Duration
}

// Hanger ends a live call.
type Hanger interface {
	Hangup(callSID string) error
}

// restHanger completes calls through the Twilio REST API.
type restHanger struct {
	client *twilio.RestClient
}

func (h restHanger) Hangup(callSID string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := h.client.Api.UpdateCall(callSID, params)
	return err
}

// phoneCall is one Twilio call and its interview.
type phoneCall struct {
	sid     string
	bridge  *Bridge
	session *agent.Session
	// serializes webhooks for one call
	turnMu sync.Mutex
}

// Service answers Twilio voice webhooks and runs one session per call.
type Service struct {
	config  Config
	factory *agent.Factory
	hanger  Hanger
	logger  zerolog.Logger

	mu    sync.Mutex
	calls map[string]*phoneCall
}

func New(config Config, factory *agent.Factory, logger zerolog.Logger) *Service {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: config.AccountSID,
		Password: config.AuthToken,
	})
	return NewWithHanger(config, factory, restHanger{client: client}, logger)
}

func NewWithHanger(config Config, factory *agent.Factory, hanger Hanger, logger zerolog.Logger) *Service {
	if config.ReplyWait <= 0 {
		config.ReplyWait = 12 * time.Second
	}
	if config.Quiet <= 0 {
		config.Quiet = 300 * time.Millisecond
	}
	return &Service{
		config:  config,
		factory: factory,
		hanger:  hanger,
		logger:  logger.With().Str("component", "telephony").Logger(),
		calls:   make(map[string]*phoneCall),
	}
}

// RegisterHandlers mounts the webhooks. mw typically verifies the Twilio signature.
func (s *Service) RegisterHandlers(e *echo.Echo, mw ...echo.MiddlewareFunc) {
	e.POST(pathVoice, s.handleVoice, mw...)
	e.POST(pathGather, s.handleGather, mw...)
	e.POST(pathPoll, s.handlePoll, mw...)
	e.POST(pathStatus, s.handleStatus, mw...)
}

// Len reports the number of live calls.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// Close hangs up every live call and closes its session.
func (s *Service) Close() {
	s.mu.Lock()
	calls := make([]*phoneCall, 0, len(s.calls))
	for _, c := range s.calls {
		calls = append(calls, c)
	}
	s.mu.Unlock()
	for _, c := range calls {
		if err := s.hanger.Hangup(c.sid); err != nil {
			s.logger.Warn().Err(err).Str("call_sid", c.sid).Msg("hangup failed")
		}
		s.end(c.sid)
	}
}

func (s *Service) handleVoice(c echo.Context) error {
	params := formParams(c)
	sid := params["CallSid"]
	if sid == "" {
		return c.String(http.StatusBadRequest, "missing CallSid")
	}
	call, err := s.begin(sid)
	if err != nil {
		s.logger.Error().Err(err).Str("call_sid", sid).Msg("session start failed")
		doc, err := hangupResponse(unavailableMessage)
		return s.xml(c, doc, err)
	}
	s.logger.Info().Str("call_sid", sid).Str("from", params["From"]).Str("session_id", call.session.ID()).Msg("incoming call")
	return s.respond(c, call)
}

func (s *Service) handleGather(c echo.Context) error {
	params := formParams(c)
	call := s.lookup(params["CallSid"])
	if call == nil {
		doc, err := hangupResponse(expiredMessage)
		return s.xml(c, doc, err)
	}
	speech := strings.TrimSpace(params["SpeechResult"])

	call.turnMu.Lock()
	defer call.turnMu.Unlock()
	s.waitResting(c.Request().Context(), call.session)

	state := call.session.State()
	switch {
	case state.Phase == agent.PhaseError:
		if err := call.session.Retry(); err != nil {
			s.logger.Debug().Err(err).Str("call_sid", call.sid).Msg("retry rejected")
		}
	case speech != "":
		call.bridge.Capture.Hear(speech)
		if err := call.session.SubmitText(speech); err != nil {
			s.logger.Debug().Err(err).Str("call_sid", call.sid).Msg("speech rejected")
		}
	}
	return s.respondLocked(c, call)
}

func (s *Service) handlePoll(c echo.Context) error {
	call := s.lookup(formParams(c)["CallSid"])
	if call == nil {
		doc, err := hangupResponse(expiredMessage)
		return s.xml(c, doc, err)
	}
	return s.respond(c, call)
}

func (s *Service) handleStatus(c echo.Context) error {
	params := formParams(c)
	switch params["CallStatus"] {
	case "completed", "failed", "busy", "no-answer", "canceled":
		s.logger.Info().Str("call_sid", params["CallSid"]).Str("status", params["CallStatus"]).Msg("call ended")
		s.end(params["CallSid"])
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Service) begin(sid string) (*phoneCall, error) {
	s.mu.Lock()
	if existing, ok := s.calls[sid]; ok {
		s.mu.Unlock()
		return existing, nil
	}
	s.mu.Unlock()

	bridge := NewBridge()
	session, err := s.factory.New("", Channel, bridge.Capture, bridge.Output, nil)
	if err != nil {
		return nil, err
	}
	call := &phoneCall{sid: sid, bridge: bridge, session: session}
	s.mu.Lock()
	s.calls[sid] = call
	s.mu.Unlock()

	if err := session.Start(context.Background()); err != nil {
		s.end(sid)
		return nil, err
	}
	return call, nil
}

func (s *Service) lookup(sid string) *phoneCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[sid]
}

func (s *Service) end(sid string) {
	s.mu.Lock()
	call, ok := s.calls[sid]
	delete(s.calls, sid)
	s.mu.Unlock()
	if !ok {
		return
	}
	call.session.Close()
	call.bridge.Close()
}

func (s *Service) respond(c echo.Context, call *phoneCall) error {
	call.turnMu.Lock()
	defer call.turnMu.Unlock()
	return s.respondLocked(c, call)
}

// respondLocked waits for the session to settle and renders what it said.
func (s *Service) respondLocked(c echo.Context, call *phoneCall) error {
	ctx := c.Request().Context()
	said := call.bridge.Output.Collect(ctx, s.config.ReplyWait, s.config.Quiet, func() bool {
		return isResting(call.session.State())
	})

	state := call.session.State()
	var (
		doc string
		err error
	)
	switch {
	case state.Phase == agent.PhaseClosing:
		doc, err = finalResponse(said)
		go s.end(call.sid)
	case !isResting(state):
		doc, err = holdResponse(said, pathPoll)
	default:
		doc, err = gatherResponse(said, pathGather, pathPoll)
	}
	return s.xml(c, doc, err)
}

func (s *Service) xml(c echo.Context, doc string, err error) error {
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationXMLCharsetUTF8, []byte(doc))
}

// waitResting gives an in-flight reply time to finish before new input is applied.
func (s *Service) waitResting(ctx context.Context, session *agent.Session) {
	ctx, cancel := context.WithTimeout(ctx, s.config.ReplyWait)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !isResting(session.State()) {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// isResting reports whether the session is waiting on the caller.
func isResting(s agent.Snapshot) bool {
	if s.Processing {
		return false
	}
	switch s.Phase {
	case agent.PhaseListening, agent.PhaseIdle, agent.PhaseError, agent.PhaseClosing:
		return true
	}
	return false
}

// formParams returns the form parsed by the signature middleware, or parses it.
func formParams(c echo.Context) map[string]string {
	if p, ok := c.Get(ParamsKey).(map[string]string); ok {
		return p
	}
	params := make(map[string]string)
	form, err := c.FormParams()
	if err != nil {
		return params
	}
	for k, v := range form {
		if len(v) > 0 {
			params[k] = v[0]
		}
	}
	return params
}
