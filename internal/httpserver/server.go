package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/chadiek/career-interview/internal/agent"
	"github.com/chadiek/career-interview/internal/interview"
	"github.com/chadiek/career-interview/internal/metrics"
	"github.com/chadiek/career-interview/internal/rtc"
	"github.com/chadiek/career-interview/internal/store"
)

// SnapshotLoader returns the last saved snapshot of a session.
type SnapshotLoader interface {
	LoadSnapshot(ctx context.Context, sessionID string) (json.RawMessage, error)
}

// Deps are what the routes serve. RTC, Phone and Snapshots are optional.
type Deps struct {
	Logger     zerolog.Logger
	CORSOrigin string
	Steps      *interview.Table
	Registry   *agent.Registry
	Snapshots  SnapshotLoader
	Metrics    *prometheus.Registry
	RTC        *rtc.Handler
	// Phone mounts the Twilio webhooks behind mw.
	Phone interface {
		RegisterHandlers(e *echo.Echo, mw ...echo.MiddlewareFunc)
	}
	PhoneAuth echo.MiddlewareFunc
}

// stepView is the public shape of a step.
type stepView struct {
	ID                int    `json:"id"`
	Name              string `json:"name"`
	Title             string `json:"title"`
	RequiresTextInput bool   `json:"requiresTextInput"`
	IsDynamicLoop     bool   `json:"isDynamicLoop"`
}

type server struct {
	Deps
}

// New builds the HTTP surface.
func New(d Deps) *echo.Echo {
	e := NewRouter(d.Logger, d.CORSOrigin)
	s := &server{Deps: d}

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if d.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(metrics.Handler(d.Metrics)))
	}

	g := e.Group("/interview")
	g.GET("/steps", s.steps)
	g.GET("/sessions", s.sessions)
	g.GET("/sessions/:id", s.session)
	if d.RTC != nil {
		g.POST("/offer", s.offer)
		g.GET("/ws", echo.WrapHandler(http.HandlerFunc(d.RTC.ServeWebSocket)))
	}
	if d.Phone != nil {
		var mw []echo.MiddlewareFunc
		if d.PhoneAuth != nil {
			mw = append(mw, d.PhoneAuth)
		}
		d.Phone.RegisterHandlers(e, mw...)
	}
	return e
}

func (s *server) steps(c echo.Context) error {
	if s.Steps == nil {
		return c.JSON(http.StatusOK, []stepView{})
	}
	active := s.Steps.Active()
	out := make([]stepView, 0, len(active))
	for _, st := range active {
		out = append(out, stepView{
			ID:                st.ID,
			Name:              st.Name,
			Title:             st.Title,
			RequiresTextInput: st.RequiresTextInput,
			IsDynamicLoop:     st.IsDynamicLoop,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *server) sessions(c echo.Context) error {
	ids := []string{}
	if s.Registry != nil {
		ids = s.Registry.IDs()
	}
	return c.JSON(http.StatusOK, map[string]any{"sessions": ids})
}

// session serves the live state when the session is running here, else the
// last stored snapshot.
func (s *server) session(c echo.Context) error {
	id := c.Param("id")
	if s.Registry != nil {
		if sess, ok := s.Registry.Get(id); ok {
			return c.JSON(http.StatusOK, sess.State())
		}
	}
	if s.Snapshots == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	raw, err := s.Snapshots.LoadSnapshot(c.Request().Context(), id)
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrInvalidID):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	case err != nil:
		s.Logger.Error().Err(err).Str("session_id", id).Msg("load snapshot")
		return echo.NewHTTPError(http.StatusInternalServerError, "snapshot unavailable")
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, raw)
}

func (s *server) offer(c echo.Context) error {
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid offer")
	}
	answer, err := s.RTC.HandleOffer(c.Request().Context(), offer)
	if errors.Is(err, rtc.ErrInvalidOffer) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		s.Logger.Error().Err(err).Msg("webrtc handle offer failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "could not start call")
	}
	return c.JSON(http.StatusOK, answer)
}
