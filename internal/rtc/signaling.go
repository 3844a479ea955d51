package rtc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
)

// signalMessage is the WebSocket signaling frame.
// Types: "auth", "offer", "answer", "candidate", "ice-complete", "session", "bye", "error".
type signalMessage struct {
	Type      string `json:"type"`
	Password  string `json:"password,omitempty"`
	SDP       string `json:"sdp,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error,omitempty"`

	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

var errUnauthorized = errors.New("unauthorized")

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// signalConn serializes writes; pion callbacks and the reader write concurrently.
type signalConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *signalConn) write(msg signalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

func (s *signalConn) fail(err error) {
	_ = s.write(signalMessage{Type: "error", Error: err.Error()})
}

func (s *signalConn) read() (signalMessage, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return signalMessage{}, err
		}
		if mt != websocket.TextMessage {
			continue
		}
		var m signalMessage
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		m.Type = strings.ToLower(m.Type)
		return m, nil
	}
}

// ServeWebSocket performs offer/answer with trickle ICE over a WebSocket:
// auth (optional) -> offer -> candidates, answered with answer, session and candidates.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer func() { _ = conn.Close() }()
	sc := &signalConn{conn: conn}

	if h.authPassword != "" && !checkAuthHeaderOrQuery(r, h.authPassword) {
		m, err := sc.read()
		if err != nil || m.Type != "auth" || m.Password != h.authPassword {
			sc.fail(errUnauthorized)
			return
		}
	}

	var offerSDP string
	for offerSDP == "" {
		m, err := sc.read()
		if err != nil {
			h.logger.Debug().Err(err).Msg("ws closed before offer")
			return
		}
		switch m.Type {
		case "offer":
			offerSDP = m.SDP
		case "bye":
			return
		}
	}

	c, err := h.newCall()
	if err != nil {
		sc.fail(err)
		return
	}

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			_ = sc.write(signalMessage{Type: "ice-complete"})
			return
		}
		init := cand.ToJSON()
		_ = sc.write(signalMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})

	if err := h.answer(c, offerSDP, sc); err != nil {
		sc.fail(err)
		c.close()
		return
	}

	go func() {
		for {
			m, err := sc.read()
			if err != nil {
				return
			}
			switch m.Type {
			case "candidate":
				if m.Candidate == "" {
					continue
				}
				if err := c.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}); err != nil {
					c.logger.Debug().Err(err).Msg("add ice candidate")
				}
			case "bye":
				c.close()
				return
			}
		}
	}()

	select {
	case <-c.done:
	case <-r.Context().Done():
		c.close()
	}
}

func (h *Handler) answer(c *call, offerSDP string, sc *signalConn) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		return err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return err
	}
	local := c.pc.LocalDescription()
	if local == nil {
		return errors.New("rtc: no local description")
	}
	if err := sc.write(signalMessage{Type: "answer", SDP: local.SDP}); err != nil {
		return err
	}
	return sc.write(signalMessage{Type: "session", SessionID: c.session.ID()})
}

func checkAuthHeaderOrQuery(r *http.Request, password string) bool {
	if r == nil || password == "" {
		return false
	}
	if q := r.URL.Query().Get("password"); q != "" && q == password {
		return true
	}
	ah := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(ah), "bearer ") {
		if strings.TrimSpace(ah[len("Bearer "):]) == password {
			return true
		}
	}
	return r.Header.Get("X-Auth-Token") == password
}
