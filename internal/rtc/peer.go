package rtc

import (
	"encoding/json"
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

var defaultICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// ParseICEServers decodes a JSON array of ICE servers. An empty or invalid
// value yields the public Google STUN server.
func ParseICEServers(iceJSON string) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err == nil && len(servers) > 0 {
		return servers
	}
	return defaultICEServers
}

// newPeer builds a peer connection with default codecs and interceptors and
// an Opus track for the agent's voice. No servers means host candidates only.
func newPeer(servers []webrtc.ICEServer) (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, fmt.Errorf("register codecs: %w", err)
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, fmt.Errorf("register interceptors: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, nil, fmt.Errorf("new peer connection: %w", err)
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: outSampleRate, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("new track: %w", err)
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, fmt.Errorf("add track: %w", err)
	}
	return pc, outTrack, nil
}

func isTerminal(state webrtc.PeerConnectionState) bool {
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
		return true
	}
	return false
}
