// Package peer negotiates one WebRTC connection per remote participant, exchanging offers,
// answers and ICE candidates through the session coordinator.
package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Negotiation events relayed through the coordinator.
const (
	EventOffer     = "webrtc-offer"
	EventAnswer    = "webrtc-answer"
	EventCandidate = "webrtc-ice-candidate"
)

// ErrNoOffer is returned for an answer that matches no local offer.
var ErrNoOffer = errors.New("no local offer pending")

var defaultICE = []webrtc.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
}

// ICEServers turns configured URLs into ICE servers, falling back to public STUN.
func ICEServers(urls []string) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		out = append(out, webrtc.ICEServer{URLs: []string{u}})
	}
	if len(out) == 0 {
		return defaultICE
	}
	return out
}

// Signaler sends a negotiation message to one remote participant.
type Signaler interface {
	Signal(event, to string, payload map[string]interface{}) error
}

// NewAPI builds a pion API with the default codecs registered.
func NewAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m)), nil
}

// Link is the peer connection to one remote participant.
type Link struct {
	remoteID string
	pc       *webrtc.PeerConnection
	signal   Signaler
	logger   *zap.Logger

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	onTrack   func(*webrtc.TrackRemote)
}

// NewLink creates a peer connection to remoteID sending tracks.
func NewLink(api *webrtc.API, cfg webrtc.Configuration, remoteID string, tracks []webrtc.TrackLocal, signal Signaler, logger *zap.Logger) (*Link, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l := &Link{
		remoteID: remoteID,
		pc:       pc,
		signal:   signal,
		logger:   logger.With(zap.String("remote_id", remoteID)),
	}
	for _, t := range tracks {
		sender, err := pc.AddTrack(t)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		go drainRTCP(sender)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := l.signal.Signal(EventCandidate, l.remoteID, map[string]interface{}{"candidate": c.ToJSON()}); err != nil {
			l.logger.Debug("send ice candidate", zap.Error(err))
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		l.mu.Lock()
		fn := l.onTrack
		l.mu.Unlock()
		l.logger.Info("remote track", zap.String("kind", track.Kind().String()), zap.String("codec", track.Codec().MimeType))
		if fn != nil {
			fn(track)
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.logger.Info("connection state", zap.String("state", s.String()))
	})
	return l, nil
}

// drainRTCP reads RTCP so interceptors (NACK, reports) keep running.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// RemoteID returns the remote participant's connection id.
func (l *Link) RemoteID() string { return l.remoteID }

// OnTrack sets the callback for incoming remote tracks.
func (l *Link) OnTrack(fn func(*webrtc.TrackRemote)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onTrack = fn
}

// Offer starts negotiation from this side.
func (l *Link) Offer() error {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	return l.signal.Signal(EventOffer, l.remoteID, map[string]interface{}{"offer": offer})
}

// HandleOffer applies a remote offer and replies with an answer.
func (l *Link) HandleOffer(offer webrtc.SessionDescription) error {
	if err := l.setRemote(offer); err != nil {
		return err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	return l.signal.Signal(EventAnswer, l.remoteID, map[string]interface{}{"answer": answer})
}

// HandleAnswer applies the remote answer to our offer.
func (l *Link) HandleAnswer(answer webrtc.SessionDescription) error {
	if l.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		return ErrNoOffer
	}
	return l.setRemote(answer)
}

func (l *Link) setRemote(sd webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote %s: %w", sd.Type, err)
	}
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()
	for _, c := range pending {
		if err := l.pc.AddICECandidate(c); err != nil {
			l.logger.Warn("apply buffered candidate", zap.Error(err))
		}
	}
	return nil
}

// HandleCandidate adds a remote candidate. Candidates arriving before the remote
// description are held until it is set.
func (l *Link) HandleCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.pc.AddICECandidate(c)
}

// Pending returns the number of buffered remote candidates.
func (l *Link) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// SignalingState exposes the negotiation state.
func (l *Link) SignalingState() webrtc.SignalingState { return l.pc.SignalingState() }

// ConnectionState exposes the connection state.
func (l *Link) ConnectionState() webrtc.PeerConnectionState { return l.pc.ConnectionState() }

// Close tears the connection down.
func (l *Link) Close() error { return l.pc.Close() }

// Message is an inbound relayed negotiation message.
type Message struct {
	From      string                     `json:"from"`
	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`
}

// DecodeMessage parses the data of a relayed negotiation event.
func DecodeMessage(data json.RawMessage) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return m, err
	}
	if m.From == "" {
		return m, errors.New("negotiation message without sender")
	}
	return m, nil
}
