package peer

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Mesh holds one Link per remote participant of a session.
type Mesh struct {
	api     *webrtc.API
	cfg     webrtc.Configuration
	tracks  []webrtc.TrackLocal
	signal  Signaler
	onTrack func(remoteID string, track *webrtc.TrackRemote)
	logger  *zap.Logger

	mu    sync.Mutex
	links map[string]*Link
}

// NewMesh creates an empty mesh publishing tracks to every remote. onTrack may be nil.
func NewMesh(api *webrtc.API, cfg webrtc.Configuration, tracks []webrtc.TrackLocal, signal Signaler, onTrack func(string, *webrtc.TrackRemote), logger *zap.Logger) *Mesh {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mesh{api: api, cfg: cfg, tracks: tracks, signal: signal, onTrack: onTrack, logger: logger, links: make(map[string]*Link)}
}

func (m *Mesh) link(remoteID string) (*Link, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.links[remoteID]; ok {
		return l, nil
	}
	l, err := NewLink(m.api, m.cfg, remoteID, m.tracks, m.signal, m.logger)
	if err != nil {
		return nil, err
	}
	if m.onTrack != nil {
		fn := m.onTrack
		l.OnTrack(func(t *webrtc.TrackRemote) { fn(remoteID, t) })
	}
	m.links[remoteID] = l
	return l, nil
}

// Connect opens a link to a newly joined participant and sends the offer.
func (m *Mesh) Connect(remoteID string) error {
	l, err := m.link(remoteID)
	if err != nil {
		return err
	}
	return l.Offer()
}

// Handle routes a relayed negotiation event to its link, creating one for a first offer.
func (m *Mesh) Handle(event string, data json.RawMessage) error {
	msg, err := DecodeMessage(data)
	if err != nil {
		return err
	}
	switch event {
	case EventOffer:
		if msg.Offer == nil {
			return fmt.Errorf("offer from %s has no description", msg.From)
		}
		l, err := m.link(msg.From)
		if err != nil {
			return err
		}
		return l.HandleOffer(*msg.Offer)
	case EventAnswer:
		l, ok := m.Get(msg.From)
		if !ok || msg.Answer == nil {
			return ErrNoOffer
		}
		return l.HandleAnswer(*msg.Answer)
	case EventCandidate:
		if msg.Candidate == nil {
			return nil
		}
		l, err := m.link(msg.From)
		if err != nil {
			return err
		}
		return l.HandleCandidate(*msg.Candidate)
	}
	return fmt.Errorf("unknown negotiation event %q", event)
}

// Get returns the link to remoteID.
func (m *Mesh) Get(remoteID string) (*Link, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.links[remoteID]
	return l, ok
}

// Remove closes the link to a participant who left.
func (m *Mesh) Remove(remoteID string) {
	m.mu.Lock()
	l, ok := m.links[remoteID]
	delete(m.links, remoteID)
	m.mu.Unlock()
	if ok {
		_ = l.Close()
	}
}

// Close tears down every link.
func (m *Mesh) Close() {
	m.mu.Lock()
	links := m.links
	m.links = make(map[string]*Link)
	m.mu.Unlock()
	for _, l := range links {
		_ = l.Close()
	}
}
