package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamly-studio/backend/internal/metrics"
	"github.com/streamly-studio/backend/internal/models"
)

// Conn delivers messages to one participant connection. Send must not block; it reports
// false when the message was dropped.
type Conn interface {
	Send(msg WSMessage) bool
}

// Participant is one connection's view in a session.
type Participant struct {
	ConnectionID string    `json:"participantId"`
	DisplayName  string    `json:"participantName"`
	Identity     string    `json:"userId,omitempty"`
	IsHost       bool      `json:"isHost"`
	AudioMuted   bool      `json:"audioMuted"`
	VideoMuted   bool      `json:"videoMuted"`
	JoinedAt     time.Time `json:"joinedAt"`
}

// Phase is the recording state of a session.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseRecording
	PhaseStopping
)

func (p Phase) String() string {
	switch p {
	case PhaseRecording:
		return "recording"
	case PhaseStopping:
		return "stopping"
	default:
		return "idle"
	}
}

// RecordingState is the session's view of its current recording. SessionID is empty when idle.
type RecordingState struct {
	Phase       Phase
	SessionID   string
	RecordingID uuid.UUID
	Since       time.Time
}

type member struct {
	Participant
	conn Conn
}

// Session is the live state of one studio: who is connected and what is being recorded.
// It exists while it has at least one participant.
type Session struct {
	Studio *models.Studio

	// lifecycle serializes recording transitions and joins against each other.
	lifecycle sync.Mutex

	mu        sync.RWMutex
	order     []string
	members   map[string]*member
	recording RecordingState
	closed    bool
}

func newSession(studio *models.Studio) *Session {
	return &Session{Studio: studio, members: make(map[string]*member)}
}

// Key is the registry key of the session.
func (s *Session) Key() uuid.UUID { return s.Studio.ID }

// Participants returns the members in join order.
func (s *Session) Participants() []Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.participantsLocked()
}

func (s *Session) participantsLocked() []Participant {
	out := make([]Participant, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.members[id].Participant)
	}
	return out
}

// Participant returns one member by connection id.
func (s *Session) Participant(connectionID string) (Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[connectionID]
	if !ok {
		return Participant{}, false
	}
	return m.Participant, true
}

// Recording returns the current recording state.
func (s *Session) Recording() RecordingState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recording
}

// add inserts a member. It reports false if the session was torn down concurrently.
func (s *Session) add(p Participant, conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.members[p.ConnectionID] = &member{Participant: p, conn: conn}
	s.order = append(s.order, p.ConnectionID)
	return true
}

// remove deletes a member; empty reports that the session is now closed.
func (s *Session) remove(connectionID string) (p Participant, found, empty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[connectionID]
	if !ok {
		return Participant{}, false, false
	}
	delete(s.members, connectionID)
	for i, id := range s.order {
		if id == connectionID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if len(s.members) == 0 {
		s.closed = true
	}
	return m.Participant, true, s.closed
}

func (s *Session) setRecording(st RecordingState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recording = st
}

func (s *Session) setMuted(connectionID string, audio, muted bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.members[connectionID]
	if !ok {
		return false
	}
	if audio {
		m.AudioMuted = muted
	} else {
		m.VideoMuted = muted
	}
	return true
}

// send delivers msg to one member. It reports whether the member exists.
func (s *Session) send(connectionID string, msg WSMessage) bool {
	s.mu.RLock()
	m, ok := s.members[connectionID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	deliver(m.conn, msg)
	return true
}

// broadcast delivers msg to every member except the one with connection id except ("" for all).
func (s *Session) broadcast(msg WSMessage, except string) {
	s.mu.RLock()
	targets := make([]Conn, 0, len(s.members))
	for id, m := range s.members {
		if id != except {
			targets = append(targets, m.conn)
		}
	}
	s.mu.RUnlock()
	for _, c := range targets {
		deliver(c, msg)
	}
}

func deliver(c Conn, msg WSMessage) {
	if c.Send(msg) {
		metrics.RecordMessage(msg.Event, "delivered")
		return
	}
	metrics.RecordMessage(msg.Event, "dropped")
}

// Registry maps studio ids to live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[uuid.UUID]*Session)}
}

// getOrCreate returns the live session of studio, creating it if needed.
func (r *Registry) getOrCreate(studio *models.Studio) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[studio.ID]; ok {
		return s
	}
	s := newSession(studio)
	r.sessions[studio.ID] = s
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	return s
}

// Get returns the live session of a studio.
func (r *Registry) Get(studioID uuid.UUID) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[studioID]
	return s, ok
}

// drop removes s if it is still the registered session for its key.
func (r *Registry) drop(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.Key()]; ok && cur == s {
		delete(r.sessions, s.Key())
	}
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
}

// Sessions returns a snapshot of live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
