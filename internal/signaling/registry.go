package signaling

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownPeer      = errors.New("unknown peer")
	ErrNotAuthenticated = errors.New("peer not authenticated")
	ErrAlreadyMatched   = errors.New("peer already matched")
	ErrNotMatched       = errors.New("peer not matched")
)

// Peer is one signaling connection. State fields are owned by the
// Registry and only change under its lock; Out is the connection's
// write queue and is safe to use from any goroutine.
type Peer struct {
	ID         string // per-connection id
	Identity   string // stable reputation key: client id or remote IP
	RemoteAddr string
	State      PeerState
	Capability string
	NATType    string
	PublicAddr string
	SessionID  string
	JoinedAt   time.Time

	Out chan Envelope

	// violations is touched only by the connection's read loop.
	violations int
}

// Session pairs two peers until either side tears it down.
type Session struct {
	ID        string
	State     SessionState
	A, B      string
	CreatedAt time.Time
}

// Match is the outcome of a successful pairing.
type Match struct {
	SessionID   string
	Requester   *Peer
	Counterpart *Peer
}

// Registry is the single owner of peer and session state. Matchmaking
// is first-come-first-served within a capability class.
type Registry struct {
	mu       sync.Mutex
	peers    map[string]*Peer
	sessions map[string]*Session
	waiting  map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{
		peers:    make(map[string]*Peer),
		sessions: make(map[string]*Session),
		waiting:  make(map[string][]string),
	}
}

// Add registers a freshly accepted connection and returns its peer.
func (r *Registry) Add(remoteAddr string, out chan Envelope) *Peer {
	p := &Peer{
		ID:         uuid.NewString(),
		Identity:   remoteAddr,
		RemoteAddr: remoteAddr,
		State:      StateConnected,
		JoinedAt:   time.Now().UTC(),
		Out:        out,
	}
	r.mu.Lock()
	r.peers[p.ID] = p
	r.mu.Unlock()
	return p
}

// Challenge moves the peer into the challenged state.
func (r *Registry) Challenge(id string) error {
	return r.transition(id, StateChallenged, nil)
}

// Authenticate completes the challenge and pins the peer's stable
// identity. An empty identity keeps the remote address.
func (r *Registry) Authenticate(id, identity string) error {
	return r.transition(id, StateAuthenticated, func(p *Peer) {
		if identity != "" {
			p.Identity = identity
		}
	})
}

func (r *Registry) transition(id string, to PeerState, apply func(*Peer)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return ErrUnknownPeer
	}
	next, err := TransitionPeer(p.State, to)
	if err != nil {
		return err
	}
	p.State = next
	if apply != nil {
		apply(p)
	}
	return nil
}

// RequestMatch queues the peer for its capability class, or pairs it
// with the head of the queue. A nil Match with nil error means the peer
// is now waiting. Re-requesting while queued is a no-op.
func (r *Registry) RequestMatch(id string, req MatchRequest) (*Match, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return nil, ErrUnknownPeer
	}
	switch p.State {
	case StateAuthenticated:
	case StateMatched:
		return nil, ErrAlreadyMatched
	default:
		return nil, ErrNotAuthenticated
	}

	p.Capability = req.Capability
	p.NATType = req.NATType
	p.PublicAddr = req.PublicAddr

	other := r.popWaiting(req.Capability, id)
	if other == nil {
		queue := r.waiting[req.Capability]
		for _, queued := range queue {
			if queued == id {
				return nil, nil
			}
		}
		r.waiting[req.Capability] = append(queue, id)
		return nil, nil
	}

	sess := &Session{
		ID:        uuid.NewString(),
		State:     SessionPending,
		A:         other.ID,
		B:         p.ID,
		CreatedAt: time.Now().UTC(),
	}
	for _, peer := range []*Peer{other, p} {
		next, err := TransitionPeer(peer.State, StateMatched)
		if err != nil {
			return nil, err
		}
		peer.State = next
		peer.SessionID = sess.ID
	}
	sess.State, _ = TransitionSession(sess.State, SessionActive)
	r.sessions[sess.ID] = sess

	return &Match{SessionID: sess.ID, Requester: p, Counterpart: other}, nil
}

// popWaiting returns the first queued peer of the class that is still
// registered and authenticated, skipping (and dropping) stale entries.
func (r *Registry) popWaiting(capability, excludeID string) *Peer {
	queue := r.waiting[capability]
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id == excludeID {
			continue
		}
		if p, ok := r.peers[id]; ok && p.State == StateAuthenticated {
			r.waiting[capability] = queue
			return p
		}
	}
	r.waiting[capability] = queue
	return nil
}

// Counterpart returns the other side of the peer's session.
func (r *Registry) Counterpart(id string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counterpartLocked(id)
}

func (r *Registry) counterpartLocked(id string) (*Peer, bool) {
	p, ok := r.peers[id]
	if !ok || p.SessionID == "" {
		return nil, false
	}
	sess, ok := r.sessions[p.SessionID]
	if !ok || sess.State != SessionActive {
		return nil, false
	}
	otherID := sess.A
	if otherID == id {
		otherID = sess.B
	}
	other, ok := r.peers[otherID]
	return other, ok
}

// EndSession closes the peer's session and releases both sides back to
// the unmatched pool. The counterpart, if still connected, is returned
// so the caller can notify it.
func (r *Registry) EndSession(id string) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return nil, ErrUnknownPeer
	}
	if p.SessionID == "" {
		return nil, ErrNotMatched
	}
	other, _ := r.counterpartLocked(id)
	r.closeSessionLocked(p.SessionID)
	return other, nil
}

func (r *Registry) closeSessionLocked(sessionID string) {
	sess, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	sess.State, _ = TransitionSession(sess.State, SessionClosed)
	delete(r.sessions, sessionID)
	for _, id := range []string{sess.A, sess.B} {
		p, ok := r.peers[id]
		if !ok || p.SessionID != sessionID {
			continue
		}
		p.SessionID = ""
		if p.State == StateMatched {
			p.State, _ = TransitionPeer(p.State, StateAuthenticated)
		}
	}
}

// Remove drops a peer on disconnect. Its session, if any, is closed and
// the released counterpart returned for notification.
func (r *Registry) Remove(id string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[id]
	if !ok {
		return nil, false
	}
	var other *Peer
	if p.SessionID != "" {
		other, _ = r.counterpartLocked(id)
		r.closeSessionLocked(p.SessionID)
	}
	if p.Capability != "" {
		queue := r.waiting[p.Capability]
		for i, queued := range queue {
			if queued == id {
				r.waiting[p.Capability] = append(queue[:i], queue[i+1:]...)
				break
			}
		}
	}
	p.State = StateClosed
	delete(r.peers, id)
	return other, other != nil
}

// Counts is the registry's observability snapshot.
type Counts struct {
	Peers         int
	Authenticated int
	Matched       int
	Waiting       int
	Sessions      int
}

func (r *Registry) Counts() Counts {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := Counts{Peers: len(r.peers), Sessions: len(r.sessions)}
	for _, p := range r.peers {
		switch p.State {
		case StateAuthenticated:
			c.Authenticated++
		case StateMatched:
			c.Matched++
		}
	}
	for _, queue := range r.waiting {
		c.Waiting += len(queue)
	}
	return c
}
