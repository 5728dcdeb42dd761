package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"stealthflow/internal/config"
	"stealthflow/internal/ratelimit"
	"stealthflow/internal/reputation"
)

// Reputation deltas applied by the server.
const (
	PenaltyAuthFail  = 10
	PenaltyRateLimit = 5
	PenaltyViolation = 5
	RewardAuth       = 5
)

const writeTimeout = 10 * time.Second

// Server is the websocket rendezvous endpoint. Connections are admitted
// per-IP (rate limit, reputation floor), authenticated with a shared-secret
// challenge, then matched and relayed through the registry.
type Server struct {
	cfg      config.SignalConfig
	rep      reputation.Store
	registry *Registry

	connLimiter *ratelimit.Limiter
	msgLimiter  *ratelimit.Limiter
	upgrader    websocket.Upgrader

	authTimeout time.Duration
	hbInterval  time.Duration
	hbTimeout   time.Duration

	counters counters
}

// NewServer builds a server from its config and a reputation store.
func NewServer(cfg config.SignalConfig, rep reputation.Store) *Server {
	window := time.Duration(cfg.RateWindowSec) * time.Second
	return &Server{
		cfg:         cfg,
		rep:         rep,
		registry:    NewRegistry(),
		connLimiter: ratelimit.New(cfg.ConnRateMax, window),
		msgLimiter:  ratelimit.New(cfg.MsgRateMax, window),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		authTimeout: time.Duration(cfg.AuthTimeoutSec) * time.Second,
		hbInterval:  time.Duration(cfg.HeartbeatIntervalSec) * time.Second,
		hbTimeout:   time.Duration(cfg.HeartbeatTimeoutSec) * time.Second,
	}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/ws", s)
	mux.HandleFunc("/stats", s.handleStats)

	srv := &http.Server{Addr: s.cfg.Listen, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("signal listening addr=%s", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := s.Stats()
				log.Printf("signal stats peers=%d matched=%d waiting=%d conns=%d violations=%d",
					st.Peers, st.Matched, st.Waiting, st.Connections, st.Violations)
			}
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Stats reports counters plus the registry snapshot.
func (s *Server) Stats() StatsSnapshot {
	counts := s.registry.Counts()
	return StatsSnapshot{
		Connections:          s.counters.connections.Load(),
		RateLimitRejections:  s.counters.rateLimitRejections.Load(),
		ReputationRejections: s.counters.reputationRejections.Load(),
		AuthFailures:         s.counters.authFailures.Load(),
		Violations:           s.counters.violations.Load(),
		Matches:              s.counters.matches.Load(),
		RelayedFrames:        s.counters.relayedFrames.Load(),
		Peers:                counts.Peers,
		Authenticated:        counts.Authenticated,
		Matched:              counts.Matched,
		Waiting:              counts.Waiting,
		Sessions:             counts.Sessions,
	}
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Stats())
}

// ServeHTTP is the websocket endpoint. Admission control happens before
// the upgrade so rejected clients cost one HTTP exchange, not a socket.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := remoteIP(r.RemoteAddr)
	ctx := r.Context()

	if score, err := s.rep.Get(ctx, ip); err == nil && score <= s.cfg.BanFloor {
		s.counters.reputationRejections.Add(1)
		log.Printf("signal reject ip=%s reason=banned score=%d", ip, score)
		http.Error(w, "banned", http.StatusForbidden)
		return
	}

	if !s.connLimiter.Allow(ip) {
		s.counters.rateLimitRejections.Add(1)
		if _, err := s.rep.Penalize(ctx, ip, PenaltyRateLimit); err != nil {
			log.Printf("signal reputation penalize ip=%s err=%v", ip, err)
		}
		log.Printf("signal reject ip=%s reason=rate_limited", ip)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("signal upgrade failed ip=%s err=%v", ip, err)
		return
	}
	s.counters.connections.Add(1)
	go s.handleConn(conn, ip)
}

func (s *Server) handleConn(conn *websocket.Conn, ip string) {
	out := make(chan Envelope, 16)
	peer := s.registry.Add(ip, out)
	done := make(chan struct{})
	wrDone := make(chan struct{})

	go s.writer(conn, out, done, wrDone)
	defer func() {
		other, notify := s.registry.Remove(peer.ID)
		if notify {
			send(other, MustEnvelope(TypeTeardown, Teardown{Reason: "peer_disconnected"}))
		}
		s.msgLimiter.Forget(peer.ID)
		close(done)
		<-wrDone // queued frames (error, teardown) still flush
		conn.Close()
	}()

	// Oversized frames up to this slack get a polite error; anything
	// larger kills the read outright.
	conn.SetReadLimit(int64(s.cfg.MaxFrameBytes) + 1024)

	if !s.authenticate(conn, peer) {
		return
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.hbInterval + s.hbTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("signal read peer=%s err=%v", peer.ID, err)
			}
			return
		}
		if !s.handleFrame(peer, data) {
			return
		}
	}
}

// authenticate drives the challenge handshake. It returns false when the
// connection must be dropped.
func (s *Server) authenticate(conn *websocket.Conn, peer *Peer) bool {
	challenge, err := NewChallenge()
	if err != nil {
		log.Printf("signal challenge peer=%s err=%v", peer.ID, err)
		return false
	}
	if err := s.registry.Challenge(peer.ID); err != nil {
		return false
	}
	send(peer, MustEnvelope(TypeChallenge, Challenge{Challenge: challenge, PeerID: peer.ID}))

	_ = conn.SetReadDeadline(time.Now().Add(s.authTimeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		s.authFailed(peer, "deadline")
		return false
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type != TypeChallengeResponse {
		s.authFailed(peer, "bad frame")
		return false
	}
	var resp ChallengeResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil ||
		!VerifyChallenge(s.cfg.AuthSecret, challenge, resp.Response) {
		s.authFailed(peer, "bad response")
		return false
	}

	if err := s.registry.Authenticate(peer.ID, resp.ClientID); err != nil {
		return false
	}
	ctx := context.Background()
	if score, err := s.rep.Get(ctx, peer.Identity); err == nil && score <= s.cfg.BanFloor {
		s.counters.reputationRejections.Add(1)
		send(peer, MustEnvelope(TypeError, ErrorPayload{Code: ErrCodeBanned}))
		return false
	}
	if _, err := s.rep.Reward(ctx, peer.Identity, RewardAuth); err != nil {
		log.Printf("signal reputation reward id=%s err=%v", peer.Identity, err)
	}
	log.Printf("signal authenticated peer=%s identity=%s", peer.ID, peer.Identity)
	return true
}

func (s *Server) authFailed(peer *Peer, detail string) {
	s.counters.authFailures.Add(1)
	if _, err := s.rep.Penalize(context.Background(), peer.Identity, PenaltyAuthFail); err != nil {
		log.Printf("signal reputation penalize id=%s err=%v", peer.Identity, err)
	}
	log.Printf("signal auth failed peer=%s ip=%s detail=%s", peer.ID, peer.RemoteAddr, detail)
	send(peer, MustEnvelope(TypeError, ErrorPayload{Code: ErrCodeAuthFailed}))
}

// handleFrame processes one post-auth frame. It returns false when the
// connection must close.
func (s *Server) handleFrame(peer *Peer, data []byte) bool {
	if !s.msgLimiter.Allow(peer.ID) {
		return s.violation(peer, ErrCodeRateLimited, "message rate exceeded")
	}
	if len(data) > s.cfg.MaxFrameBytes {
		return s.violation(peer, ErrCodeOversized, "frame too large")
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return s.violation(peer, ErrCodeProtocol, "malformed frame")
	}

	switch env.Type {
	case TypeMatchRequest:
		return s.handleMatchRequest(peer, env.Payload)
	case TypeRelay:
		other, ok := s.registry.Counterpart(peer.ID)
		if !ok {
			send(peer, MustEnvelope(TypeError, ErrorPayload{Code: ErrCodeNotMatched}))
			return true
		}
		send(other, Envelope{Type: TypeRelay, Payload: env.Payload})
		s.counters.relayedFrames.Add(1)
		return true
	case TypeTeardown:
		other, err := s.registry.EndSession(peer.ID)
		if err != nil {
			send(peer, MustEnvelope(TypeError, ErrorPayload{Code: ErrCodeNotMatched}))
			return true
		}
		if other != nil {
			send(other, Envelope{Type: TypeTeardown, Payload: env.Payload})
		}
		return true
	case TypeHeartbeatPing:
		send(peer, MustEnvelope(TypeHeartbeatPong, NewHeartbeat()))
		return true
	case TypeHeartbeatPong:
		return true
	default:
		return s.violation(peer, ErrCodeProtocol, "unknown frame type "+env.Type)
	}
}

func (s *Server) handleMatchRequest(peer *Peer, payload json.RawMessage) bool {
	var req MatchRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			return s.violation(peer, ErrCodeProtocol, "malformed match request")
		}
	}
	if req.Capability == "" {
		req.Capability = "relay"
	}

	match, err := s.registry.RequestMatch(peer.ID, req)
	if err != nil {
		code := ErrCodeProtocol
		if errors.Is(err, ErrAlreadyMatched) {
			code = ErrCodeAlreadyPaired
		}
		send(peer, MustEnvelope(TypeError, ErrorPayload{Code: code, Message: err.Error()}))
		return true
	}
	if match == nil {
		return true // queued, waiting for a counterpart
	}

	s.counters.matches.Add(1)
	log.Printf("signal matched session=%s a=%s b=%s capability=%s",
		match.SessionID, match.Counterpart.ID, match.Requester.ID, req.Capability)

	send(match.Requester, MustEnvelope(TypeMatchFound, MatchFound{
		SessionID:      match.SessionID,
		PeerID:         match.Counterpart.ID,
		PeerNATType:    match.Counterpart.NATType,
		PeerPublicAddr: match.Counterpart.PublicAddr,
		Initiator:      true,
	}))
	send(match.Counterpart, MustEnvelope(TypeMatchFound, MatchFound{
		SessionID:      match.SessionID,
		PeerID:         match.Requester.ID,
		PeerNATType:    match.Requester.NATType,
		PeerPublicAddr: match.Requester.PublicAddr,
		Initiator:      false,
	}))
	return true
}

// violation records a protocol violation, penalizes the peer's
// reputation and reports whether the connection may stay open.
func (s *Server) violation(peer *Peer, code, detail string) bool {
	s.counters.violations.Add(1)
	peer.violations++

	score, err := s.rep.Penalize(context.Background(), peer.Identity, PenaltyViolation)
	if err != nil {
		log.Printf("signal reputation penalize id=%s err=%v", peer.Identity, err)
	}
	log.Printf("signal violation peer=%s code=%s detail=%s count=%d", peer.ID, code, detail, peer.violations)
	send(peer, MustEnvelope(TypeError, ErrorPayload{Code: code, Message: detail}))

	if peer.violations >= s.cfg.ViolationLimit {
		log.Printf("signal evict peer=%s reason=violation_limit", peer.ID)
		return false
	}
	if err == nil && score <= s.cfg.BanFloor {
		log.Printf("signal evict peer=%s reason=banned score=%d", peer.ID, score)
		return false
	}
	return true
}

// writer owns all writes on the connection, including heartbeats. On
// shutdown it drains whatever is already queued before signalling wrDone.
func (s *Server) writer(conn *websocket.Conn, out <-chan Envelope, done <-chan struct{}, wrDone chan<- struct{}) {
	defer close(wrDone)

	ticker := time.NewTicker(s.hbInterval)
	defer ticker.Stop()

	for {
		select {
		case env := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(MustEnvelope(TypeHeartbeatPing, NewHeartbeat())); err != nil {
				return
			}
		case <-done:
			for {
				select {
				case env := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
					if err := conn.WriteJSON(env); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}

// send enqueues without blocking; a full queue drops the frame, which a
// live peer recovers from and a dead one never sees anyway.
func send(p *Peer, env Envelope) {
	select {
	case p.Out <- env:
	default:
	}
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
