package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by client operations after the connection ended.
var ErrClosed = errors.New("signaling connection closed")

// Client is the rendezvous-side counterpart of Server. It performs the
// challenge handshake on dial and answers server heartbeats; callers
// drive matching and relaying.
type Client struct {
	conn   *websocket.Conn
	peerID string

	out       chan Envelope
	matches   chan MatchFound
	relays    chan json.RawMessage
	teardowns chan Teardown
	errs      chan ErrorPayload

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects, answers the server's challenge and starts the read and
// write loops. clientID may be empty; passing one keeps reputation
// stable across reconnects.
func Dial(ctx context.Context, url, secret, clientID string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:      conn,
		out:       make(chan Envelope, 16),
		matches:   make(chan MatchFound, 1),
		relays:    make(chan json.RawMessage, 16),
		teardowns: make(chan Teardown, 1),
		errs:      make(chan ErrorPayload, 8),
		done:      make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	}
	var env Envelope
	if err := conn.ReadJSON(&env); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read challenge: %w", err)
	}
	if env.Type != TypeChallenge {
		conn.Close()
		return nil, fmt.Errorf("expected challenge, got %q", env.Type)
	}
	var ch Challenge
	if err := json.Unmarshal(env.Payload, &ch); err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	c.peerID = ch.PeerID

	resp := MustEnvelope(TypeChallengeResponse, ChallengeResponse{
		Response: SignChallenge(secret, ch.Challenge),
		ClientID: clientID,
	})
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(resp); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send challenge response: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	go c.readLoop()
	go c.writeLoop()
	return c, nil
}

// PeerID is the per-connection id the server assigned.
func (c *Client) PeerID() string { return c.peerID }

// RequestMatch asks for a counterpart and waits for the pairing.
func (c *Client) RequestMatch(ctx context.Context, req MatchRequest) (MatchFound, error) {
	if err := c.enqueue(MustEnvelope(TypeMatchRequest, req)); err != nil {
		return MatchFound{}, err
	}
	select {
	case m := <-c.matches:
		return m, nil
	case e := <-c.errs:
		return MatchFound{}, fmt.Errorf("match rejected: %s %s", e.Code, e.Message)
	case <-c.done:
		return MatchFound{}, ErrClosed
	case <-ctx.Done():
		return MatchFound{}, ctx.Err()
	}
}

// Relay forwards an opaque payload to the matched counterpart.
func (c *Client) Relay(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.enqueue(Envelope{Type: TypeRelay, Payload: raw})
}

// Teardown ends the current session.
func (c *Client) Teardown(reason string) error {
	return c.enqueue(MustEnvelope(TypeTeardown, Teardown{Reason: reason}))
}

// Relays delivers payloads relayed from the counterpart.
func (c *Client) Relays() <-chan json.RawMessage { return c.relays }

// Teardowns delivers session-end notices.
func (c *Client) Teardowns() <-chan Teardown { return c.teardowns }

// Errors delivers error frames not consumed by a pending RequestMatch.
func (c *Client) Errors() <-chan ErrorPayload { return c.errs }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close terminates the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return c.conn.Close()
}

func (c *Client) enqueue(env Envelope) error {
	select {
	case c.out <- env:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		var env Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return
		}
		switch env.Type {
		case TypeHeartbeatPing:
			_ = c.enqueue(MustEnvelope(TypeHeartbeatPong, NewHeartbeat()))
		case TypeHeartbeatPong:
		case TypeMatchFound:
			var m MatchFound
			if err := json.Unmarshal(env.Payload, &m); err != nil {
				log.Printf("signal client bad match_found err=%v", err)
				continue
			}
			select {
			case c.matches <- m:
			default:
			}
		case TypeRelay:
			select {
			case c.relays <- env.Payload:
			default:
				log.Printf("signal client relay queue full, frame dropped")
			}
		case TypeTeardown:
			var td Teardown
			_ = json.Unmarshal(env.Payload, &td)
			select {
			case c.teardowns <- td:
			default:
			}
		case TypeError:
			var e ErrorPayload
			_ = json.Unmarshal(env.Payload, &e)
			select {
			case c.errs <- e:
			default:
			}
		}
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case env := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
