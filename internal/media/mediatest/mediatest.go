// Package mediatest provides in-memory media collaborators for tests.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/mistakeknot/huddle/internal/media"
)

// ErrRoomCreate is returned by Rooms when FailCreate is set.
var ErrRoomCreate = errors.New("room service unavailable")

type Credential struct {
	Room     string
	Identity string
	Name     string
	Grants   media.Grants
	TTL      time.Duration
}

// Rooms records what was created, deleted and issued. Tokens have the form
// "token:{room}:{identity}".
type Rooms struct {
	mu          sync.Mutex
	FailCreate  bool
	Created     []media.RoomSpec
	Deleted     []string
	Credentials []Credential
}

func (r *Rooms) CreateRoom(_ context.Context, spec media.RoomSpec) (media.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.FailCreate {
		return media.Room{}, ErrRoomCreate
	}
	r.Created = append(r.Created, spec)
	return media.Room{Name: spec.Name, SID: "RM_" + spec.Name}, nil
}

func (r *Rooms) DeleteRoom(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Deleted = append(r.Deleted, name)
	return nil
}

func (r *Rooms) IssueCredential(room, identity, name string, grants media.Grants, ttl time.Duration) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Credentials = append(r.Credentials, Credential{Room: room, Identity: identity, Name: name, Grants: grants, TTL: ttl})
	return fmt.Sprintf("token:%s:%s", room, identity), nil
}

func (r *Rooms) URL() string { return "wss://media.test" }

func (r *Rooms) DeletedRooms() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Deleted...)
}

// Published is one data message sent by a Conn.
type Published struct {
	Topic   string
	Payload []byte
}

type Conn struct {
	mu           sync.Mutex
	published    []Published
	disconnected bool
	Handler      media.Handler
	Token        string
}

func (c *Conn) PublishData(_ context.Context, topic string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return errors.New("not connected")
	}
	c.published = append(c.published, Published{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (c *Conn) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *Conn) Published() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.published...)
}

func (c *Conn) Disconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// Connector fails the first FailFirst connects, then hands out Conns.
type Connector struct {
	mu        sync.Mutex
	FailFirst int
	Attempts  int
	conns     []*Conn
	connected chan *Conn
}

func NewConnector() *Connector {
	return &Connector{connected: make(chan *Conn, 16)}
}

func (c *Connector) Connect(_ context.Context, _ string, token string, h media.Handler) (media.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Attempts++
	if c.Attempts <= c.FailFirst {
		return nil, fmt.Errorf("dial attempt %d: connection refused", c.Attempts)
	}
	conn := &Conn{Handler: h, Token: token}
	c.conns = append(c.conns, conn)
	select {
	case c.connected <- conn:
	default:
	}
	return conn, nil
}

// Connected waits for the next successful connect.
func (c *Connector) Connected(timeout time.Duration) (*Conn, error) {
	select {
	case conn := <-c.connected:
		return conn, nil
	case <-time.After(timeout):
		return nil, errors.New("no connection")
	}
}

func (c *Connector) AttemptCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Attempts
}

// Track yields queued RTP packets, then io.EOF once closed.
type Track struct {
	kind    media.TrackKind
	packets chan *rtp.Packet
}

func NewAudioTrack() *Track {
	return &Track{kind: media.TrackAudio, packets: make(chan *rtp.Packet, 64)}
}

func (t *Track) Kind() media.TrackKind { return t.kind }
func (t *Track) MimeType() string      { return "audio/opus" }

func (t *Track) Push(p *rtp.Packet) { t.packets <- p }
func (t *Track) Close()             { close(t.packets) }

func (t *Track) ReadRTP() (*rtp.Packet, error) {
	p, ok := <-t.packets
	if !ok {
		return nil, io.EOF
	}
	return p, nil
}

// Webhooks decodes the JSON form of media.RoomEvent and rejects requests
// without the expected token header.
type Webhooks struct {
	Token string
}

func (w Webhooks) Receive(r *http.Request) (media.RoomEvent, error) {
	if r.Header.Get("Authorization") != w.Token {
		return media.RoomEvent{}, media.ErrInvalidSignature
	}
	var ev struct {
		ID          string `json:"id"`
		Type        string `json:"event"`
		Room        string `json:"room"`
		Participant string `json:"participant"`
		TrackKind   string `json:"track_kind"`
	}
	if err := decodeJSON(r, &ev); err != nil {
		return media.RoomEvent{}, err
	}
	return media.RoomEvent{
		ID:          ev.ID,
		Type:        media.RoomEventType(ev.Type),
		Room:        ev.Room,
		Participant: ev.Participant,
		TrackKind:   media.TrackKind(ev.TrackKind),
		CreatedAt:   time.Now().UTC(),
	}, nil
}
