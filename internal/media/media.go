// Package media defines the room/media collaborator: rooms, scoped
// credentials, the agent's room connection and room lifecycle events.
package media

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/pion/rtp"
)

// ErrInvalidSignature is returned for webhooks that fail verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Participant identities inside a session room.
const (
	UserIdentityPrefix  = "user-"
	CoachIdentityPrefix = "coach-"
)

// RoomSpec describes a room to create.
type RoomSpec struct {
	Name            string
	MaxParticipants uint32
	EmptyTimeout    time.Duration
	Metadata        string
}

type Room struct {
	Name string
	SID  string
}

// Grants scope a credential to what one identity may do in one room.
type Grants struct {
	CanPublish     bool
	CanSubscribe   bool
	CanPublishData bool
}

type Rooms interface {
	CreateRoom(ctx context.Context, spec RoomSpec) (Room, error)
	DeleteRoom(ctx context.Context, name string) error
	// IssueCredential returns a token valid for ttl that admits identity to
	// room only.
	IssueCredential(room, identity, name string, grants Grants, ttl time.Duration) (string, error)
	// URL is the address participants connect to.
	URL() string
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// Track is an inbound media track.
type Track interface {
	Kind() TrackKind
	// MimeType is the codec, e.g. "audio/opus".
	MimeType() string
	ReadRTP() (*rtp.Packet, error)
}

// Handler receives room events for one connection. Calls may arrive on any
// goroutine.
type Handler interface {
	OnDisconnected(reason string)
	OnParticipantJoined(identity string)
	OnParticipantLeft(identity string)
	OnTrackSubscribed(track Track, participant string)
	OnDataReceived(payload []byte, participant string)
}

// Conn is an open room connection.
type Conn interface {
	PublishData(ctx context.Context, topic string, payload []byte) error
	Disconnect()
}

type Connector interface {
	Connect(ctx context.Context, url, token string, h Handler) (Conn, error)
}

type RoomEventType string

const (
	EventRoomStarted       RoomEventType = "room_started"
	EventRoomFinished      RoomEventType = "room_finished"
	EventParticipantJoined RoomEventType = "participant_joined"
	EventParticipantLeft   RoomEventType = "participant_left"
	EventTrackPublished    RoomEventType = "track_published"
	EventTrackUnpublished  RoomEventType = "track_unpublished"
)

// RoomEvent is a normalized room lifecycle event.
type RoomEvent struct {
	ID          string
	Type        RoomEventType
	Room        string
	Participant string
	TrackKind   TrackKind
	CreatedAt   time.Time
}

type WebhookReceiver interface {
	// Receive verifies and decodes a webhook request. Unknown event types
	// are returned with their raw type so callers can ignore them.
	Receive(r *http.Request) (RoomEvent, error)
}
