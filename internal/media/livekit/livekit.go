// Package livekit implements the media collaborator on a LiveKit server.
package livekit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/livekit/protocol/auth"
	lkproto "github.com/livekit/protocol/livekit"
	"github.com/livekit/protocol/webhook"
	lksdk "github.com/livekit/server-sdk-go/v2"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/mistakeknot/huddle/internal/media"
)

// Config holds the server address and API credentials.
type Config struct {
	URL       string
	APIKey    string
	APISecret string
}

func (c Config) Validate() error {
	if c.URL == "" || c.APIKey == "" || c.APISecret == "" {
		return errors.New("livekit: url, api key and api secret are required")
	}
	return nil
}

// httpURL maps the websocket address to the twirp API address.
func (c Config) httpURL() string {
	switch {
	case strings.HasPrefix(c.URL, "wss://"):
		return "https://" + strings.TrimPrefix(c.URL, "wss://")
	case strings.HasPrefix(c.URL, "ws://"):
		return "http://" + strings.TrimPrefix(c.URL, "ws://")
	}
	return c.URL
}

// Rooms implements media.Rooms and media.WebhookReceiver.
type Rooms struct {
	cfg    Config
	client *lksdk.RoomServiceClient
	keys   auth.KeyProvider
}

func NewRooms(cfg Config) (*Rooms, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Rooms{
		cfg:    cfg,
		client: lksdk.NewRoomServiceClient(cfg.httpURL(), cfg.APIKey, cfg.APISecret),
		keys:   auth.NewSimpleKeyProvider(cfg.APIKey, cfg.APISecret),
	}, nil
}

func (r *Rooms) URL() string { return r.cfg.URL }

func (r *Rooms) CreateRoom(ctx context.Context, spec media.RoomSpec) (media.Room, error) {
	room, err := r.client.CreateRoom(ctx, &lkproto.CreateRoomRequest{
		Name:            spec.Name,
		EmptyTimeout:    uint32(spec.EmptyTimeout / time.Second),
		MaxParticipants: spec.MaxParticipants,
		Metadata:        spec.Metadata,
	})
	if err != nil {
		return media.Room{}, fmt.Errorf("create room %s: %w", spec.Name, err)
	}
	return media.Room{Name: room.GetName(), SID: room.GetSid()}, nil
}

func (r *Rooms) DeleteRoom(ctx context.Context, name string) error {
	if _, err := r.client.DeleteRoom(ctx, &lkproto.DeleteRoomRequest{Room: name}); err != nil {
		return fmt.Errorf("delete room %s: %w", name, err)
	}
	return nil
}

func (r *Rooms) IssueCredential(room, identity, name string, grants media.Grants, ttl time.Duration) (string, error) {
	return issueToken(r.cfg.APIKey, r.cfg.APISecret, room, identity, name, grants, ttl)
}

func issueToken(key, secret, room, identity, name string, grants media.Grants, ttl time.Duration) (string, error) {
	grant := &auth.VideoGrant{RoomJoin: true, Room: room}
	grant.SetCanPublish(grants.CanPublish)
	grant.SetCanSubscribe(grants.CanSubscribe)
	grant.SetCanPublishData(grants.CanPublishData)
	token, err := auth.NewAccessToken(key, secret).
		SetVideoGrant(grant).
		SetIdentity(identity).
		SetName(name).
		SetValidFor(ttl).
		ToJWT()
	if err != nil {
		return "", fmt.Errorf("issue credential: %w", err)
	}
	return token, nil
}

// Receive verifies the signed webhook body and normalizes the event. Only a
// failed verification is reported as media.ErrInvalidSignature.
func (r *Rooms) Receive(req *http.Request) (media.RoomEvent, error) {
	body, err := webhook.Receive(req, r.keys)
	if err != nil {
		return media.RoomEvent{}, fmt.Errorf("%w: %v", media.ErrInvalidSignature, err)
	}
	var ev lkproto.WebhookEvent
	if err := protojson.Unmarshal(body, &ev); err != nil {
		return media.RoomEvent{}, fmt.Errorf("decode webhook: %w", err)
	}
	return normalize(&ev), nil
}

func normalize(ev *lkproto.WebhookEvent) media.RoomEvent {
	out := media.RoomEvent{
		ID:        ev.GetId(),
		Type:      media.RoomEventType(ev.GetEvent()),
		Room:      ev.GetRoom().GetName(),
		CreatedAt: time.Unix(ev.GetCreatedAt(), 0).UTC(),
	}
	if p := ev.GetParticipant(); p != nil {
		out.Participant = p.GetIdentity()
	}
	if t := ev.GetTrack(); t != nil {
		switch t.GetType() {
		case lkproto.TrackType_AUDIO:
			out.TrackKind = media.TrackAudio
		case lkproto.TrackType_VIDEO:
			out.TrackKind = media.TrackVideo
		}
	}
	return out
}
