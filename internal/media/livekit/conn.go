package livekit

import (
	"context"

	lksdk "github.com/livekit/server-sdk-go/v2"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/mistakeknot/huddle/internal/media"
)

// Connector joins rooms as an agent participant.
type Connector struct{}

func (Connector) Connect(ctx context.Context, url, token string, h media.Handler) (media.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cb := lksdk.NewRoomCallback()
	cb.OnDisconnectedWithReason = func(reason lksdk.DisconnectionReason) {
		h.OnDisconnected(string(reason))
	}
	cb.OnParticipantConnected = func(rp *lksdk.RemoteParticipant) {
		h.OnParticipantJoined(rp.Identity())
	}
	cb.OnParticipantDisconnected = func(rp *lksdk.RemoteParticipant) {
		h.OnParticipantLeft(rp.Identity())
	}
	cb.ParticipantCallback.OnTrackSubscribed = func(track *webrtc.TrackRemote, _ *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
		h.OnTrackSubscribed(remoteTrack{track}, rp.Identity())
	}
	cb.ParticipantCallback.OnDataReceived = func(data []byte, params lksdk.DataReceiveParams) {
		h.OnDataReceived(data, params.SenderIdentity)
	}

	room, err := lksdk.ConnectToRoomWithToken(url, token, cb)
	if err != nil {
		return nil, err
	}
	return &conn{room: room}, nil
}

type conn struct {
	room *lksdk.Room
}

func (c *conn) PublishData(_ context.Context, topic string, payload []byte) error {
	return c.room.LocalParticipant.PublishDataPacket(
		lksdk.UserData(payload),
		lksdk.WithDataPublishReliable(true),
		lksdk.WithDataPublishTopic(topic),
	)
}

func (c *conn) Disconnect() { c.room.Disconnect() }

type remoteTrack struct {
	t *webrtc.TrackRemote
}

func (r remoteTrack) Kind() media.TrackKind {
	if r.t.Kind() == webrtc.RTPCodecTypeAudio {
		return media.TrackAudio
	}
	return media.TrackVideo
}

func (r remoteTrack) MimeType() string { return r.t.Codec().MimeType }

func (r remoteTrack) ReadRTP() (*rtp.Packet, error) {
	p, _, err := r.t.ReadRTP()
	return p, err
}
