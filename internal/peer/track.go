package peer

import (
	"sync/atomic"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// LocalTrack is a sample track that can be muted in place. Muted tracks stay
// negotiated; samples are dropped until the track is enabled again.
type LocalTrack struct {
	*webrtc.TrackLocalStaticSample
	enabled atomic.Bool
}

// NewLocalTrack creates an enabled local track.
func NewLocalTrack(codec webrtc.RTPCodecCapability, id, streamID string) (*LocalTrack, error) {
	t, err := webrtc.NewTrackLocalStaticSample(codec, id, streamID)
	if err != nil {
		return nil, err
	}
	lt := &LocalTrack{TrackLocalStaticSample: t}
	lt.enabled.Store(true)
	return lt, nil
}

// SetEnabled toggles sample delivery.
func (t *LocalTrack) SetEnabled(on bool) { t.enabled.Store(on) }

// Enabled reports whether samples are delivered.
func (t *LocalTrack) Enabled() bool { return t.enabled.Load() }

// WriteSample forwards s to every bound peer connection while enabled.
func (t *LocalTrack) WriteSample(s media.Sample) error {
	if !t.enabled.Load() {
		return nil
	}
	return t.TrackLocalStaticSample.WriteSample(s)
}

// MediaSource acquires local tracks the first time a peer needs them.
type MediaSource interface {
	Acquire() ([]*LocalTrack, error)
}

// NoMedia is a receive-only source.
type NoMedia struct{}

// Acquire returns no tracks.
func (NoMedia) Acquire() ([]*LocalTrack, error) { return nil, nil }
