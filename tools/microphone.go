package tools

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	realtime "github.com/bt-bridge/realtime-console"
	"github.com/bt-bridge/realtime-console/shared"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// Microphone captures the default input device and encodes it to Opus.
type Microphone struct {
	Logger     shared.LoggerAdapter
	SampleRate int
}

var _ realtime.AudioInput = (*Microphone)(nil)

func (m *Microphone) Acquire(ctx context.Context) (realtime.AudioStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("creating opus params: %w", err)
	}
	rate := m.SampleRate
	if rate == 0 {
		rate = 48000
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			c.SampleRate = prop.Int(rate)
			c.ChannelCount = prop.Int(1)
			c.SampleSize = prop.Int(16)
		},
		Codec: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("getting microphone stream: %w", err)
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, errors.New("no audio track found in microphone stream")
	}
	for _, extra := range tracks[1:] {
		_ = extra.Close()
	}
	return &micStream{
		logger:        m.Logger,
		track:         tracks[0],
		frameDuration: time.Duration(opusParams.Latency),
	}, nil
}

type micStream struct {
	logger        shared.LoggerAdapter
	track         mediadevices.Track
	frameDuration time.Duration
}

func (s *micStream) Pump(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	StreamLocalAudio(ctx, s.logger, track, s.track, s.frameDuration)
}

func (s *micStream) Close() error {
	return s.track.Close()
}

func StreamLocalAudio(ctx context.Context, logger shared.LoggerAdapter, track *webrtc.TrackLocalStaticSample, mediaTrack mediadevices.Track, frameDuration time.Duration) {
	reader, err := mediaTrack.NewEncodedReader(track.Codec().MimeType)
	if err != nil {
		logger.Error("creating media track reader", err)
		return
	}
	defer func() { _ = reader.Close() }()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		buf, release, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			logger.Error("reading from media track", err)
			continue
		}
		if buf.Samples == 0 {
			release()
			continue
		}
		err = track.WriteSample(media.Sample{
			Data:     buf.Data,
			Duration: frameDuration,
		})
		release()
		if err != nil {
			logger.Error("failed to write sample to track", err)
		}
	}
}
