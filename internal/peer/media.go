package peer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
)

// SampleWriter accepts encoded media samples
type SampleWriter interface {
	WriteSample(s media.Sample) error
}

// NewVideoTrack is the VP8 track a broadcaster shares with all its viewers
func NewVideoTrack() (*webrtc.TrackLocalStaticSample, error) {
	return webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", "webcam",
	)
}

// PlayIVF writes the frames of the IVF file at path to w at the file's frame
// rate, starting over at the end, until ctx is done.
func PlayIVF(ctx context.Context, path string, w SampleWriter) error {
	for {
		if err := playOnce(ctx, path, w); err != nil {
			return err
		}
	}
}

func playOnce(ctx context.Context, path string, w SampleWriter) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("read ivf header: %w", err)
	}
	if header.TimebaseDenominator == 0 {
		return fmt.Errorf("invalid ivf timebase %d/%d", header.TimebaseNumerator, header.TimebaseDenominator)
	}
	frameDuration := time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for frames := 0; ; frames++ {
		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if frames == 0 {
				return fmt.Errorf("%s has no frames", path)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("read ivf frame: %w", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := w.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("write sample: %w", err)
		}
	}
}
