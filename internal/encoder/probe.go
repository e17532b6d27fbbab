package encoder

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lumenhost/lumen/internal/bitstream"
	"github.com/lumenhost/lumen/internal/video"
)

// ErrNoEncoder indicates no encoder passed probing.
var ErrNoEncoder = errors.New("no working encoder found")

// ProbeOptions tunes the capability-detection pass.
type ProbeOptions struct {
	// Deadline bounds each synthetic encode attempt.
	Deadline time.Duration
	// IgnoreFailure lets startup proceed with no passing encoder;
	// capture will refuse to start but input-only sessions still work.
	IgnoreFailure bool
}

// ProbeResult is the outcome exported to the handshake layer.
type ProbeResult struct {
	Selected *Encoder

	ActiveHEVC bool
	ActiveAV1  bool

	// RefFramesInvalidation reports native invalidation support on the
	// selected encoder.
	RefFramesInvalidation bool

	// YUV444ForCodec is indexed by codec id.
	YUV444ForCodec [3]bool
}

const (
	probeWidth     = 1280
	probeHeight    = 720
	probeFramerate = 60
)

// Probe iterates the priority-ordered encoder list, attempts a synthetic
// encode for every codec each backend claims, and returns the first
// encoder that passed at least one codec.
//
// Only safe to call when no session is actively streaming.
func Probe(ctx context.Context, encoders []*Encoder, opts ProbeOptions) (*ProbeResult, error) {
	if opts.Deadline <= 0 {
		opts.Deadline = 5 * time.Second
	}

	for _, enc := range encoders {
		if !enc.Available() {
			logrus.WithField("encoder", enc.Name).Debug("skipping unavailable encoder")
			continue
		}
		if validateEncoder(ctx, enc, opts.Deadline) {
			result := &ProbeResult{
				Selected:   enc,
				ActiveHEVC: enc.HEVC.Capabilities.Has(FlagPassed),
				ActiveAV1:  enc.AV1.Capabilities.Has(FlagPassed),
			}
			result.RefFramesInvalidation = enc.H264.Capabilities.Has(FlagRefFramesRestrict)
			result.YUV444ForCodec[video.CodecH264] = enc.H264.Capabilities.Has(FlagYUV444)
			result.YUV444ForCodec[video.CodecHEVC] = enc.HEVC.Capabilities.Has(FlagYUV444)
			result.YUV444ForCodec[video.CodecAV1] = enc.AV1.Capabilities.Has(FlagYUV444)

			logrus.WithFields(logrus.Fields{
				"encoder": enc.Name,
				"hevc":    result.ActiveHEVC,
				"av1":     result.ActiveAV1,
			}).Info("selected encoder")
			return result, nil
		}
	}

	if opts.IgnoreFailure {
		logrus.Warn("encoder probing failed, continuing without video")
		return &ProbeResult{}, nil
	}
	return nil, ErrNoEncoder
}

// validateEncoder probes every codec of one encoder and updates its
// capability bits. Returns true if at least one codec passed.
func validateEncoder(ctx context.Context, enc *Encoder, deadline time.Duration) bool {
	passed := false
	for _, spec := range []*CodecSpec{&enc.H264, &enc.HEVC, &enc.AV1} {
		spec.Capabilities = 0
		cfg := probeConfig(spec.ID)

		if !probeEncode(ctx, enc, cfg, deadline, nil) {
			continue
		}
		spec.Capabilities |= FlagPassed
		passed = true

		// Dynamic range: re-run at 10-bit.
		hdrCfg := cfg
		hdrCfg.DynamicRange = 1
		if probeEncode(ctx, enc, hdrCfg, deadline, nil) {
			spec.Capabilities |= FlagDynamicRange
		}

		// 4:4:4 chroma.
		fullCfg := cfg
		fullCfg.ChromaSamplingType = 1
		if probeEncode(ctx, enc, fullCfg, deadline, nil) {
			spec.Capabilities |= FlagYUV444
		}

		// Reference frame invalidation.
		if probeInvalidation(ctx, enc, cfg, deadline) {
			spec.Capabilities |= FlagRefFramesRestrict
		}

		// VUI emission, only where the backend is suspect.
		if enc.NeedsVUICheck && spec.ID != video.CodecAV1 {
			hasVUI := false
			probeEncode(ctx, enc, cfg, deadline, func(pkt *video.Packet) {
				hasVUI = bitstream.ValidateSPS(pkt.Data, video.BitstreamCodec(spec.ID))
			})
			if hasVUI {
				spec.Capabilities |= FlagVUIParameters
			}
		} else {
			spec.Capabilities |= FlagVUIParameters
		}
	}
	return passed
}

func probeConfig(codecID int) video.Config {
	return video.Config{
		Width:             probeWidth,
		Height:            probeHeight,
		Framerate:         probeFramerate,
		Bitrate:           10000,
		SlicesPerFrame:    1,
		NumRefFrames:      1,
		VideoFormat:       codecID,
		EncodingFramerate: probeFramerate,
	}
}

// probeEncode runs one synthetic encode: open a session, feed a single
// solid frame, and require a packet within the deadline.
func probeEncode(ctx context.Context, enc *Encoder, cfg video.Config, deadline time.Duration, inspect func(*video.Packet)) bool {
	cs := video.ColorspaceFromConfig(cfg, cfg.DynamicRange > 0)
	sess, err := NewSession(enc, cfg, cs, nil)
	if err != nil {
		return false
	}
	defer sess.Close()

	img := solidFrame(cfg.Width, cfg.Height)
	n, err := sess.Convert(img)
	if err != nil || n < 0 {
		return false
	}

	popCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	pkt, ok := sess.Pop(popCtx)
	if !ok || pkt == nil || len(pkt.Data) == 0 {
		return false
	}
	if inspect != nil {
		inspect(pkt)
	}
	return true
}

// probeInvalidation checks whether the device reports native ref-frame
// invalidation handling.
func probeInvalidation(ctx context.Context, enc *Encoder, cfg video.Config, deadline time.Duration) bool {
	cs := video.ColorspaceFromConfig(cfg, false)
	codec := enc.CodecFromConfig(cfg)
	opts := codec.OptionsFor(cfg, false)
	resolved, err := ResolveOptions(opts, cfg)
	if err != nil {
		return false
	}
	dev, err := enc.Backend.Open(codec, cfg, cs, resolved)
	if err != nil {
		return false
	}
	defer dev.Close()
	return dev.InvalidateRefFrames(0, 1)
}

func solidFrame(width, height int) *video.Image {
	data := make([]byte, width*height*4)
	for i := 0; i < len(data); i += 4 {
		data[i] = 0x20
		data[i+1] = 0x40
		data[i+2] = 0x80
		data[i+3] = 0xFF
	}
	return &video.Image{
		Data:       data,
		Width:      width,
		Height:     height,
		RowPitch:   width * 4,
		PixelPitch: 4,
		CapturedAt: time.Now(),
	}
}
