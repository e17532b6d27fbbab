// Package capture runs the per-session capture-to-encode pipeline: it
// paces the platform capture source to the negotiated framerate, feeds
// frames to the encode session, applies the bitstream post-processor to
// parameter-set-bearing packets, and hands finished packets to the
// broadcast layer.
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lumenhost/lumen/internal/bitstream"
	"github.com/lumenhost/lumen/internal/encoder"
	"github.com/lumenhost/lumen/internal/mail"
	"github.com/lumenhost/lumen/internal/video"
)

// ErrCaptureTimeout is returned by sources when no new frame arrived
// within the pacing window; the pipeline duplicates the previous frame.
var ErrCaptureTimeout = errors.New("capture timed out")

// Source is the platform capture collaborator (DXGI, KMS, X11, ...).
type Source interface {
	// Capture returns the next frame, blocking up to timeout.
	Capture(ctx context.Context, timeout time.Duration) (*video.Image, error)
	Close() error
}

// Pipeline drives one session's capture loop on its own goroutine.
type Pipeline struct {
	source  Source
	session encoder.Session
	cfg     video.Config
	cs      video.SunshineColorspace

	out *mail.Queue[*video.Packet]

	idrEvents        *mail.Event[bool]
	invalidateEvents *mail.Event[[2]int64]

	log *logrus.Entry

	// processedFirst tracks whether the session's first packet has been
	// through the post-processor.
	processedFirst bool
}

// Config wires a pipeline.
type Config struct {
	Source     Source
	Session    encoder.Session
	Video      video.Config
	Colorspace video.SunshineColorspace

	// Output receives finished packets; bounded, oldest dropped first.
	Output *mail.Queue[*video.Packet]

	// IDREvents and InvalidateEvents deliver the control-channel
	// requests into the loop.
	IDREvents        *mail.Event[bool]
	InvalidateEvents *mail.Event[[2]int64]
}

// New creates a pipeline.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		source:           cfg.Source,
		session:          cfg.Session,
		cfg:              cfg.Video,
		cs:               cfg.Colorspace,
		out:              cfg.Output,
		idrEvents:        cfg.IDREvents,
		invalidateEvents: cfg.InvalidateEvents,
		log:              logrus.WithField("component", "pipeline"),
	}
}

// Run executes the capture loop until the context is cancelled or the
// encoder fails fatally. The returned error is nil on cooperative stop.
func (p *Pipeline) Run(ctx context.Context) error {
	fps := p.cfg.FPS()
	if fps <= 0 {
		fps = 60
	}
	frameInterval := time.Duration(float64(time.Second) / fps)

	var lastImage *video.Image
	next := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		p.drainEvents()

		img, err := p.source.Capture(ctx, frameInterval)
		switch {
		case errors.Is(err, ErrCaptureTimeout):
			// Keep pacing by re-submitting the previous frame.
			if lastImage == nil {
				continue
			}
			img = lastImage
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case err != nil:
			return err
		default:
			lastImage = img
		}

		count, err := p.session.Convert(img)
		if err != nil {
			p.log.WithError(err).Error("encoder failed")
			return err
		}

		for i := 0; i < count; i++ {
			pkt, ok := p.session.Pop(ctx)
			if !ok {
				return nil
			}
			p.finishPacket(pkt)
			p.out.Push(pkt)
		}

		// Pace to the target framerate; a capture source running hot gets
		// throttled here and the bounded output queue drops stale frames.
		next = next.Add(frameInterval)
		if wait := time.Until(next); wait > 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
		} else if wait < -frameInterval {
			next = time.Now()
		}
	}
}

// drainEvents applies pending IDR and invalidation requests before the
// next frame is submitted, so the ordering guarantee holds: a request
// returned before Convert is observed by that frame.
func (p *Pipeline) drainEvents() {
	if p.invalidateEvents != nil {
		if rng, ok := p.invalidateEvents.Peek(); ok {
			p.session.InvalidateRefFrames(rng[0], rng[1])
		}
	}
	if p.idrEvents != nil {
		if _, ok := p.idrEvents.Peek(); ok {
			p.session.RequestIDRFrame()
		}
	}
}

// finishPacket stamps the timestamp and runs the bitstream post-processor
// on the first packet of the session and on every IDR.
func (p *Pipeline) finishPacket(pkt *video.Packet) {
	if pkt.FrameTimestamp.IsZero() {
		pkt.FrameTimestamp = time.Now()
	}

	if p.cfg.VideoFormat == video.CodecAV1 {
		return
	}
	if !pkt.IDR && p.processedFirst {
		return
	}
	p.processedFirst = true

	vui := video.VUIFor(p.cfg, p.cs)
	reps, err := bitstream.MakeSPSReplacements(pkt.Data, video.BitstreamCodec(p.cfg.VideoFormat), vui)
	if err != nil {
		if !errors.Is(err, bitstream.ErrNoSPS) {
			p.log.WithError(err).Warn("bitstream post-processing failed")
		}
		return
	}
	pkt.Replacements = reps
}
