package encoder

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lumenhost/lumen/internal/mail"
	"github.com/lumenhost/lumen/internal/video"
)

var (
	// ErrNoBackend indicates the encoder has no linked backend
	ErrNoBackend = errors.New("encoder backend not available")
	// ErrEncoderFatal indicates an unrecoverable backend error
	ErrEncoderFatal = errors.New("fatal encoder error")
)

// Session turns captured frames into encoded packets for one streaming
// session and answers the control requests routed from the client.
type Session interface {
	// Convert submits a captured frame. It returns the number of packets
	// produced, retrievable via Pop.
	Convert(img *video.Image) (int, error)

	// RequestIDRFrame makes the next produced frame an IDR.
	RequestIDRFrame()

	// RequestNormalFrame reverts subsequent frames to normal.
	RequestNormalFrame()

	// InvalidateRefFrames informs the encoder that references in
	// [firstFrame, lastFrame] are lost at the decoder.
	InvalidateRefFrames(firstFrame, lastFrame int64)

	// ReconfigureBitrate attempts a runtime bitrate change; true only if
	// the encoder actually applied it.
	ReconfigureBitrate(kbps int) bool

	// Pop retrieves the next produced packet.
	Pop(ctx context.Context) (*video.Packet, bool)

	Close()
}

// NewSession opens an encode session on the encoder for the given config.
// The returned variant matches the encoder's kind.
func NewSession(enc *Encoder, cfg video.Config, cs video.SunshineColorspace, channelData any) (Session, error) {
	if !enc.Available() {
		return nil, ErrNoBackend
	}

	codec := enc.CodecFromConfig(cfg)
	opts := codec.OptionsFor(cfg, cs.IsHDR())
	resolved, err := ResolveOptions(opts, cfg)
	if err != nil {
		return nil, err
	}

	dev, err := enc.Backend.Open(codec, cfg, cs, resolved)
	if err != nil && len(codec.FallbackOptions) > 0 {
		fallback, ferr := ResolveOptions(append(opts, codec.FallbackOptions...), cfg)
		if ferr != nil {
			return nil, ferr
		}
		dev, err = enc.Backend.Open(codec, cfg, cs, fallback)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", codec.Name, err)
	}

	base := &baseSession{
		dev:         dev,
		cfg:         cfg,
		channelData: channelData,
		out:         mail.NewQueue[*video.Packet](8),
		log: logrus.WithFields(logrus.Fields{
			"encoder": enc.Name,
			"codec":   codec.Name,
		}),
		pendingIDR: true, // first frame of a session is always an IDR
	}

	switch enc.Kind {
	case KindNvenc:
		return &nvencSession{baseSession: base}, nil
	case KindSoftware:
		return &softwareSession{baseSession: base}, nil
	default:
		return &avcodecSession{baseSession: base}, nil
	}
}

// baseSession carries the state shared by all three variants. The
// pipeline thread is the only caller of Convert; the control thread calls
// the request methods, so the flags sit behind a mutex.
type baseSession struct {
	dev         Device
	cfg         video.Config
	channelData any
	out         *mail.Queue[*video.Packet]
	log         *logrus.Entry

	mu                sync.Mutex
	pendingIDR        bool
	afterInvalidation bool
	frameIndex        int64
}

func (s *baseSession) takeFlags() (forceIDR, afterInval bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	forceIDR = s.pendingIDR
	afterInval = s.afterInvalidation
	return
}

func (s *baseSession) clearFlagsOnIDR() {
	s.mu.Lock()
	s.pendingIDR = false
	s.afterInvalidation = false
	s.mu.Unlock()
}

// emit packages the encoded frames; copy controls whether the bytestream
// is copied into an owned buffer.
func (s *baseSession) emit(frames []EncodedFrame, afterInval bool, copyData bool) int {
	count := 0
	for _, f := range frames {
		data := f.Data
		if copyData {
			data = append([]byte(nil), f.Data...)
		}
		pkt := &video.Packet{
			Data:        data,
			IDR:         f.IDR,
			FrameIndex:  s.frameIndex,
			ChannelData: s.channelData,
		}
		s.frameIndex++
		if afterInval {
			pkt.AfterRefFrameInvalidation = true
		}
		if f.IDR {
			s.clearFlagsOnIDR()
		}
		s.out.Push(pkt)
		count++
	}
	return count
}

func (s *baseSession) RequestIDRFrame() {
	s.mu.Lock()
	s.pendingIDR = true
	s.mu.Unlock()
}

func (s *baseSession) RequestNormalFrame() {
	s.mu.Lock()
	s.pendingIDR = false
	s.mu.Unlock()
}

func (s *baseSession) InvalidateRefFrames(firstFrame, lastFrame int64) {
	native := s.dev.InvalidateRefFrames(firstFrame, lastFrame)
	s.mu.Lock()
	s.afterInvalidation = true
	if !native {
		s.pendingIDR = true
	}
	s.mu.Unlock()
	if !native {
		s.log.WithFields(logrus.Fields{
			"first": firstFrame,
			"last":  lastFrame,
		}).Debug("ref frame invalidation not supported, forcing IDR")
	}
}

func (s *baseSession) ReconfigureBitrate(kbps int) bool {
	return s.dev.ReconfigureBitrate(kbps)
}

func (s *baseSession) Pop(ctx context.Context) (*video.Packet, bool) {
	return s.out.Pop(ctx)
}

func (s *baseSession) Close() {
	s.out.Stop()
	if err := s.dev.Close(); err != nil {
		s.log.WithError(err).Warn("encoder close failed")
	}
}

// avcodecSession is the generic libavcodec-style variant: the device owns
// the packet buffers, so they are handed on without copying.
type avcodecSession struct {
	*baseSession
}

func (s *avcodecSession) Convert(img *video.Image) (int, error) {
	forceIDR, afterInval := s.takeFlags()
	frames, err := s.dev.Encode(img, forceIDR)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrEncoderFatal, err)
	}
	// Device-owned buffers are handed on without copying.
	return s.emit(frames, afterInval, false), nil
}

// nvencSession copies the emitted bytestream into an owned buffer; the
// NVENC output buffer is recycled as soon as Encode returns.
type nvencSession struct {
	*baseSession
}

func (s *nvencSession) Convert(img *video.Image) (int, error) {
	forceIDR, afterInval := s.takeFlags()
	frames, err := s.dev.Encode(img, forceIDR)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrEncoderFatal, err)
	}
	return s.emit(frames, afterInval, true), nil
}

// softwareSession is the fallback path with no hardware buffer.
type softwareSession struct {
	*baseSession
}

func (s *softwareSession) Convert(img *video.Image) (int, error) {
	forceIDR, afterInval := s.takeFlags()
	frames, err := s.dev.Encode(img, forceIDR)
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrEncoderFatal, err)
	}
	return s.emit(frames, afterInval, false), nil
}
