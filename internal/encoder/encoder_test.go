package encoder

import (
	"context"
	"testing"
	"time"

	"github.com/lumenhost/lumen/internal/bitstream"
	"github.com/lumenhost/lumen/internal/video"
)

func testConfig(codec int) video.Config {
	return video.Config{
		Width:          640,
		Height:         360,
		Framerate:      60,
		Bitrate:        5000,
		SlicesPerFrame: 1,
		NumRefFrames:   1,
		VideoFormat:    codec,
	}
}

func testImage(w, h int) *video.Image {
	return solidFrame(w, h)
}

func newTestSession(t *testing.T, codec int) Session {
	t.Helper()
	enc := newSoftwareEncoder()
	cfg := testConfig(codec)
	sess, err := NewSession(enc, cfg, video.ColorspaceFromConfig(cfg, false), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(sess.Close)
	return sess
}

func popPacket(t *testing.T, sess Session) *video.Packet {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	pkt, ok := sess.Pop(ctx)
	if !ok {
		t.Fatal("no packet produced")
	}
	return pkt
}

func TestResolveOptions(t *testing.T) {
	t.Parallel()
	refFrames := 4
	unset := &OptInt{}
	set := &OptInt{Set: true, Val: 7}

	opts := []Option{
		{"g", 120},
		{"refs", &refFrames},
		{"qp", unset},
		{"crf", set},
		{"threads", func() int { return 8 }},
		{"preset", "fast"},
		{"profile", func(cfg video.Config) string {
			if cfg.DynamicRange > 0 {
				return "main10"
			}
			return "main"
		}},
	}

	resolved, err := ResolveOptions(opts, video.Config{DynamicRange: 1})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]any{
		"g":       120,
		"refs":    4,
		"crf":     7,
		"threads": 8,
		"preset":  "fast",
		"profile": "main10",
	}
	if len(resolved) != len(want) {
		t.Fatalf("got %d options, want %d (unset OptInt must be dropped)", len(resolved), len(want))
	}
	for _, r := range resolved {
		if want[r.Name] != r.Value {
			t.Errorf("%s: got %v, want %v", r.Name, r.Value, want[r.Name])
		}
	}
}

func TestResolveOptionsRejectsUnknownType(t *testing.T) {
	t.Parallel()
	if _, err := ResolveOptions([]Option{{"bad", 3.14}}, video.Config{}); err == nil {
		t.Fatal("float option must be rejected")
	}
}

func TestOptionsForSelectsSet(t *testing.T) {
	t.Parallel()
	spec := CodecSpec{
		CommonOptions: []Option{{"common", 1}},
		SDROptions:    []Option{{"sdr", 1}},
		HDROptions:    []Option{{"hdr", 1}},
		SDR444Options: []Option{{"sdr444", 1}},
		HDR444Options: []Option{{"hdr444", 1}},
	}

	cases := []struct {
		hdr    bool
		chroma int
		want   string
	}{
		{false, 0, "sdr"},
		{true, 0, "hdr"},
		{false, 1, "sdr444"},
		{true, 1, "hdr444"},
	}
	for _, tc := range cases {
		opts := spec.OptionsFor(video.Config{ChromaSamplingType: tc.chroma}, tc.hdr)
		if len(opts) != 2 || opts[0].Name != "common" || opts[1].Name != tc.want {
			t.Errorf("hdr=%v chroma=%d: got %v", tc.hdr, tc.chroma, opts)
		}
	}
}

func TestFirstFrameIsIDR(t *testing.T) {
	t.Parallel()
	sess := newTestSession(t, video.CodecH264)

	n, err := sess.Convert(testImage(640, 360))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Convert: got %d packets", n)
	}

	pkt := popPacket(t, sess)
	if !pkt.IDR {
		t.Fatal("first frame must be IDR")
	}
	if pkt.FrameIndex != 0 {
		t.Fatalf("frame index: got %d", pkt.FrameIndex)
	}
	if !bitstream.ValidateSPS(pkt.Data, bitstream.CodecH264) {
		t.Fatal("IDR access unit should carry an SPS with VUI")
	}
}

func TestRequestIDRFrame(t *testing.T) {
	t.Parallel()
	sess := newTestSession(t, video.CodecH264)

	sess.Convert(testImage(640, 360))
	popPacket(t, sess)

	sess.Convert(testImage(640, 360))
	if pkt := popPacket(t, sess); pkt.IDR {
		t.Fatal("second frame should be a normal frame")
	}

	sess.RequestIDRFrame()
	sess.Convert(testImage(640, 360))
	if pkt := popPacket(t, sess); !pkt.IDR {
		t.Fatal("frame after RequestIDRFrame must be IDR")
	}

	// Reverts to normal afterwards.
	sess.Convert(testImage(640, 360))
	if pkt := popPacket(t, sess); pkt.IDR {
		t.Fatal("IDR request must not be sticky")
	}
}

func TestInvalidateRefFramesForcesIDR(t *testing.T) {
	t.Parallel()
	sess := newTestSession(t, video.CodecHEVC)

	sess.Convert(testImage(640, 360))
	popPacket(t, sess)

	// The software backend has no native invalidation support.
	sess.InvalidateRefFrames(100, 105)
	sess.Convert(testImage(640, 360))
	pkt := popPacket(t, sess)
	if !pkt.IDR {
		t.Fatal("invalidation without native support must force an IDR")
	}
	if !pkt.AfterRefFrameInvalidation {
		t.Fatal("packet must carry the after-invalidation flag")
	}

	// The flag clears once the IDR is out.
	sess.Convert(testImage(640, 360))
	if pkt := popPacket(t, sess); pkt.AfterRefFrameInvalidation {
		t.Fatal("after-invalidation flag must clear on IDR")
	}
}

func TestReconfigureBitrate(t *testing.T) {
	t.Parallel()
	sess := newTestSession(t, video.CodecH264)
	if !sess.ReconfigureBitrate(8000) {
		t.Fatal("software backend should accept bitrate changes")
	}
	if sess.ReconfigureBitrate(0) {
		t.Fatal("zero bitrate must be refused")
	}
}

func TestFrameIndexMonotonic(t *testing.T) {
	t.Parallel()
	sess := newTestSession(t, video.CodecH264)

	var last int64 = -1
	for i := 0; i < 5; i++ {
		if _, err := sess.Convert(testImage(640, 360)); err != nil {
			t.Fatal(err)
		}
		pkt := popPacket(t, sess)
		if pkt.FrameIndex <= last {
			t.Fatalf("frame index not increasing: %d after %d", pkt.FrameIndex, last)
		}
		last = pkt.FrameIndex
	}
}

func TestNewSessionUnavailableBackend(t *testing.T) {
	t.Parallel()
	enc := newNvencEncoder() // no backend attached
	cfg := testConfig(video.CodecH264)
	if _, err := NewSession(enc, cfg, video.ColorspaceFromConfig(cfg, false), nil); err != ErrNoBackend {
		t.Fatalf("got %v, want ErrNoBackend", err)
	}
}
