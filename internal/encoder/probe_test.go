package encoder

import (
	"context"
	"testing"
	"time"

	"github.com/lumenhost/lumen/internal/video"
)

func probeOpts() ProbeOptions {
	return ProbeOptions{Deadline: 2 * time.Second}
}

func TestProbeSelectsFirstPassing(t *testing.T) {
	t.Parallel()
	encoders := []*Encoder{
		newNvencEncoder(), // unavailable: no backend attached
		newVaapiEncoder(), // unavailable
		newSoftwareEncoder(),
	}

	result, err := Probe(context.Background(), encoders, probeOpts())
	if err != nil {
		t.Fatal(err)
	}
	if result.Selected == nil || result.Selected.Name != "software" {
		t.Fatalf("selected: %+v", result.Selected)
	}
	if !result.Selected.H264.Capabilities.Has(FlagPassed) {
		t.Fatal("H.264 should have passed")
	}
	if !result.ActiveHEVC {
		t.Fatal("HEVC should be active")
	}
	if result.ActiveAV1 {
		t.Fatal("AV1 should not be active on the software backend")
	}
}

func TestProbeNoEncoder(t *testing.T) {
	t.Parallel()
	encoders := []*Encoder{newNvencEncoder()}

	if _, err := Probe(context.Background(), encoders, probeOpts()); err != ErrNoEncoder {
		t.Fatalf("got %v, want ErrNoEncoder", err)
	}

	opts := probeOpts()
	opts.IgnoreFailure = true
	result, err := Probe(context.Background(), encoders, opts)
	if err != nil {
		t.Fatal(err)
	}
	if result.Selected != nil {
		t.Fatal("ignored failure should yield an empty result")
	}
}

func TestProbeDetectsVUIEmission(t *testing.T) {
	t.Parallel()
	enc := newSoftwareEncoder()
	enc.NeedsVUICheck = true

	result, err := Probe(context.Background(), []*Encoder{enc}, probeOpts())
	if err != nil {
		t.Fatal(err)
	}
	if !result.Selected.H264.Capabilities.Has(FlagVUIParameters) {
		t.Fatal("VUI emission should be detected")
	}
}

func TestProbeDetectsMissingVUI(t *testing.T) {
	t.Parallel()
	enc := newSoftwareEncoder()
	enc.NeedsVUICheck = true
	enc.Backend = &softwareBackend{omitVUI: true}

	result, err := Probe(context.Background(), []*Encoder{enc}, probeOpts())
	if err != nil {
		t.Fatal(err)
	}
	if result.Selected.H264.Capabilities.Has(FlagVUIParameters) {
		t.Fatal("missing VUI must clear the capability")
	}
	if !result.Selected.H264.Capabilities.Has(FlagPassed) {
		t.Fatal("encoder still passes without VUI; the post-processor compensates")
	}
}

func TestProbeCapabilityFlags(t *testing.T) {
	t.Parallel()
	result, err := Probe(context.Background(), []*Encoder{newSoftwareEncoder()}, probeOpts())
	if err != nil {
		t.Fatal(err)
	}

	h264 := result.Selected.H264.Capabilities
	if !h264.Has(FlagDynamicRange) {
		t.Error("software backend accepts 10-bit, DYNAMIC_RANGE expected")
	}
	if !h264.Has(FlagYUV444) {
		t.Error("software backend accepts 4:4:4, YUV444 expected")
	}
	if h264.Has(FlagRefFramesRestrict) {
		t.Error("software backend has no native invalidation")
	}
	if result.RefFramesInvalidation {
		t.Error("result should mirror the capability bit")
	}
}

func TestRegistryAttachBackend(t *testing.T) {
	// Not parallel: mutates the package registry.
	ResetRegistry()
	defer ResetRegistry()

	Register(newNvencEncoder())
	if AttachBackend("missing", &softwareBackend{}) {
		t.Fatal("attach to unknown name should fail")
	}
	if !AttachBackend("nvenc", &softwareBackend{}) {
		t.Fatal("attach to registered name should succeed")
	}

	list := List()
	if len(list) != 1 || !list[0].Available() {
		t.Fatal("attached backend should make the encoder available")
	}
}

func TestProbeConfigIsSyntheticBaseline(t *testing.T) {
	t.Parallel()
	cfg := probeConfig(video.CodecH264)
	if cfg.Width != 1280 || cfg.Height != 720 || cfg.Framerate != 60 {
		t.Fatalf("probe config: %+v", cfg)
	}
	if cfg.DynamicRange != 0 || cfg.ChromaSamplingType != 0 {
		t.Fatal("probe baseline must be 8-bit SDR 4:2:0")
	}
}
