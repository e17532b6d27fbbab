// Package encoder provides the codec-agnostic encoder abstraction: static
// descriptors of each backend's codecs and capabilities, the encode
// session that turns captured frames into packets, and the startup probe
// that selects the best available encoder.
package encoder

import (
	"sync"

	"github.com/lumenhost/lumen/internal/video"
)

// Flag is a codec capability bit.
type Flag uint8

// Codec capability flags.
const (
	FlagPassed Flag = 1 << iota
	FlagRefFramesRestrict
	FlagDynamicRange
	FlagYUV444
	FlagVUIParameters
)

// Has reports whether all bits of f are set.
func (c Flag) Has(f Flag) bool {
	return c&f == f
}

// PixelFormat identifies a device input format.
type PixelFormat int

// Pixel formats used by the capture-to-encode handoff.
const (
	PixFmtNV12 PixelFormat = iota
	PixFmtP010
	PixFmtYUV444P
	PixFmtYUV444P10
	PixFmtRGBA
)

// PlatformFormats declares the device memory type and the pixel formats a
// backend accepts for each depth/chroma combination.
type PlatformFormats struct {
	DeviceType      string
	PixFmt8Bit      PixelFormat
	PixFmt10Bit     PixelFormat
	PixFmt444_8Bit  PixelFormat
	PixFmt444_10Bit PixelFormat
}

// CodecSpec is the per-codec half of an encoder descriptor: the option
// sets parameterised by the session config plus the probed capability
// bits.
type CodecSpec struct {
	Name         string
	ID           int // video.CodecH264, CodecHEVC, CodecAV1
	Capabilities Flag

	CommonOptions   []Option
	SDROptions      []Option
	HDROptions      []Option
	SDR444Options   []Option
	HDR444Options   []Option
	FallbackOptions []Option
}

// OptionsFor selects the option set for the session's dynamic range and
// chroma sampling, appended to the common set.
func (c *CodecSpec) OptionsFor(cfg video.Config, hdr bool) []Option {
	opts := append([]Option(nil), c.CommonOptions...)
	switch {
	case hdr && cfg.ChromaSamplingType != 0:
		opts = append(opts, c.HDR444Options...)
	case hdr:
		opts = append(opts, c.HDROptions...)
	case cfg.ChromaSamplingType != 0:
		opts = append(opts, c.SDR444Options...)
	default:
		opts = append(opts, c.SDROptions...)
	}
	return opts
}

// Kind selects the encode-session variant for an encoder.
type Kind int

// Session variants. These are a closed set; dispatch happens in
// NewSession.
const (
	KindAvcodec Kind = iota
	KindNvenc
	KindSoftware
)

// Encoder is the static descriptor of one encoder backend.
type Encoder struct {
	Name    string
	Kind    Kind
	Formats PlatformFormats

	H264 CodecSpec
	HEVC CodecSpec
	AV1  CodecSpec

	// NeedsVUICheck marks backends known to omit VUI emission on some
	// driver paths; probing parses the emitted SPS for these instead of
	// assuming support.
	NeedsVUICheck bool

	// Backend is the library binding; nil means the backend is not
	// linked into this build.
	Backend Backend
}

// Available reports whether the backend can be used on this host.
func (e *Encoder) Available() bool {
	return e.Backend != nil && e.Backend.Available()
}

// CodecFromConfig returns the codec spec for the negotiated format,
// falling back to H.264 for unknown values.
func (e *Encoder) CodecFromConfig(cfg video.Config) *CodecSpec {
	switch cfg.VideoFormat {
	case video.CodecHEVC:
		return &e.HEVC
	case video.CodecAV1:
		return &e.AV1
	default:
		return &e.H264
	}
}

// Backend is the contract with the underlying encoder library. The
// hardware libraries themselves live outside this module; platform
// integrations register implementations at startup.
type Backend interface {
	Name() string
	Available() bool
	Open(codec *CodecSpec, cfg video.Config, cs video.SunshineColorspace, opts []ResolvedOption) (Device, error)
}

// Device is one opened encoder instance.
type Device interface {
	// Encode submits a frame and returns zero or more encoded access
	// units. forceIDR requires the next output to be an IDR.
	Encode(img *video.Image, forceIDR bool) ([]EncodedFrame, error)

	// ReconfigureBitrate attempts a runtime bitrate change; true only if
	// the device actually applied it.
	ReconfigureBitrate(kbps int) bool

	// InvalidateRefFrames reports whether the device natively handled the
	// invalidation; false obliges the session to force an IDR.
	InvalidateRefFrames(firstFrame, lastFrame int64) bool

	Close() error
}

// EncodedFrame is one access unit emitted by a device.
type EncodedFrame struct {
	Data []byte
	IDR  bool
}

// The process-wide encoder registry. Built-in descriptors register in
// init order (priority order for probing); platform code attaches
// backends before Probe runs.
var (
	registryMu sync.Mutex
	registry   []*Encoder
)

// Register appends an encoder descriptor to the probe list.
func Register(e *Encoder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = append(registry, e)
}

// AttachBackend binds a backend implementation to the named descriptor.
func AttachBackend(name string, b Backend) bool {
	registryMu.Lock()
	defer registryMu.Unlock()
	for _, e := range registry {
		if e.Name == name {
			e.Backend = b
			return true
		}
	}
	return false
}

// List returns the registered descriptors in priority order.
func List() []*Encoder {
	registryMu.Lock()
	defer registryMu.Unlock()
	return append([]*Encoder(nil), registry...)
}

// ResetRegistry clears the registry. Bound to final shutdown and tests.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = nil
}

func init() {
	Register(newNvencEncoder())
	Register(newVaapiEncoder())
	Register(newSoftwareEncoder())
}

// newNvencEncoder describes the NVENC backend. The library binding is
// attached by platform code when present.
func newNvencEncoder() *Encoder {
	return &Encoder{
		Name: "nvenc",
		Kind: KindNvenc,
		Formats: PlatformFormats{
			DeviceType:      "cuda",
			PixFmt8Bit:      PixFmtNV12,
			PixFmt10Bit:     PixFmtP010,
			PixFmt444_8Bit:  PixFmtYUV444P,
			PixFmt444_10Bit: PixFmtYUV444P10,
		},
		H264: CodecSpec{
			Name: "h264_nvenc",
			ID:   video.CodecH264,
			CommonOptions: []Option{
				{"preset", "p4"},
				{"tune", "ull"},
				{"forced-idr", 1},
				{"zerolatency", 1},
				{"rc", "cbr"},
				{"multipass", func(cfg video.Config) string {
					if cfg.Width*cfg.Height > 1920*1080 {
						return "qres"
					}
					return "disabled"
				}},
			},
			SDROptions:    []Option{{"profile", "high"}},
			SDR444Options: []Option{{"profile", "high444p"}},
		},
		HEVC: CodecSpec{
			Name: "hevc_nvenc",
			ID:   video.CodecHEVC,
			CommonOptions: []Option{
				{"preset", "p4"},
				{"tune", "ull"},
				{"forced-idr", 1},
				{"zerolatency", 1},
				{"rc", "cbr"},
			},
			SDROptions: []Option{{"profile", "main"}},
			HDROptions: []Option{{"profile", "main10"}},
		},
		AV1: CodecSpec{
			Name: "av1_nvenc",
			ID:   video.CodecAV1,
			CommonOptions: []Option{
				{"preset", "p4"},
				{"tune", "ull"},
				{"forced-idr", 1},
				{"zerolatency", 1},
				{"rc", "cbr"},
			},
		},
	}
}

// newVaapiEncoder describes the VAAPI backend. Some AMD driver paths omit
// VUI parameters from the SPS, so probing must verify emission.
func newVaapiEncoder() *Encoder {
	return &Encoder{
		Name:          "vaapi",
		Kind:          KindAvcodec,
		NeedsVUICheck: true,
		Formats: PlatformFormats{
			DeviceType:      "vaapi",
			PixFmt8Bit:      PixFmtNV12,
			PixFmt10Bit:     PixFmtP010,
			PixFmt444_8Bit:  PixFmtYUV444P,
			PixFmt444_10Bit: PixFmtYUV444P10,
		},
		H264: CodecSpec{
			Name: "h264_vaapi",
			ID:   video.CodecH264,
			CommonOptions: []Option{
				{"async_depth", 1},
				{"idr_interval", func() int { return 0x7FFFFFFF }},
			},
			FallbackOptions: []Option{{"low_power", 0}},
		},
		HEVC: CodecSpec{
			Name: "hevc_vaapi",
			ID:   video.CodecHEVC,
			CommonOptions: []Option{
				{"async_depth", 1},
				{"idr_interval", func() int { return 0x7FFFFFFF }},
			},
			FallbackOptions: []Option{{"low_power", 0}},
		},
		AV1: CodecSpec{
			Name: "av1_vaapi",
			ID:   video.CodecAV1,
			CommonOptions: []Option{
				{"async_depth", 1},
			},
		},
	}
}

// newSoftwareEncoder describes the built-in fallback encoder, always
// available so probing and input-only sessions never come up empty.
func newSoftwareEncoder() *Encoder {
	e := &Encoder{
		Name: "software",
		Kind: KindSoftware,
		Formats: PlatformFormats{
			DeviceType:      "system",
			PixFmt8Bit:      PixFmtNV12,
			PixFmt10Bit:     PixFmtP010,
			PixFmt444_8Bit:  PixFmtYUV444P,
			PixFmt444_10Bit: PixFmtYUV444P10,
		},
		H264: CodecSpec{
			Name: "h264_software",
			ID:   video.CodecH264,
			CommonOptions: []Option{
				{"preset", "superfast"},
				{"tune", "zerolatency"},
			},
		},
		HEVC: CodecSpec{
			Name: "hevc_software",
			ID:   video.CodecHEVC,
			CommonOptions: []Option{
				{"preset", "superfast"},
				{"tune", "zerolatency"},
			},
		},
		AV1: CodecSpec{
			Name: "av1_software",
			ID:   video.CodecAV1,
		},
	}
	e.Backend = &softwareBackend{}
	return e
}
