// Package video defines the encoding configuration negotiated with the
// client, captured images, encoded packets, and colourspace selection.
package video

import (
	"time"

	"github.com/lumenhost/lumen/internal/bitstream"
)

// Codec identifiers as negotiated by the client.
const (
	CodecH264 = 0
	CodecHEVC = 1
	CodecAV1  = 2
)

// Config is the encoding configuration requested by the remote client.
type Config struct {
	Width  int `json:"width"`
	Height int `json:"height"`
	// Framerate is fps when <= 1000, millifps above that.
	Framerate int `json:"framerate"`
	// Bitrate is the target video bitrate in kilobits per second.
	Bitrate        int `json:"bitrate"`
	SlicesPerFrame int `json:"slices_per_frame"`
	NumRefFrames   int `json:"num_ref_frames"`
	// EncoderCscMode packs the colour range bit (bit 0: 0=limited,
	// 1=full) and the SDR colourspace (bits 1+: 0=BT.601, 1=BT.709,
	// 2=BT.2020).
	EncoderCscMode int `json:"encoder_csc_mode"`
	VideoFormat    int `json:"video_format"`
	// DynamicRange selects the bit depth: 0=8-bit, 1=10-bit. HDR
	// activates when >0 and the display is in HDR mode.
	DynamicRange int `json:"dynamic_range"`
	// ChromaSamplingType selects chroma: 0=4:2:0, 1=4:4:4.
	ChromaSamplingType int  `json:"chroma_sampling_type"`
	EnableIntraRefresh int  `json:"enable_intra_refresh"`
	EncodingFramerate  int  `json:"encoding_framerate"`
	InputOnly          bool `json:"input_only"`
}

// FPS returns the framerate in frames per second, resolving the millifps
// encoding used by clients requesting fractional rates.
func (c Config) FPS() float64 {
	if c.Framerate > 1000 {
		return float64(c.Framerate) / 1000.0
	}
	return float64(c.Framerate)
}

// Image is one captured frame handed to the encoder.
type Image struct {
	Data       []byte
	Width      int
	Height     int
	RowPitch   int
	PixelPitch int
	Sequence   uint64
	CapturedAt time.Time
}

// Packet is one encoded access unit plus the metadata the sender needs.
type Packet struct {
	Data       []byte
	IDR        bool
	FrameIndex int64

	// ChannelData is the opaque per-session pointer threaded from the
	// capture request through to the sender.
	ChannelData any

	AfterRefFrameInvalidation bool

	// FrameTimestamp is the steady-clock capture time used for
	// client-side latency math; zero when unavailable.
	FrameTimestamp time.Time

	// Replacements are applied in order, in place, before transmission.
	Replacements []bitstream.Replacement
}

// Colorspace is the selected encoding colourspace.
type Colorspace int

// Colourspaces, SDR first.
const (
	ColorspaceRec601 Colorspace = iota
	ColorspaceRec709
	ColorspaceBT2020SDR
	ColorspaceBT2020
)

// SunshineColorspace pairs the colourspace with range and depth.
type SunshineColorspace struct {
	Colorspace Colorspace
	FullRange  bool
	BitDepth   int
}

// IsHDR reports whether the colourspace is an HDR one.
func (c SunshineColorspace) IsHDR() bool {
	return c.Colorspace == ColorspaceBT2020
}

// ColorspaceFromConfig derives the encoding colourspace from the client
// config and the display's HDR state.
func ColorspaceFromConfig(cfg Config, hdrDisplay bool) SunshineColorspace {
	cs := SunshineColorspace{
		FullRange: cfg.EncoderCscMode&0x1 != 0,
		BitDepth:  8,
	}
	if cfg.DynamicRange > 0 {
		cs.BitDepth = 10
	}

	if cfg.DynamicRange > 0 && hdrDisplay {
		cs.Colorspace = ColorspaceBT2020
		return cs
	}

	switch cfg.EncoderCscMode >> 1 {
	case 0:
		cs.Colorspace = ColorspaceRec601
	case 1:
		cs.Colorspace = ColorspaceRec709
	default:
		cs.Colorspace = ColorspaceBT2020SDR
	}
	return cs
}

// ColorDescription is the VUI colour signalling for a colourspace.
type ColorDescription struct {
	Primaries uint8
	Transfer  uint8
	Matrix    uint8
	FullRange bool
}

// DescriptionFor returns the ITU-T colour description codes for the
// colourspace.
func DescriptionFor(cs SunshineColorspace) ColorDescription {
	d := ColorDescription{FullRange: cs.FullRange}
	switch cs.Colorspace {
	case ColorspaceRec601:
		d.Primaries, d.Transfer, d.Matrix = 6, 6, 6
	case ColorspaceRec709:
		d.Primaries, d.Transfer, d.Matrix = 1, 1, 1
	case ColorspaceBT2020SDR:
		d.Primaries, d.Transfer, d.Matrix = 9, 14, 9
	case ColorspaceBT2020:
		d.Primaries, d.Transfer, d.Matrix = 9, 16, 9 // ST2084 PQ
	}
	return d
}

// VUIFor builds the VUI parameters the bitstream post-processor should
// enforce for a session.
func VUIFor(cfg Config, cs SunshineColorspace) bitstream.VUIParams {
	d := DescriptionFor(cs)
	fps := cfg.FPS()
	timeScale := uint32(fps * 2)
	if timeScale == 0 {
		timeScale = 120
	}
	return bitstream.VUIParams{
		VideoFullRange:  d.FullRange,
		ColourPrimaries: d.Primaries,
		Transfer:        d.Transfer,
		Matrix:          d.Matrix,
		NumUnitsInTick:  1,
		TimeScale:       timeScale,
	}
}

// BitstreamCodec maps the negotiated codec id to the post-processor's
// codec selector. AV1 never reaches the post-processor.
func BitstreamCodec(videoFormat int) bitstream.Codec {
	if videoFormat == CodecHEVC {
		return bitstream.CodecHEVC
	}
	return bitstream.CodecH264
}
