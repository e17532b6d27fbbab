package encoder

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/lumenhost/lumen/internal/bitstream"
	"github.com/lumenhost/lumen/internal/video"
)

// softwareBackend is the built-in fallback encoder. It performs the
// RGB-to-luma reduction and losslessly packs frames into structurally
// valid H.264/HEVC access units. It is not a rate-controlled codec; it
// exists so probing always has a working backend and input-only or
// headless sessions can run without a hardware library.
type softwareBackend struct {
	// omitVUI mimics driver paths that skip VUI emission; the probe's
	// SPS validation exercises both settings.
	omitVUI bool
}

func (b *softwareBackend) Name() string {
	return "software"
}

func (b *softwareBackend) Available() bool {
	return true
}

func (b *softwareBackend) Open(codec *CodecSpec, cfg video.Config, cs video.SunshineColorspace, opts []ResolvedOption) (Device, error) {
	if codec.ID == video.CodecAV1 {
		return nil, errors.New("av1 not supported by software backend")
	}

	dev := &softwareDevice{
		codec: codec.ID,
		cfg:   cfg,
	}
	if !b.omitVUI {
		vui := video.VUIFor(cfg, cs)
		dev.vui = &vui
	}
	return dev, nil
}

// softwareDevice emits one access unit per submitted frame: SPS+PPS+IDR
// slice on keyframes, a single P slice otherwise.
type softwareDevice struct {
	codec int
	cfg   video.Config
	vui   *bitstream.VUIParams

	mu         sync.Mutex
	closed     bool
	frameCount int64
	bitrate    int
}

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

func (d *softwareDevice) Encode(img *video.Image, forceIDR bool) ([]EncodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, errors.New("device closed")
	}

	idr := forceIDR || d.frameCount == 0
	d.frameCount++

	var au []byte
	if idr {
		au = append(au, startCode...)
		au = append(au, d.buildSPS()...)
		au = append(au, startCode...)
		au = append(au, d.buildPPS()...)
	}
	au = append(au, startCode...)
	au = append(au, d.buildSlice(img, idr)...)

	return []EncodedFrame{{Data: au, IDR: idr}}, nil
}

func (d *softwareDevice) ReconfigureBitrate(kbps int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed || kbps <= 0 {
		return false
	}
	d.bitrate = kbps
	return true
}

func (d *softwareDevice) InvalidateRefFrames(firstFrame, lastFrame int64) bool {
	// No reference management; the session falls back to an IDR.
	return false
}

func (d *softwareDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *softwareDevice) buildSPS() []byte {
	params := bitstream.SPSParams{
		Width:  d.cfg.Width,
		Height: d.cfg.Height,
		VUI:    d.vui,
	}
	if d.codec == video.CodecHEVC {
		return bitstream.BuildHEVCSPS(params)
	}
	return bitstream.BuildH264SPS(params)
}

func (d *softwareDevice) buildPPS() []byte {
	if d.codec == video.CodecHEVC {
		return []byte{bitstream.HEVCNALPPS << 1, 0x01, 0xC1, 0x62, 0x4B, 0xB0}
	}
	return []byte{0x68, 0xCE, 0x3C, 0x80}
}

// buildSlice reduces the frame to its luma plane, run-length packs it,
// and wraps the result in a slice NAL with the frame sequence up front.
func (d *softwareDevice) buildSlice(img *video.Image, idr bool) []byte {
	var rbsp []byte
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(d.frameCount-1))
	rbsp = append(rbsp, seq[:]...)
	rbsp = append(rbsp, packLuma(img)...)

	var header []byte
	if d.codec == video.CodecHEVC {
		// IDR_W_RADL=19, TRAIL_R=1
		t := byte(1)
		if idr {
			t = 19
		}
		header = []byte{t << 1, 0x01}
	} else {
		t := byte(bitstream.H264NALSlice)
		if idr {
			t = bitstream.H264NALIDR
		}
		header = []byte{0x60 | t}
	}
	return append(header, bitstream.InsertEmulation(rbsp)...)
}

// packLuma converts RGBA to BT.601 limited-range luma and run-length
// encodes it as (count, value) pairs.
func packLuma(img *video.Image) []byte {
	if img == nil || len(img.Data) == 0 {
		return nil
	}

	pixelPitch := img.PixelPitch
	if pixelPitch == 0 {
		pixelPitch = 4
	}
	rowPitch := img.RowPitch
	if rowPitch == 0 {
		rowPitch = img.Width * pixelPitch
	}

	out := make([]byte, 0, img.Width*img.Height/4)
	var runVal byte
	runLen := 0
	flush := func() {
		for runLen > 0 {
			n := runLen
			if n > 255 {
				n = 255
			}
			out = append(out, byte(n), runVal)
			runLen -= n
		}
	}

	for y := 0; y < img.Height; y++ {
		row := img.Data[y*rowPitch:]
		for x := 0; x < img.Width; x++ {
			p := row[x*pixelPitch:]
			luma := byte((66*int(p[0])+129*int(p[1])+25*int(p[2])+128)>>8 + 16)
			if runLen > 0 && luma == runVal {
				runLen++
				continue
			}
			flush()
			runVal = luma
			runLen = 1
		}
	}
	flush()
	return out
}
