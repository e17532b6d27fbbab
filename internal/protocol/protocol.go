// Package protocol defines the wire-level constants and payload codecs for
// the host side of the streaming protocol: control message types, the
// encrypted control frame header, telemetry payloads, and the media packet
// headers shared by the video and audio senders.
package protocol

import (
	"encoding/binary"
	"errors"
	"math"
)

// Byte orders used on the wire. Control payloads are little-endian; RTP
// headers are big-endian per RFC 3550.
var (
	LE = binary.LittleEndian
	BE = binary.BigEndian
)

// UDP port offsets from the configured base port.
const (
	PortOffsetVideo   = 9
	PortOffsetControl = 10
	PortOffsetAudio   = 11
	PortOffsetRTSP    = 21
)

// Control message types (Gen7+ encrypted generation).
const (
	TypeEncrypted           uint16 = 0x0001
	TypeTermination         uint16 = 0x0109
	TypeRumble              uint16 = 0x010b
	TypeHDRInfo             uint16 = 0x010e
	TypePing                uint16 = 0x0200
	TypeLossStats           uint16 = 0x0201
	TypeFrameStats          uint16 = 0x0204
	TypeInputData           uint16 = 0x0206
	TypeConnectionStatus    uint16 = 0x0207
	TypeBitrateStats        uint16 = 0x0208
	TypeInvalidateRefFrames uint16 = 0x0301
	TypeRequestIDR          uint16 = 0x0302
	TypeStartA              uint16 = 0x0305
	TypeStartB              uint16 = 0x0307
	TypeRumbleTriggers      uint16 = 0x5500
	TypeSetMotionEvent      uint16 = 0x5501
	TypeSetRGBLED           uint16 = 0x5502
)

// Connection status values carried by TypeConnectionStatus.
const (
	ConnStatusOkay = 0
	ConnStatusPoor = 1
)

// Encryption feature flags negotiated at launch.
const (
	EncControlV2 = 0x01
	EncVideo     = 0x02
	EncAudio     = 0x04
)

// Client permission bits.
const (
	PermInputController uint32 = 0x100 << 0
	PermInputTouch      uint32 = 0x100 << 1
	PermInputPen        uint32 = 0x100 << 2
	PermInputMouse      uint32 = 0x100 << 3
	PermInputKeyboard   uint32 = 0x100 << 4
	PermAllInputs       uint32 = PermInputController | PermInputTouch | PermInputPen | PermInputMouse | PermInputKeyboard

	PermList   uint32 = 0x1000000 << 0
	PermView   uint32 = 0x1000000 << 1
	PermLaunch uint32 = 0x1000000 << 2
)

// Video codec identifiers as negotiated by the client.
const (
	CodecH264 = 0
	CodecHEVC = 1
	CodecAV1  = 2
)

// RTP payload types per Moonlight conventions.
const (
	PayloadTypeVideo    = 96
	PayloadTypeAudio    = 97
	PayloadTypeAudioFEC = 127
)

// RTP clock rates.
const (
	VideoClockRate = 90000
	AudioClockRate = 48000 // samples per second; timestamp advances duration*48 per packet
)

var (
	// ErrShortPayload indicates a control payload shorter than its fixed layout
	ErrShortPayload = errors.New("control payload too short")
)

// ControlHeader is the 4-byte little-endian frame header preceding every
// control message, encrypted or plaintext.
type ControlHeader struct {
	Type          uint16
	PayloadLength uint16
}

const ControlHeaderSize = 4

// MarshalControlHeader appends the header to dst.
func MarshalControlHeader(dst []byte, h ControlHeader) []byte {
	var b [ControlHeaderSize]byte
	LE.PutUint16(b[0:2], h.Type)
	LE.PutUint16(b[2:4], h.PayloadLength)
	return append(dst, b[:]...)
}

// ParseControlHeader reads a header from the front of data.
func ParseControlHeader(data []byte) (ControlHeader, []byte, error) {
	if len(data) < ControlHeaderSize {
		return ControlHeader{}, nil, ErrShortPayload
	}
	h := ControlHeader{
		Type:          LE.Uint16(data[0:2]),
		PayloadLength: LE.Uint16(data[2:4]),
	}
	rest := data[ControlHeaderSize:]
	if len(rest) < int(h.PayloadLength) {
		return ControlHeader{}, nil, ErrShortPayload
	}
	return h, rest[:h.PayloadLength], nil
}

// ControlIV derives the 12-byte per-frame IV by XORing the direction seed
// with the big-endian encoded sequence number, right-aligned.
func ControlIV(seed []byte, seq uint32) []byte {
	iv := make([]byte, 12)
	copy(iv, seed)
	var seqb [4]byte
	BE.PutUint32(seqb[:], seq)
	for i := 0; i < 4; i++ {
		iv[8+i] ^= seqb[i]
	}
	return iv
}

// GCMShardIV derives the 12-byte per-shard IV for media packets by XORing
// the session IV seed with the big-endian 64-bit shard counter.
func GCMShardIV(seed []byte, counter uint64) []byte {
	iv := make([]byte, 12)
	copy(iv, seed)
	var ctr [8]byte
	BE.PutUint64(ctr[:], counter)
	for i := 0; i < 8; i++ {
		iv[4+i] ^= ctr[i]
	}
	return iv
}

// LossStats is the client's 32-byte loss telemetry payload. Count is zero
// for modern clients, which report only lastGoodFrame progression; legacy
// clients report a direct per-interval count.
type LossStats struct {
	Count          uint32
	TimeIntervalMs uint32
	LastGoodFrame  uint64
}

const LossStatsSize = 32

// ParseLossStats decodes the fixed little-endian layout. LastGoodFrame
// sits at offset 12 and is deliberately read with an unaligned copy.
func ParseLossStats(payload []byte) (LossStats, error) {
	if len(payload) < LossStatsSize {
		return LossStats{}, ErrShortPayload
	}
	var ls LossStats
	ls.Count = LE.Uint32(payload[0:4])
	ls.TimeIntervalMs = LE.Uint32(payload[4:8])

	var lgf [8]byte
	copy(lgf[:], payload[12:20])
	ls.LastGoodFrame = LE.Uint64(lgf[:])
	return ls, nil
}

// MarshalLossStats encodes a LossStats payload; used by tests and the
// probe harness. Reserved fields carry the reference client's constants.
func MarshalLossStats(ls LossStats) []byte {
	b := make([]byte, LossStatsSize)
	LE.PutUint32(b[0:4], ls.Count)
	LE.PutUint32(b[4:8], ls.TimeIntervalMs)
	LE.PutUint32(b[8:12], 1000)
	LE.PutUint64(b[12:20], ls.LastGoodFrame)
	LE.PutUint32(b[28:32], 0x14)
	return b
}

// BitrateStats is the periodic controller snapshot shipped to the client.
type BitrateStats struct {
	CurrentBitrateKbps   uint32
	LastAdjustmentTimeMs uint64
	AdjustmentCount      uint32
	LossPercentage       float32
}

const BitrateStatsSize = 20

// MarshalBitrateStats encodes the little-endian layout; the float travels
// as its IEEE-754 bits through a u32.
func MarshalBitrateStats(bs BitrateStats) []byte {
	b := make([]byte, BitrateStatsSize)
	LE.PutUint32(b[0:4], bs.CurrentBitrateKbps)
	LE.PutUint64(b[4:12], bs.LastAdjustmentTimeMs)
	LE.PutUint32(b[12:16], bs.AdjustmentCount)
	LE.PutUint32(b[16:20], math.Float32bits(bs.LossPercentage))
	return b
}

// ParseBitrateStats decodes the payload; used by tests.
func ParseBitrateStats(payload []byte) (BitrateStats, error) {
	if len(payload) < BitrateStatsSize {
		return BitrateStats{}, ErrShortPayload
	}
	return BitrateStats{
		CurrentBitrateKbps:   LE.Uint32(payload[0:4]),
		LastAdjustmentTimeMs: LE.Uint64(payload[4:12]),
		AdjustmentCount:      LE.Uint32(payload[12:16]),
		LossPercentage:       math.Float32frombits(LE.Uint32(payload[16:20])),
	}, nil
}

// InvalidateRefFrames is the 24-byte invalidation range payload.
type InvalidateRefFrames struct {
	FirstFrame uint64
	LastFrame  uint64
}

// ParseInvalidateRefFrames decodes the range.
func ParseInvalidateRefFrames(payload []byte) (InvalidateRefFrames, error) {
	if len(payload) < 16 {
		return InvalidateRefFrames{}, ErrShortPayload
	}
	return InvalidateRefFrames{
		FirstFrame: LE.Uint64(payload[0:8]),
		LastFrame:  LE.Uint64(payload[8:16]),
	}, nil
}

// VideoShardHeader is the NV video extension header following the RTP
// header on every video shard.
type VideoShardHeader struct {
	StreamPacketIndex uint32
	FrameIndex        uint32
	Flags             uint8
	MultiFECFlags     uint8
	MultiFECBlocks    uint8
	FECInfo           uint32
}

// Video shard flag bits.
const (
	VideoFlagContainsPicData = 0x01
	VideoFlagEOF             = 0x02
	VideoFlagSOF             = 0x04
)

const VideoShardHeaderSize = 16

// MarshalVideoShardHeader appends the header to dst.
func MarshalVideoShardHeader(dst []byte, h VideoShardHeader) []byte {
	var b [VideoShardHeaderSize]byte
	LE.PutUint32(b[0:4], h.StreamPacketIndex)
	LE.PutUint32(b[4:8], h.FrameIndex)
	b[8] = h.Flags
	b[9] = 0 // reserved
	b[10] = h.MultiFECFlags
	b[11] = h.MultiFECBlocks
	LE.PutUint32(b[12:16], h.FECInfo)
	return append(dst, b[:]...)
}

// FECShardInfo packs the shard position fields of FECInfo: shard index,
// data shard count, and parity shard count.
func FECShardInfo(shardIndex, dataShards, parityShards int) uint32 {
	return uint32(shardIndex&0x3FF)<<22 | uint32(dataShards&0x3FF)<<12 | uint32(parityShards&0x3FF)<<2
}

// AudioFECHeader trails the RTP header on audio parity packets.
type AudioFECHeader struct {
	ShardIndex         uint8
	PayloadType        uint8
	BaseSequenceNumber uint16
	BaseTimestamp      uint32
	SSRC               uint32
}

const AudioFECHeaderSize = 12

// MarshalAudioFECHeader appends the header to dst. Sequence and timestamp
// are big-endian to match the RTP fields they mirror.
func MarshalAudioFECHeader(dst []byte, h AudioFECHeader) []byte {
	var b [AudioFECHeaderSize]byte
	b[0] = h.ShardIndex
	b[1] = h.PayloadType
	BE.PutUint16(b[2:4], h.BaseSequenceNumber)
	BE.PutUint32(b[4:8], h.BaseTimestamp)
	BE.PutUint32(b[8:12], h.SSRC)
	return append(dst, b[:]...)
}

// FloatToNetfloat converts a float32 to its little-endian wire bytes.
func FloatToNetfloat(f float32) [4]byte {
	var b [4]byte
	LE.PutUint32(b[:], math.Float32bits(f))
	return b
}

// NetfloatToFloat converts little-endian wire bytes to a float32.
func NetfloatToFloat(b [4]byte) float32 {
	return math.Float32frombits(LE.Uint32(b[:]))
}
