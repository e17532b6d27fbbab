package stream

import (
	"encoding/binary"
	"net"

	"github.com/pion/rtp"

	"github.com/lumenhost/lumen/internal/fec"
	"github.com/lumenhost/lumen/internal/protocol"
)

// Audio FEC geometry per Moonlight conventions: parity is computed over
// blocks of four data packets.
const (
	audioFECDataShards   = 4
	audioFECParityShards = 2
)

// audioSSRC identifies the host audio stream in RTP headers.
const audioSSRC = 0x4C554D41

// OpusStreamConfig describes the Opus arrangement negotiated for the
// session's audio; the external audio encoder is configured from it.
type OpusStreamConfig struct {
	SampleRate     int
	ChannelCount   int
	Streams        int
	CoupledStreams int
	Mapping        []uint8
	Bitrate        int
}

// OpusConfig derives the Opus arrangement from the negotiated audio
// parameters.
func (c AudioConfig) OpusConfig() OpusStreamConfig {
	channels := c.Channels
	if channels <= 0 || channels > len(c.Mapping) {
		channels = 2
	}
	streams := c.Streams
	if streams <= 0 {
		streams = 1
	}

	cfg := OpusStreamConfig{
		SampleRate:     protocol.AudioClockRate,
		ChannelCount:   channels,
		Streams:        streams,
		CoupledStreams: c.CoupledStreams,
		Mapping:        append([]uint8(nil), c.Mapping[:channels]...),
		Bitrate:        96000,
	}
	if c.HighQuality {
		cfg.Bitrate = 512000
	}
	return cfg
}

// sendAudioPacket encrypts one Opus frame, ships it, and feeds the FEC
// block; a full block emits the parity packets.
func (b *Broadcast) sendAudioPacket(s *Session, opusFrame []byte, peer *net.UDPAddr) error {
	s.Audio.mu.Lock()
	seq := s.Audio.SequenceNumber
	s.Audio.SequenceNumber++
	timestamp := s.Audio.Timestamp
	s.Audio.Timestamp += uint32(s.Config.Audio.PacketDuration * 48)
	s.Audio.mu.Unlock()

	encrypted, err := encryptAudio(s, opusFrame, seq)
	if err != nil {
		return err
	}

	packet := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    protocol.PayloadTypeAudio,
			SequenceNumber: seq,
			Timestamp:      timestamp,
			SSRC:           audioSSRC,
		},
		Payload: encrypted,
	}
	wire, err := packet.Marshal()
	if err != nil {
		return err
	}
	if err := writeWithRetry(b.audioSock, wire, peer); err != nil {
		return err
	}

	return b.feedAudioFEC(s, encrypted, seq, timestamp, peer)
}

// encryptAudio applies AES-CBC with the avRiKeyId-derived IV.
func encryptAudio(s *Session, opusFrame []byte, seq uint16) ([]byte, error) {
	if s.Audio.Cipher == nil {
		return opusFrame, nil
	}
	iv := make([]byte, 16)
	binary.BigEndian.PutUint32(iv[:4], s.Audio.AVRiKeyID+uint32(seq))
	return s.Audio.Cipher.Encrypt(opusFrame, iv)
}

// feedAudioFEC accumulates encrypted payloads; every full block of data
// shards produces the parity packets, each carried behind an
// AUDIO_FEC_HEADER.
func (b *Broadcast) feedAudioFEC(s *Session, encrypted []byte, seq uint16, timestamp uint32, peer *net.UDPAddr) error {
	s.Audio.mu.Lock()
	s.Audio.shards = append(s.Audio.shards, append([]byte(nil), encrypted...))
	if len(s.Audio.shards) < audioFECDataShards {
		s.Audio.mu.Unlock()
		return nil
	}
	block := s.Audio.shards
	s.Audio.shards = nil
	baseSeq := seq - (audioFECDataShards - 1)
	baseTimestamp := timestamp - uint32((audioFECDataShards-1)*s.Config.Audio.PacketDuration*48)
	fecSeq := s.Audio.fecSeq
	s.Audio.fecSeq += audioFECParityShards
	s.Audio.mu.Unlock()

	// Pad the block to a uniform shard size for the parity math.
	shardSize := 0
	for _, d := range block {
		if len(d) > shardSize {
			shardSize = len(d)
		}
	}
	if shardSize == 0 {
		return nil
	}

	shards := make([][]byte, audioFECDataShards+audioFECParityShards)
	for i, d := range block {
		shard := make([]byte, shardSize)
		copy(shard, d)
		shards[i] = shard
	}
	for i := 0; i < audioFECParityShards; i++ {
		shards[audioFECDataShards+i] = make([]byte, shardSize)
	}

	codec, err := fec.New(audioFECDataShards, audioFECParityShards)
	if err != nil {
		return err
	}
	if err := codec.Encode(shards); err != nil {
		return err
	}

	for i := 0; i < audioFECParityShards; i++ {
		payload := protocol.MarshalAudioFECHeader(nil, protocol.AudioFECHeader{
			ShardIndex:         uint8(i),
			PayloadType:        protocol.PayloadTypeAudio,
			BaseSequenceNumber: baseSeq,
			BaseTimestamp:      baseTimestamp,
			SSRC:               audioSSRC,
		})
		payload = append(payload, shards[audioFECDataShards+i]...)

		packet := rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				PayloadType:    protocol.PayloadTypeAudioFEC,
				SequenceNumber: fecSeq + uint16(i),
				Timestamp:      baseTimestamp,
				SSRC:           audioSSRC,
			},
			Payload: payload,
		}
		wire, err := packet.Marshal()
		if err != nil {
			return err
		}
		if err := writeWithRetry(b.audioSock, wire, peer); err != nil {
			return err
		}
	}
	return nil
}
