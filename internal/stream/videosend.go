package stream

import (
	"net"

	"github.com/pion/rtp"

	"github.com/lumenhost/lumen/internal/bitstream"
	"github.com/lumenhost/lumen/internal/fec"
	"github.com/lumenhost/lumen/internal/protocol"
	"github.com/lumenhost/lumen/internal/video"
)

// defaultPacketSize is used when the client did not negotiate one.
const defaultPacketSize = 1024

// videoSSRC identifies the host video stream in RTP headers.
const videoSSRC = 0x4C554D56

// sendVideoPacket applies the packet's bitstream replacements, slices the
// access unit into MTU-sized RTP shards, adds Reed-Solomon parity, and
// transmits each shard, GCM-encrypted when the session negotiated video
// encryption.
func (b *Broadcast) sendVideoPacket(s *Session, pkt *video.Packet, peer *net.UDPAddr) error {
	data := pkt.Data
	if len(pkt.Replacements) > 0 {
		data = bitstream.Apply(data, pkt.Replacements)
	}

	packetSize := s.Config.PacketSize
	if packetSize <= 0 {
		packetSize = defaultPacketSize
	}
	payloadSize := packetSize - protocol.VideoShardHeaderSize
	if payloadSize <= 0 {
		payloadSize = defaultPacketSize
	}

	fragments := (len(data) + payloadSize - 1) / payloadSize
	if fragments == 0 {
		fragments = 1
	}

	fps := s.Config.Monitor.FPS()
	if fps <= 0 {
		fps = 60
	}
	timestamp := uint32(float64(pkt.FrameIndex) * float64(protocol.VideoClockRate) / fps)

	maxPerBlock := fec.MaxDataShardsPerGroup(s.Config.FECPercentage)
	shardIdx := 0

	for blockStart := 0; blockStart < fragments; blockStart += maxPerBlock {
		blockCount := fragments - blockStart
		if blockCount > maxPerBlock {
			blockCount = maxPerBlock
		}
		parityCount := fec.ParityCount(blockCount, s.Config.FECPercentage, s.Config.MinRequiredFecPackets)

		// Build the data shards: NV header + fragment payload, all padded
		// to a uniform size so the parity math lines up.
		shardSize := protocol.VideoShardHeaderSize + payloadSize
		shards := make([][]byte, blockCount+parityCount)
		for i := 0; i < blockCount; i++ {
			frag := blockStart + i
			start := frag * payloadSize
			end := start + payloadSize
			if end > len(data) {
				end = len(data)
			}

			var flags uint8 = protocol.VideoFlagContainsPicData
			if frag == 0 {
				flags |= protocol.VideoFlagSOF
			}
			if frag == fragments-1 {
				flags |= protocol.VideoFlagEOF
			}

			shard := protocol.MarshalVideoShardHeader(make([]byte, 0, shardSize), protocol.VideoShardHeader{
				StreamPacketIndex: uint32(shardIdx + i),
				FrameIndex:        uint32(pkt.FrameIndex),
				Flags:             flags,
				FECInfo:           protocol.FECShardInfo(i, blockCount, parityCount),
			})
			shard = append(shard, data[start:end]...)
			shard = append(shard, make([]byte, shardSize-len(shard))...)
			shards[i] = shard
		}

		if parityCount > 0 {
			for i := 0; i < parityCount; i++ {
				shards[blockCount+i] = make([]byte, shardSize)
			}
			codec, err := fec.New(blockCount, parityCount)
			if err != nil {
				return err
			}
			if err := codec.Encode(shards); err != nil {
				return err
			}
		}

		for i, shard := range shards {
			wire, err := b.frameVideoShard(s, shard, timestamp, i == blockCount-1)
			if err != nil {
				return err
			}
			if err := writeWithRetry(b.videoSock, wire, peer); err != nil {
				return err
			}
		}
		shardIdx += blockCount + parityCount
	}
	return nil
}

// frameVideoShard wraps one shard in its RTP header and encrypts it when
// the session has a video cipher. The wire format for encrypted shards
// is iv(12) || ciphertext+tag.
func (b *Broadcast) frameVideoShard(s *Session, shard []byte, timestamp uint32, marker bool) ([]byte, error) {
	s.Video.mu.Lock()
	seq := s.Video.lowseq
	s.Video.lowseq++ // wraps at 16 bits by type
	counter := s.Video.ivCounter
	s.Video.ivCounter++
	s.Video.mu.Unlock()

	header := rtp.Header{
		Version:        2,
		Marker:         marker,
		PayloadType:    protocol.PayloadTypeVideo,
		SequenceNumber: seq,
		Timestamp:      timestamp,
		SSRC:           videoSSRC,
	}
	packet := rtp.Packet{Header: header, Payload: shard}
	plain, err := packet.Marshal()
	if err != nil {
		return nil, err
	}

	if s.Video.Cipher == nil {
		return plain, nil
	}

	iv := protocol.GCMShardIV(s.Video.IVSeed, counter)
	sealed, err := s.Video.Cipher.Seal(plain, iv)
	if err != nil {
		return nil, err
	}
	wire := make([]byte, 0, len(iv)+len(sealed))
	wire = append(wire, iv...)
	wire = append(wire, sealed...)
	return wire, nil
}
