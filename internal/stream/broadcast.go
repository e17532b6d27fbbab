package stream

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lumenhost/lumen/internal/mail"
	"github.com/lumenhost/lumen/internal/protocol"
	"github.com/lumenhost/lumen/internal/video"
)

const (
	encControlV2 = protocol.EncControlV2
	encVideo     = protocol.EncVideo
	encAudio     = protocol.EncAudio
)

// sendRetryLimit caps the busy retry on transient socket errors; video
// data is dropped past the cap.
const sendRetryLimit = 3

// AudioFrame is one encoded audio frame queued for transmission.
type AudioFrame struct {
	Session *Session
	Data    []byte
}

// BroadcastConfig configures the shared sockets.
type BroadcastConfig struct {
	BasePort int

	// ControlTimeout bounds each control iterate call.
	ControlTimeout time.Duration
}

// Broadcast owns the video/audio UDP sockets, the shared sender threads,
// and the control server. Sessions hold reference-counted handles; the
// last release tears everything down.
type Broadcast struct {
	cfg BroadcastConfig

	videoSock *net.UDPConn
	audioSock *net.UDPConn

	Control *ControlServer

	// VideoQueue and AudioQueue feed the sender threads; packets carry
	// their session in ChannelData.
	VideoQueue *mail.Queue[*video.Packet]
	AudioQueue *mail.Queue[*AudioFrame]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	refs int

	log *logrus.Entry
}

// BroadcastHandle is one session's reference to the broadcast context.
type BroadcastHandle struct {
	b    *Broadcast
	once sync.Once
}

// Release drops the reference; the last release shuts the broadcast
// down.
func (h *BroadcastHandle) Release() {
	h.once.Do(func() {
		h.b.release()
	})
}

// Broadcast returns the underlying context.
func (h *BroadcastHandle) Broadcast() *Broadcast {
	return h.b
}

// StartBroadcast binds the media sockets and the control server and
// launches the shared threads. The caller holds the initial reference.
func StartBroadcast(cfg BroadcastConfig) (*Broadcast, *BroadcastHandle, error) {
	if cfg.ControlTimeout <= 0 {
		cfg.ControlTimeout = 150 * time.Millisecond
	}

	videoSock, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.BasePort + protocol.PortOffsetVideo})
	if err != nil {
		return nil, nil, fmt.Errorf("bind video socket: %w", err)
	}
	audioSock, err := net.ListenUDP("udp", &net.UDPAddr{Port: cfg.BasePort + protocol.PortOffsetAudio})
	if err != nil {
		videoSock.Close()
		return nil, nil, fmt.Errorf("bind audio socket: %w", err)
	}

	control := NewControlServer()
	if err := control.Bind(uint16(cfg.BasePort+protocol.PortOffsetControl), 32); err != nil {
		videoSock.Close()
		audioSock.Close()
		return nil, nil, fmt.Errorf("bind control server: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Broadcast{
		cfg:        cfg,
		videoSock:  videoSock,
		audioSock:  audioSock,
		Control:    control,
		VideoQueue: mail.NewQueue[*video.Packet](128),
		AudioQueue: mail.NewQueue[*AudioFrame](256),
		ctx:        ctx,
		cancel:     cancel,
		refs:       1,
		log:        logrus.WithField("component", "broadcast"),
	}

	b.wg.Add(4)
	go b.recvLoop(videoSock, socketVideo)
	go b.recvLoop(audioSock, socketAudio)
	go b.videoSendLoop()
	go b.audioSendLoop()

	return b, &BroadcastHandle{b: b}, nil
}

// Ref takes an additional reference for a session.
func (b *Broadcast) Ref() *BroadcastHandle {
	b.mu.Lock()
	b.refs++
	b.mu.Unlock()
	return &BroadcastHandle{b: b}
}

func (b *Broadcast) release() {
	b.mu.Lock()
	b.refs--
	done := b.refs == 0
	b.mu.Unlock()
	if !done {
		return
	}

	b.cancel()
	b.VideoQueue.Stop()
	b.AudioQueue.Stop()
	b.videoSock.Close()
	b.audioSock.Close()
	b.wg.Wait()
	b.Control.Close()
	b.log.Info("broadcast context released")
}

// RunControl drives the control iterate loop until the broadcast stops.
func (b *Broadcast) RunControl() {
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}
		b.Control.Iterate(b.cfg.ControlTimeout)
	}
}

type socketKind int

const (
	socketVideo socketKind = iota
	socketAudio
)

// recvLoop learns peer endpoints from the first inbound packet of each
// stream. Clients announce themselves with their AV ping payload after
// RTSP SETUP; legacy clients send a bare PING.
func (b *Broadcast) recvLoop(sock *net.UDPConn, kind socketKind) {
	defer b.wg.Done()

	buf := make([]byte, 2048)
	for {
		select {
		case <-b.ctx.Done():
			return
		default:
		}

		sock.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := sock.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			return
		}
		if n == 0 {
			continue
		}

		payload := string(buf[:n])
		s := b.matchSession(payload, addr)
		if s == nil {
			continue
		}

		switch kind {
		case socketVideo:
			if s.VideoPeer() == nil {
				b.log.WithFields(logrus.Fields{
					"session": s.LaunchSessionID,
					"peer":    addr.String(),
				}).Info("video peer learned")
			}
			s.SetVideoPeer(addr)
		case socketAudio:
			if s.AudioPeer() == nil {
				b.log.WithFields(logrus.Fields{
					"session": s.LaunchSessionID,
					"peer":    addr.String(),
				}).Info("audio peer learned")
			}
			s.SetAudioPeer(addr)
		}
	}
}

// matchSession resolves an inbound ping to a session: by AV ping payload
// first, by source IP against the control peer for legacy clients.
func (b *Broadcast) matchSession(payload string, addr *net.UDPAddr) *Session {
	sessions := b.Control.Sessions()
	for _, s := range sessions {
		if s.Video.PingPayload != "" && payload == s.Video.PingPayload {
			return s
		}
	}
	for _, s := range sessions {
		if s.Control.ExpectedPeerAddress != "" && s.Control.ExpectedPeerAddress == addr.IP.String() {
			return s
		}
	}
	// Single pending session: accept the ping on faith, as the reference
	// implementation does for unclaimed sessions.
	if len(sessions) == 1 {
		return sessions[0]
	}
	return nil
}

// videoSendLoop drains the video queue. A packet whose send still times
// out past the retry cap is dropped; any other send failure is fatal to
// the owning session.
func (b *Broadcast) videoSendLoop() {
	defer b.wg.Done()

	for {
		pkt, ok := b.VideoQueue.Pop(b.ctx)
		if !ok {
			return
		}
		s, _ := pkt.ChannelData.(*Session)
		if s == nil {
			continue
		}
		if state := s.State(); state != StateRunning && state != StateStarting {
			continue
		}
		peer := s.VideoPeer()
		if peer == nil {
			continue
		}
		if err := b.sendVideoPacket(s, pkt, peer); err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				b.log.WithError(err).WithField("session", s.LaunchSessionID).Debug("video packet dropped after send retries")
				continue
			}
			b.log.WithError(err).WithField("session", s.LaunchSessionID).Error("video send failed")
			s.Stop()
		}
	}
}

// audioSendLoop drains the audio queue. Failures are logged; the video
// path continues.
func (b *Broadcast) audioSendLoop() {
	defer b.wg.Done()

	for {
		frame, ok := b.AudioQueue.Pop(b.ctx)
		if !ok {
			return
		}
		s := frame.Session
		if s == nil || s.State() != StateRunning {
			continue
		}
		peer := s.AudioPeer()
		if peer == nil {
			continue
		}
		if err := b.sendAudioPacket(s, frame.Data, peer); err != nil {
			b.log.WithError(err).WithField("session", s.LaunchSessionID).Warn("audio send failed")
		}
	}
}

// writeWithRetry sends one datagram, retrying briefly on transient
// errors.
func writeWithRetry(sock *net.UDPConn, data []byte, addr *net.UDPAddr) error {
	var err error
	for attempt := 0; attempt <= sendRetryLimit; attempt++ {
		_, err = sock.WriteToUDP(data, addr)
		if err == nil {
			return nil
		}
		netErr, ok := err.(net.Error)
		if !ok || !netErr.Timeout() {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Microsecond)
	}
	return err
}
