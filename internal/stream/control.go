package stream

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/codecat/go-enet"
	"github.com/sirupsen/logrus"

	"github.com/lumenhost/lumen/internal/bitratectl"
	"github.com/lumenhost/lumen/internal/input"
	"github.com/lumenhost/lumen/internal/protocol"
)

// cryptoFailureLimit drops a session after this many consecutive
// undecryptable control frames.
const cryptoFailureLimit = 10

var (
	// ErrNoPeer indicates a send with no bound control peer
	ErrNoPeer = errors.New("no control peer bound")
)

// ControlHandler processes one control message for a session.
type ControlHandler func(s *Session, payload []byte)

// ControlServer is the reliable, encrypted, ordered message bus between
// this host and its peers.
type ControlServer struct {
	host  enet.Host
	bound bool

	mu            sync.Mutex
	handlers      map[uint16]ControlHandler
	sessions      []*Session
	peerToSession map[enet.Peer]*Session

	log *logrus.Entry
}

// NewControlServer creates an unbound control server.
func NewControlServer() *ControlServer {
	return &ControlServer{
		handlers:      make(map[uint16]ControlHandler),
		peerToSession: make(map[enet.Peer]*Session),
		log:           logrus.WithField("component", "control"),
	}
}

// Bind opens the reliable-transport host on the port.
func (cs *ControlServer) Bind(port uint16, maxPeers int) error {
	enet.Initialize()
	host, err := enet.NewHost(enet.NewListenAddress(port), uint64(maxPeers), 1, 0, 0)
	if err != nil {
		return err
	}
	cs.host = host
	cs.bound = true
	cs.log.WithField("port", port).Info("control server bound")
	return nil
}

// Close tears the host down.
func (cs *ControlServer) Close() {
	if cs.bound {
		cs.host.Destroy()
		cs.bound = false
		enet.Deinitialize()
	}
}

// AddSession registers a session awaiting or holding a control peer.
func (cs *ControlServer) AddSession(s *Session) {
	cs.mu.Lock()
	cs.sessions = append(cs.sessions, s)
	cs.mu.Unlock()
}

// RemoveSession drops a session and its peer binding.
func (cs *ControlServer) RemoveSession(s *Session) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for i, other := range cs.sessions {
		if other == s {
			cs.sessions = append(cs.sessions[:i], cs.sessions[i+1:]...)
			break
		}
	}
	for peer, other := range cs.peerToSession {
		if other == s {
			delete(cs.peerToSession, peer)
		}
	}
}

// Sessions snapshots the registered sessions.
func (cs *ControlServer) Sessions() []*Session {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]*Session(nil), cs.sessions...)
}

// Map registers a handler for a message type.
func (cs *ControlServer) Map(msgType uint16, handler ControlHandler) {
	cs.mu.Lock()
	cs.handlers[msgType] = handler
	cs.mu.Unlock()
}

// Call dispatches one message to its handler. Unknown types are logged
// and ignored.
func (cs *ControlServer) Call(msgType uint16, s *Session, payload []byte, reinjected bool) {
	cs.mu.Lock()
	handler, ok := cs.handlers[msgType]
	cs.mu.Unlock()

	if !ok {
		cs.log.WithFields(logrus.Fields{
			"type":       msgType,
			"reinjected": reinjected,
		}).Debug("ignoring unmapped control message")
		return
	}
	handler(s, payload)
}

// GetSession resolves the session for a peer. A peer already bound maps
// in O(1); otherwise the pending sessions are scanned for a matching
// connect_data or expected peer address, falling back to the first
// unclaimed session. A match binds the peer.
func (cs *ControlServer) GetSession(peer enet.Peer, connectData uint32) *Session {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if s, ok := cs.peerToSession[peer]; ok {
		return s
	}

	peerIP := peerHost(peer)
	var unclaimed *Session
	for _, s := range cs.sessions {
		if _, bound := s.ControlPeer(); bound {
			continue
		}
		if s.Control.ConnectData != 0 && s.Control.ConnectData == connectData {
			cs.bindLocked(peer, s)
			return s
		}
		if s.Control.ExpectedPeerAddress != "" && s.Control.ExpectedPeerAddress == peerIP {
			cs.bindLocked(peer, s)
			return s
		}
		if unclaimed == nil && s.Control.ConnectData == 0 && s.Control.ExpectedPeerAddress == "" {
			unclaimed = s
		}
	}

	if unclaimed != nil {
		cs.bindLocked(peer, unclaimed)
	}
	return unclaimed
}

func (cs *ControlServer) bindLocked(peer enet.Peer, s *Session) {
	cs.peerToSession[peer] = s
	s.bindControlPeer(peer)
}

func peerHost(peer enet.Peer) string {
	if peer == nil {
		return ""
	}
	addr := peer.GetAddress()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Iterate services the host event loop for up to timeout, then drains
// outbound feedback queues. Handlers must not block.
func (cs *ControlServer) Iterate(timeout time.Duration) {
	cs.serviceOnce(timeout)
	cs.drainFeedback()
}

func (cs *ControlServer) serviceOnce(timeout time.Duration) {
	if !cs.bound {
		return
	}

	ev := cs.host.Service(uint32(timeout.Milliseconds()))
	switch ev.GetType() {
	case enet.EventConnect:
		s := cs.GetSession(ev.GetPeer(), ev.GetData())
		if s == nil {
			cs.log.Warn("connect from unknown peer, disconnecting")
			ev.GetPeer().Disconnect(0)
			break
		}
		cs.log.WithField("session", s.LaunchSessionID).Info("control peer connected")
	case enet.EventDisconnect:
		cs.mu.Lock()
		s := cs.peerToSession[ev.GetPeer()]
		delete(cs.peerToSession, ev.GetPeer())
		cs.mu.Unlock()
		if s != nil {
			cs.log.WithField("session", s.LaunchSessionID).Info("control peer disconnected")
			s.Stop()
		}
	case enet.EventReceive:
		packet := ev.GetPacket()
		data := append([]byte(nil), packet.GetData()...)
		packet.Destroy()

		cs.mu.Lock()
		s := cs.peerToSession[ev.GetPeer()]
		cs.mu.Unlock()
		if s == nil {
			s = cs.GetSession(ev.GetPeer(), 0)
		}
		if s == nil {
			break
		}
		cs.receive(s, data)
	}
}

// receive parses one frame and dispatches it, decrypting the Gen7+
// encrypted envelope first.
func (cs *ControlServer) receive(s *Session, data []byte) {
	header, payload, err := protocol.ParseControlHeader(data)
	if err != nil {
		cs.log.WithError(err).Debug("malformed control frame")
		return
	}

	if header.Type != protocol.TypeEncrypted {
		cs.Call(header.Type, s, payload, false)
		return
	}

	s.Control.mu.Lock()
	seq := s.Control.incomingSeq
	s.Control.incomingSeq++
	s.Control.mu.Unlock()

	iv := protocol.ControlIV(s.Control.IncomingIV, seq)
	plaintext, err := s.Control.Cipher.Open(payload, iv)
	if err != nil {
		s.Control.mu.Lock()
		s.Control.cryptoFailures++
		failures := s.Control.cryptoFailures
		s.Control.mu.Unlock()

		cs.log.WithField("failures", failures).Warn("control frame failed authentication")
		if failures >= cryptoFailureLimit {
			s.Stop()
		}
		return
	}
	s.Control.mu.Lock()
	s.Control.cryptoFailures = 0
	s.Control.mu.Unlock()

	inner, innerPayload, err := protocol.ParseControlHeader(plaintext)
	if err != nil {
		cs.log.WithError(err).Debug("malformed inner control frame")
		return
	}
	cs.Call(inner.Type, s, innerPayload, true)
}

// Send transmits an already framed packet to a peer on the reliable
// channel.
func (cs *ControlServer) Send(payload []byte, peer enet.Peer) error {
	if peer == nil {
		return ErrNoPeer
	}
	return peer.SendBytes(payload, 0, enet.PacketFlagReliable)
}

// SendMessage encrypts and frames a control message for the session.
func (cs *ControlServer) SendMessage(s *Session, msgType uint16, payload []byte) error {
	peer, bound := s.ControlPeer()
	if !bound {
		return ErrNoPeer
	}

	s.Control.mu.Lock()
	seq := s.Control.seq
	s.Control.seq++
	s.Control.mu.Unlock()

	inner := protocol.MarshalControlHeader(nil, protocol.ControlHeader{
		Type:          msgType,
		PayloadLength: uint16(len(payload)),
	})
	inner = append(inner, payload...)

	iv := protocol.ControlIV(s.Control.OutgoingIV, seq)
	sealed, err := s.Control.Cipher.Seal(inner, iv)
	if err != nil {
		return err
	}

	frame := protocol.MarshalControlHeader(nil, protocol.ControlHeader{
		Type:          protocol.TypeEncrypted,
		PayloadLength: uint16(len(sealed)),
	})
	frame = append(frame, sealed...)

	return cs.Send(frame, peer)
}

// Flush forces outbound queueing to be drained by servicing the host
// without waiting.
func (cs *ControlServer) Flush() {
	cs.serviceOnce(0)
}

// drainFeedback ships queued input-backend feedback to each session's
// peer.
func (cs *ControlServer) drainFeedback() {
	for _, s := range cs.Sessions() {
		for {
			fb, ok := s.Control.FeedbackQueue.TryPop()
			if !ok {
				break
			}
			msgType, payload := fb.Encode()
			if err := cs.SendMessage(s, msgType, payload); err != nil {
				cs.log.WithError(err).Debug("feedback send failed")
				break
			}
		}
	}
}

// HandlerDeps wires the default handler set.
type HandlerDeps struct {
	Controller *bitratectl.Controller
	Input      *input.Handler

	// BitrateStatsInterval is the number of LOSS_STATS per BITRATE_STATS
	// emission.
	BitrateStatsInterval int
}

// RegisterDefaultHandlers installs the minimum handler table.
func (cs *ControlServer) RegisterDefaultHandlers(deps HandlerDeps) {
	if deps.BitrateStatsInterval <= 0 {
		deps.BitrateStatsInterval = 20
	}

	cs.Map(protocol.TypePing, func(s *Session, payload []byte) {
		s.RefreshPing()
		if err := cs.SendMessage(s, protocol.TypePing, payload); err != nil && !errors.Is(err, ErrNoPeer) {
			cs.log.WithError(err).Debug("ping echo failed")
		}
	})

	cs.Map(protocol.TypeRequestIDR, func(s *Session, payload []byte) {
		s.Video.IDREvents.Raise(true)
	})

	cs.Map(protocol.TypeInvalidateRefFrames, func(s *Session, payload []byte) {
		inv, err := protocol.ParseInvalidateRefFrames(payload)
		if err != nil {
			cs.log.WithError(err).Debug("malformed invalidate request")
			return
		}
		s.Video.InvalidateEvents.Raise([2]int64{int64(inv.FirstFrame), int64(inv.LastFrame)})
	})

	cs.Map(protocol.TypeHDRInfo, func(s *Session, payload []byte) {
		if len(payload) < 1 {
			return
		}
		info := HDRInfo{Enabled: payload[0] != 0}
		copy(info.Metadata[:], payload[1:])
		s.Control.HDRQueue.Raise(info)
	})

	cs.Map(protocol.TypeInputData, func(s *Session, payload []byte) {
		ctx := input.Context{Permissions: s.Permissions()}
		if s.Config.EncryptionFlagsEnabled&protocol.EncControlV2 == 0 {
			ctx.LegacyCipher = s.Audio.Cipher
			ctx.LegacyIV = s.Control.LegacyInputIV[:16]
		}
		if deps.Input == nil {
			return
		}
		if err := deps.Input.Handle(ctx, payload); err != nil &&
			!errors.Is(err, input.ErrUnknownMagic) {
			cs.log.WithError(err).Debug("input re-injection failed")
		}
	})

	cs.Map(protocol.TypeLossStats, func(s *Session, payload []byte) {
		cs.handleLossStats(s, payload, deps)
	})

	cs.Map(protocol.TypeConnectionStatus, func(s *Session, payload []byte) {
		if len(payload) < 1 || deps.Controller == nil {
			return
		}
		deps.Controller.ProcessConnectionStatus(s, int(payload[0]))
	})

	cs.Map(protocol.TypeTermination, func(s *Session, payload []byte) {
		cs.log.WithField("session", s.LaunchSessionID).Info("client requested termination")
		s.Stop()
	})
}

// GracefulStop sends a final termination message, waits briefly for the
// transport to drain, then stops the session.
func (cs *ControlServer) GracefulStop(s *Session, gracePeriod time.Duration) {
	var code [4]byte
	binary.BigEndian.PutUint32(code[:], 0) // graceful
	if err := cs.SendMessage(s, protocol.TypeTermination, code[:]); err == nil {
		cs.Flush()
		time.Sleep(gracePeriod)
	}
	s.Stop()
}
