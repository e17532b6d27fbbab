// Package stream implements the streaming session core: the session
// aggregate and its state machine, the ENet-style control server, the
// broadcast sockets with FEC-protected media packetization, and the
// periodic stats egress.
package stream

import (
	"context"
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codecat/go-enet"
	"github.com/sirupsen/logrus"

	"github.com/lumenhost/lumen/internal/crypto"
	"github.com/lumenhost/lumen/internal/input"
	"github.com/lumenhost/lumen/internal/mail"
	"github.com/lumenhost/lumen/internal/rtsp"
	"github.com/lumenhost/lumen/internal/video"
)

// Session states.
const (
	StateStopped int32 = iota
	StateStopping
	StateStarting
	StateRunning
)

var (
	// ErrNotReady indicates a session missing its start preconditions
	ErrNotReady = errors.New("session preconditions not met")
)

// AudioConfig is the negotiated audio parameters.
type AudioConfig struct {
	PacketDuration int `json:"packet_duration"` // milliseconds
	Channels       int `json:"channels"`
	Mask           int `json:"mask"`

	Streams        int      `json:"streams"`
	CoupledStreams int      `json:"coupled_streams"`
	Mapping        [8]uint8 `json:"mapping"`

	HighQuality bool `json:"high_quality"`
	HostAudio   bool `json:"host_audio"`
}

// Config is the full negotiated stream configuration.
type Config struct {
	Audio   AudioConfig
	Monitor video.Config

	PacketSize            int
	MinRequiredFecPackets int
	FECPercentage         int
	FeatureFlags          int
	ControlProtocolType   int
	AudioQosType          int
	VideoQosType          int

	EncryptionFlagsEnabled uint32

	Gcmap *int
}

// videoBlock is the video substream state, written by the video sender.
type videoBlock struct {
	PingPayload string

	mu     sync.Mutex
	lowseq uint16
	peer   *net.UDPAddr

	Cipher    *crypto.GCM
	IVSeed    []byte
	ivCounter uint64

	IDREvents        *mail.Event[bool]
	InvalidateEvents *mail.Event[[2]int64]
}

// audioBlock is the audio substream state, written by the audio sender.
type audioBlock struct {
	PingPayload string

	mu   sync.Mutex
	peer *net.UDPAddr

	Cipher         *crypto.CBC
	SequenceNumber uint16
	AVRiKeyID      uint32
	Timestamp      uint32

	// FEC block under construction: encrypted payloads collected until a
	// block is full, and the sequence number of the next parity packet.
	shards [][]byte
	fecSeq uint16
}

// controlBlock is the control substream state.
type controlBlock struct {
	Cipher        *crypto.GCM
	LegacyInputIV []byte
	IncomingIV    []byte
	OutgoingIV    []byte

	ConnectData         uint32
	ExpectedPeerAddress string

	mu          sync.Mutex
	peer        enet.Peer
	peerBound   bool
	seq         uint32 // outgoing, host->client
	incomingSeq uint32

	cryptoFailures int

	FeedbackQueue *mail.Queue[input.Feedback]
	HDRQueue      *mail.Event[HDRInfo]
}

// HDRInfo is the HDR metadata pushed by the control channel.
type HDRInfo struct {
	Enabled  bool
	Metadata [22]byte
}

// CommandEntry is one pre/post session command.
type CommandEntry struct {
	Cmd      string
	Elevated bool
}

// CommandRunner executes session do/undo commands; the process launcher
// is an external collaborator.
type CommandRunner func(entry CommandEntry) error

// Session unifies one client's video, audio, control, and input
// substreams.
type Session struct {
	Config Config

	Mail *mail.Mail

	Video   videoBlock
	Audio   audioBlock
	Control controlBlock

	LaunchSessionID uint32
	DeviceUUID      string

	identityMu  sync.Mutex
	deviceName  string
	permissions uint32

	DoCmds   []CommandEntry
	UndoCmds []CommandEntry

	ShutdownEvent *mail.Event[bool]

	// AutoBitrate flags mirror the launch session.
	AutoBitrate        bool
	AutoBitrateMin     int
	AutoBitrateMax     int
	statsSendCounter   int
	lastSentConnStatus int32

	state atomic.Int32

	pingTimeout *mail.Alarm
	pingWindow  time.Duration
	pingSeen    atomic.Bool

	broadcastRef *BroadcastHandle

	encMu   sync.Mutex
	encoder EncodeControl

	runner CommandRunner
	log    *logrus.Entry

	threads sync.WaitGroup
	cancel  context.CancelFunc

	// slots are the session's held references into its mail registry,
	// released on Join.
	slots []releaser

	joinOnce sync.Once
}

type releaser interface {
	Release()
}

// EncodeControl is the slice of the encode session the control path
// needs: runtime bitrate reconfiguration.
type EncodeControl interface {
	ReconfigureBitrate(kbps int) bool
}

// Alloc builds a session from the negotiated config and the launch
// session produced by the external pairing layer.
func Alloc(cfg Config, ls *rtsp.LaunchSession) (*Session, error) {
	if len(ls.GCMKey) != 16 {
		return nil, crypto.ErrInvalidKey
	}

	s := &Session{
		Config:             cfg,
		Mail:               mail.New(),
		LaunchSessionID:    ls.ID,
		deviceName:         ls.DeviceName,
		DeviceUUID:         ls.UniqueID,
		permissions:        ls.Permissions,
		DoCmds:             append([]CommandEntry(nil), commandEntries(ls.DoCmds)...),
		UndoCmds:           append([]CommandEntry(nil), commandEntries(ls.UndoCmds)...),
		AutoBitrate:        ls.AutoBitrateEnabled,
		AutoBitrateMin:     ls.AutoBitrateMinKbps,
		AutoBitrateMax:     ls.AutoBitrateMaxKbps,
		lastSentConnStatus: -1,
		log: logrus.WithFields(logrus.Fields{
			"session": ls.ID,
			"device":  ls.DeviceName,
		}),
	}

	// The session's cross-thread signals live in its mail registry; the
	// session holds one reference to each slot until Join.
	shutdown := mail.EventFor[bool](s.Mail, mail.SlotShutdown)
	s.ShutdownEvent = shutdown.Value
	idr := mail.EventFor[bool](s.Mail, mail.SlotIDR)
	invalidate := mail.EventFor[[2]int64](s.Mail, mail.SlotInvalidateRefFrames)
	hdr := mail.EventFor[HDRInfo](s.Mail, mail.SlotHDR)
	feedback := mail.QueueFor[input.Feedback](s.Mail, mail.SlotFeedback, 64)
	s.slots = append(s.slots, shutdown, idr, invalidate, hdr, feedback)

	// Control channel always encrypts on this generation.
	controlCipher, err := crypto.NewGCM(ls.GCMKey)
	if err != nil {
		return nil, err
	}
	s.Control.Cipher = controlCipher
	s.Control.ConnectData = ls.ControlConnectData
	s.Control.IncomingIV = controlIVSeed(ls.IV, 'C')
	s.Control.OutgoingIV = controlIVSeed(ls.IV, 'H')
	s.Control.LegacyInputIV = append([]byte(nil), ls.IV...)
	s.Control.FeedbackQueue = feedback.Value
	s.Control.HDRQueue = hdr.Value

	if cfg.EncryptionFlagsEnabled&encVideo != 0 {
		videoCipher, err := crypto.NewGCM(ls.GCMKey)
		if err != nil {
			return nil, err
		}
		s.Video.Cipher = videoCipher
		s.Video.IVSeed = mediaIVSeed(ls.IV)
	}
	s.Video.PingPayload = ls.AVPingPayload
	s.Video.IDREvents = idr.Value
	s.Video.InvalidateEvents = invalidate.Value

	audioCipher, err := crypto.NewCBC(ls.GCMKey)
	if err != nil {
		return nil, err
	}
	s.Audio.Cipher = audioCipher
	s.Audio.PingPayload = ls.AVPingPayload
	if len(ls.IV) >= 4 {
		s.Audio.AVRiKeyID = binary.BigEndian.Uint32(ls.IV[:4])
	}

	s.state.Store(StateStopped)
	return s, nil
}

func commandEntries(cmds []rtsp.CommandEntry) []CommandEntry {
	out := make([]CommandEntry, 0, len(cmds))
	for _, c := range cmds {
		out = append(out, CommandEntry{Cmd: c.Cmd, Elevated: c.Elevated})
	}
	return out
}

// controlIVSeed derives a 12-byte direction seed from the launch IV. The
// direction tag bytes keep host- and client-originated streams from ever
// sharing an IV.
func controlIVSeed(iv []byte, direction byte) []byte {
	seed := make([]byte, 12)
	copy(seed, iv)
	seed[10] = direction
	seed[11] = 'C'
	return seed
}

// mediaIVSeed derives the 12-byte video IV seed.
func mediaIVSeed(iv []byte) []byte {
	seed := make([]byte, 12)
	copy(seed, iv)
	seed[11] = 'V'
	return seed
}

// State returns the session's current state.
func (s *Session) State() int32 {
	return s.state.Load()
}

// UUID returns the session's device UUID.
func (s *Session) UUID() string {
	return s.DeviceUUID
}

// UUIDMatch reports whether the session belongs to the device UUID.
func (s *Session) UUIDMatch(uuid string) bool {
	return s.DeviceUUID == uuid
}

// UpdateDeviceInfo applies a renamed device or changed permission set.
func (s *Session) UpdateDeviceInfo(name string, permissions uint32) {
	s.identityMu.Lock()
	s.deviceName = name
	s.permissions = permissions
	s.identityMu.Unlock()
}

// DeviceName returns the client device name.
func (s *Session) DeviceName() string {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	return s.deviceName
}

// Permissions returns the client permission bitfield.
func (s *Session) Permissions() uint32 {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()
	return s.permissions
}

// bitratectl.Session implementation.

// AutoBitrateEnabled reports whether the client opted into auto bitrate.
func (s *Session) AutoBitrateEnabled() bool { return s.AutoBitrate }

// AutoBitrateMinKbps returns the client-requested floor, 0 if unset.
func (s *Session) AutoBitrateMinKbps() int { return s.AutoBitrateMin }

// AutoBitrateMaxKbps returns the client-requested ceiling, 0 if unset.
func (s *Session) AutoBitrateMaxKbps() int { return s.AutoBitrateMax }

// ConfiguredBitrateKbps returns the negotiated bitrate.
func (s *Session) ConfiguredBitrateKbps() int { return s.Config.Monitor.Bitrate }

// ConfiguredFramerate returns the negotiated framerate.
func (s *Session) ConfiguredFramerate() int { return s.Config.Monitor.Framerate }

// SetEncoder installs the encode session handle used for runtime bitrate
// changes.
func (s *Session) SetEncoder(enc EncodeControl) {
	s.encMu.Lock()
	s.encoder = enc
	s.encMu.Unlock()
}

// Encoder returns the installed encode session handle.
func (s *Session) Encoder() EncodeControl {
	s.encMu.Lock()
	defer s.encMu.Unlock()
	return s.encoder
}

// ControlPeer returns the bound control peer.
func (s *Session) ControlPeer() (enet.Peer, bool) {
	s.Control.mu.Lock()
	defer s.Control.mu.Unlock()
	return s.Control.peer, s.Control.peerBound
}

func (s *Session) bindControlPeer(peer enet.Peer) {
	s.Control.mu.Lock()
	s.Control.peer = peer
	s.Control.peerBound = true
	s.Control.mu.Unlock()
}

// VideoPeer snapshots the learned video endpoint.
func (s *Session) VideoPeer() *net.UDPAddr {
	s.Video.mu.Lock()
	defer s.Video.mu.Unlock()
	return s.Video.peer
}

// SetVideoPeer records the endpoint learned from inbound video traffic.
func (s *Session) SetVideoPeer(addr *net.UDPAddr) {
	s.Video.mu.Lock()
	s.Video.peer = addr
	s.Video.mu.Unlock()
	s.maybeRun()
}

// AudioPeer snapshots the learned audio endpoint.
func (s *Session) AudioPeer() *net.UDPAddr {
	s.Audio.mu.Lock()
	defer s.Audio.mu.Unlock()
	return s.Audio.peer
}

// SetAudioPeer records the endpoint learned from inbound audio traffic.
func (s *Session) SetAudioPeer(addr *net.UDPAddr) {
	s.Audio.mu.Lock()
	s.Audio.peer = addr
	s.Audio.mu.Unlock()
	s.maybeRun()
}

// RefreshPing pushes the ping deadline forward.
func (s *Session) RefreshPing() {
	s.pingSeen.Store(true)
	if s.pingTimeout != nil {
		s.pingTimeout.Reset(s.pingWindow)
	}
	s.maybeRun()
}

// maybeRun completes STARTING -> RUNNING once the control ping has been
// seen and both media endpoints are learned.
func (s *Session) maybeRun() {
	if s.state.Load() != StateStarting {
		return
	}
	if !s.Config.Monitor.InputOnly {
		if s.VideoPeer() == nil || s.AudioPeer() == nil {
			return
		}
	}
	if _, bound := s.ControlPeer(); !bound {
		return
	}
	if !s.pingSeen.Load() {
		return
	}
	if s.state.CompareAndSwap(StateStarting, StateRunning) {
		s.log.Info("session running")
	}
}

// Start transitions STOPPED -> STARTING: runs do-commands, arms the ping
// timeout, and launches the session's handshake and ping watchdog. Start
// launches no sender threads; media goes out through the broadcast
// context's shared send loops.
//
// Preconditions: a control peer is bound, keys are installed, and the
// broadcast context is referenced by this session.
func (s *Session) Start(ctx context.Context, handshakeWindow, pingWindow time.Duration) error {
	if s.broadcastRef == nil {
		return ErrNotReady
	}
	if _, bound := s.ControlPeer(); !bound {
		return ErrNotReady
	}
	if !s.state.CompareAndSwap(StateStopped, StateStarting) {
		return ErrNotReady
	}

	for _, cmd := range s.DoCmds {
		if s.runner == nil {
			break
		}
		if err := s.runner(cmd); err != nil {
			s.log.WithError(err).WithField("cmd", cmd.Cmd).Error("do-command failed")
			s.state.Store(StateStopped)
			return err
		}
	}

	s.pingWindow = pingWindow
	s.pingTimeout = mail.NewAlarm(pingWindow)

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Handshake watchdog: STARTING must reach RUNNING inside the window.
	s.threads.Add(1)
	go func() {
		defer s.threads.Done()
		deadline := time.NewTimer(handshakeWindow)
		defer deadline.Stop()
		ticker := time.NewTicker(pingWindow / 4)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-deadline.C:
				if s.state.Load() == StateStarting {
					s.log.Warn("handshake window expired")
					s.beginStop()
					return
				}
			case <-ticker.C:
				if s.state.Load() == StateRunning && s.pingTimeout.Expired() {
					s.log.Warn("ping timeout expired")
					s.beginStop()
					return
				}
				if _, ok := s.ShutdownEvent.Peek(); ok {
					s.beginStop()
					return
				}
			}
		}
	}()

	s.log.Info("session starting")
	return nil
}

// beginStop moves the session towards STOPPING and stops its primitives.
func (s *Session) beginStop() {
	state := s.state.Load()
	if state == StateStopping || state == StateStopped {
		return
	}
	if !s.state.CompareAndSwap(state, StateStopping) {
		return
	}

	s.ShutdownEvent.Stop()
	s.Video.IDREvents.Stop()
	s.Video.InvalidateEvents.Stop()
	s.Control.HDRQueue.Stop()
	s.Control.FeedbackQueue.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.log.Info("session stopping")
}

// Stop performs an immediate stop: no final control message is sent.
func (s *Session) Stop() {
	s.beginStop()
}

// Join waits for the watchdog goroutine, runs the undo-commands, and
// releases the broadcast reference. After Join the session is STOPPED.
func (s *Session) Join() {
	s.joinOnce.Do(func() {
		s.threads.Wait()

		for _, cmd := range s.UndoCmds {
			if s.runner == nil {
				break
			}
			if err := s.runner(cmd); err != nil {
				s.log.WithError(err).WithField("cmd", cmd.Cmd).Error("undo-command failed")
			}
		}

		for _, slot := range s.slots {
			slot.Release()
		}
		s.slots = nil

		if s.broadcastRef != nil {
			s.broadcastRef.Release()
			s.broadcastRef = nil
		}
		s.state.Store(StateStopped)
		s.log.Info("session stopped")
	})
}

// AttachBroadcast hands the session its reference-counted broadcast
// handle; Join releases it.
func (s *Session) AttachBroadcast(h *BroadcastHandle) {
	s.broadcastRef = h
}

// SetCommandRunner installs the do/undo command executor.
func (s *Session) SetCommandRunner(r CommandRunner) {
	s.runner = r
}
