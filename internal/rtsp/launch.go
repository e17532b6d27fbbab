// Package rtsp holds the launch-session contract between the external
// pairing/HTTP layer and the streaming core, plus the registry of
// sessions pending their first control connection.
package rtsp

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lumenhost/lumen/internal/crypto"
)

// CommandEntry is one do/undo command attached to a launch.
type CommandEntry struct {
	Cmd      string
	Elevated bool
}

// LaunchSession carries everything the RTSP handshake negotiated for one
// client before the streaming core takes over.
type LaunchSession struct {
	ID uint32

	GCMKey []byte
	IV     []byte

	AVPingPayload      string
	ControlConnectData uint32

	DeviceName  string
	UniqueID    string
	Permissions uint32

	InputOnly bool
	HostAudio bool

	AutoBitrateEnabled bool
	AutoBitrateMinKbps int // 0 = not set
	AutoBitrateMaxKbps int // 0 = not set

	Width  int
	Height int
	FPS    int

	GamepadMask    int
	SurroundInfo   int
	SurroundParams string

	EnableHDR      bool
	EnableSOPS     bool
	VirtualDisplay bool
	ScaleFactor    uint32

	RTSPCipher    *crypto.GCM
	RTSPURLScheme string
	RTSPIVCounter uint32

	DoCmds   []CommandEntry
	UndoCmds []CommandEntry
}

// NewLaunchSession creates a launch session with fresh key material.
func NewLaunchSession(id uint32) (*LaunchSession, error) {
	key, err := crypto.Random(16)
	if err != nil {
		return nil, err
	}
	iv, err := crypto.Random(16)
	if err != nil {
		return nil, err
	}
	return &LaunchSession{
		ID:            id,
		GCMKey:        key,
		IV:            iv,
		RTSPURLScheme: "rtsp://",
	}, nil
}

var (
	pendingMu sync.Mutex
	pending   = make(map[uint32]*LaunchSession)
)

// Raise registers a launch session awaiting its streaming session.
func Raise(ls *LaunchSession) {
	pendingMu.Lock()
	pending[ls.ID] = ls
	pendingMu.Unlock()
	logrus.WithField("session", ls.ID).Debug("launch session raised")
}

// Clear removes a pending launch session.
func Clear(id uint32) {
	pendingMu.Lock()
	delete(pending, id)
	pendingMu.Unlock()
}

// Claim pops the pending launch session with the given id.
func Claim(id uint32) (*LaunchSession, bool) {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	ls, ok := pending[id]
	if ok {
		delete(pending, id)
	}
	return ls, ok
}

// ClaimAny pops an arbitrary pending launch session.
func ClaimAny() (*LaunchSession, bool) {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	for id, ls := range pending {
		delete(pending, id)
		return ls, true
	}
	return nil, false
}

// PendingCount returns the number of raised, unclaimed launch sessions.
func PendingCount() int {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	return len(pending)
}
