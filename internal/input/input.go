// Package input re-injects decrypted client input into the platform
// input backend and frames the backend's feedback (rumble, LED, motion)
// for the control channel.
package input

import (
	"encoding/binary"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/lumenhost/lumen/internal/crypto"
	"github.com/lumenhost/lumen/internal/protocol"
)

var (
	// ErrShortPacket indicates a truncated input packet
	ErrShortPacket = errors.New("input packet too short")
	// ErrUnknownMagic indicates an unrecognized input packet magic
	ErrUnknownMagic = errors.New("unknown input packet magic")
)

// Input packet magic numbers (Gen5+, little-endian) plus host extensions.
const (
	MagicKeyDown      = 0x03
	MagicKeyUp        = 0x04
	MagicMouseMoveAbs = 0x05
	MagicMouseMoveRel = 0x07
	MagicMouseDown    = 0x08
	MagicMouseUp      = 0x09
	MagicScroll       = 0x0A
	MagicMultiGamepad = 0x1E
	MagicUTF8Text     = 0x56
	MagicHScroll      = 0x57
	MagicTouch        = 0x58
	MagicPen          = 0x59
)

// Backend is the platform input injector; keyboard, mouse, gamepad,
// touch, and pen backends live outside this module.
type Backend interface {
	Keyboard(keyCode uint16, down bool, modifiers uint8)
	MouseMoveRel(dx, dy int16)
	MouseMoveAbs(x, y, width, height uint16)
	MouseButton(button uint8, down bool)
	Scroll(amount int16)
	HScroll(amount int16)
	Gamepad(slot int, buttonFlags uint32, leftTrigger, rightTrigger uint8, lsX, lsY, rsX, rsY int16)
	Touch(eventType uint8, pointerID uint32, x, y float32, pressure float32)
	Pen(eventType, toolType, buttons uint8, x, y, pressure float32, rotation uint16, tilt uint8)
	UTF8Text(text string)
}

// Context is the per-session state the handler needs: the permission
// bits and the legacy cipher for clients without full control
// encryption.
type Context struct {
	Permissions uint32

	// LegacyCipher decrypts input payloads from pre-V2 clients; nil when
	// the control channel already decrypted the payload.
	LegacyCipher *crypto.CBC
	LegacyIV     []byte
}

// Handler dispatches decrypted input packets to the backend.
type Handler struct {
	backend Backend
	log     *logrus.Entry
}

// NewHandler creates an input handler over the given backend.
func NewHandler(backend Backend) *Handler {
	return &Handler{
		backend: backend,
		log:     logrus.WithField("component", "input"),
	}
}

// Handle processes one INPUT payload: optional legacy decryption, a
// permission gate, then magic dispatch. Permission denials drop the
// packet silently so the client cannot probe its permission set.
func (h *Handler) Handle(ctx Context, payload []byte) error {
	if len(payload) < 4 {
		return ErrShortPacket
	}

	data := payload
	if ctx.LegacyCipher != nil {
		// Legacy framing: u32 BE plaintext length, then CBC ciphertext.
		plainLen := int(binary.BigEndian.Uint32(payload[:4]))
		decrypted, err := ctx.LegacyCipher.DecryptNoUnpad(payload[4:], ctx.LegacyIV)
		if err != nil {
			return err
		}
		if plainLen > len(decrypted) {
			return ErrShortPacket
		}
		data = decrypted[:plainLen]
	}

	if len(data) < 8 {
		return ErrShortPacket
	}
	// NV input header: u32 BE size, u32 LE magic.
	magic := binary.LittleEndian.Uint32(data[4:8])
	body := data[8:]

	if !permitted(ctx.Permissions, magic) {
		return nil
	}

	switch magic {
	case MagicKeyDown, MagicKeyUp:
		if len(body) < 4 {
			return ErrShortPacket
		}
		keyCode := binary.LittleEndian.Uint16(body[1:3])
		h.backend.Keyboard(keyCode, magic == MagicKeyDown, body[3])
	case MagicMouseMoveRel:
		if len(body) < 4 {
			return ErrShortPacket
		}
		dx := int16(binary.BigEndian.Uint16(body[0:2]))
		dy := int16(binary.BigEndian.Uint16(body[2:4]))
		h.backend.MouseMoveRel(dx, dy)
	case MagicMouseMoveAbs:
		if len(body) < 10 {
			return ErrShortPacket
		}
		x := binary.BigEndian.Uint16(body[0:2])
		y := binary.BigEndian.Uint16(body[2:4])
		w := binary.BigEndian.Uint16(body[6:8])
		hgt := binary.BigEndian.Uint16(body[8:10])
		h.backend.MouseMoveAbs(x, y, w, hgt)
	case MagicMouseDown, MagicMouseUp:
		if len(body) < 1 {
			return ErrShortPacket
		}
		h.backend.MouseButton(body[0], magic == MagicMouseDown)
	case MagicScroll:
		if len(body) < 2 {
			return ErrShortPacket
		}
		h.backend.Scroll(int16(binary.BigEndian.Uint16(body[0:2])))
	case MagicHScroll:
		if len(body) < 2 {
			return ErrShortPacket
		}
		h.backend.HScroll(int16(binary.BigEndian.Uint16(body[0:2])))
	case MagicMultiGamepad:
		if len(body) < 20 {
			return ErrShortPacket
		}
		slot := int(binary.LittleEndian.Uint16(body[2:4]))
		buttonFlags := uint32(binary.LittleEndian.Uint16(body[8:10]))
		leftTrigger := body[10]
		rightTrigger := body[11]
		lsX := int16(binary.LittleEndian.Uint16(body[12:14]))
		lsY := int16(binary.LittleEndian.Uint16(body[14:16]))
		rsX := int16(binary.LittleEndian.Uint16(body[16:18]))
		rsY := int16(binary.LittleEndian.Uint16(body[18:20]))
		h.backend.Gamepad(slot, buttonFlags, leftTrigger, rightTrigger, lsX, lsY, rsX, rsY)
	case MagicTouch:
		if len(body) < 20 {
			return ErrShortPacket
		}
		eventType := body[0]
		pointerID := binary.LittleEndian.Uint32(body[4:8])
		x := protocol.NetfloatToFloat([4]byte(body[8:12]))
		y := protocol.NetfloatToFloat([4]byte(body[12:16]))
		pressure := protocol.NetfloatToFloat([4]byte(body[16:20]))
		h.backend.Touch(eventType, pointerID, x, y, pressure)
	case MagicPen:
		if len(body) < 20 {
			return ErrShortPacket
		}
		eventType := body[0]
		toolType := body[1]
		buttons := body[2]
		x := protocol.NetfloatToFloat([4]byte(body[4:8]))
		y := protocol.NetfloatToFloat([4]byte(body[8:12]))
		pressure := protocol.NetfloatToFloat([4]byte(body[12:16]))
		rotation := binary.LittleEndian.Uint16(body[16:18])
		tilt := body[18]
		h.backend.Pen(eventType, toolType, buttons, x, y, pressure, rotation, tilt)
	case MagicUTF8Text:
		h.backend.UTF8Text(string(body))
	default:
		h.log.WithField("magic", magic).Debug("ignoring unknown input packet")
		return ErrUnknownMagic
	}
	return nil
}

// permitted maps an input magic to the permission bit gating it.
func permitted(permissions uint32, magic uint32) bool {
	switch magic {
	case MagicKeyDown, MagicKeyUp, MagicUTF8Text:
		return permissions&protocol.PermInputKeyboard != 0
	case MagicMouseMoveRel, MagicMouseMoveAbs, MagicMouseDown, MagicMouseUp, MagicScroll, MagicHScroll:
		return permissions&protocol.PermInputMouse != 0
	case MagicMultiGamepad:
		return permissions&protocol.PermInputController != 0
	case MagicTouch:
		return permissions&protocol.PermInputTouch != 0
	case MagicPen:
		return permissions&protocol.PermInputPen != 0
	default:
		return true
	}
}

// FeedbackKind discriminates feedback messages from the input backend.
type FeedbackKind int

// Feedback kinds.
const (
	FeedbackRumble FeedbackKind = iota
	FeedbackRumbleTriggers
	FeedbackSetLED
	FeedbackSetMotionEvent
)

// Feedback is one message travelling from the input backend to the
// client over the control channel.
type Feedback struct {
	Kind       FeedbackKind
	Controller uint16

	// Rumble
	LowFreq  uint16
	HighFreq uint16

	// Trigger rumble
	LeftTrigger  uint16
	RightTrigger uint16

	// LED
	R, G, B uint8

	// Motion
	MotionType   uint8
	ReportRateHz uint16
}

// Encode frames the feedback for the control channel and returns the
// message type plus payload.
func (f Feedback) Encode() (uint16, []byte) {
	switch f.Kind {
	case FeedbackRumbleTriggers:
		b := make([]byte, 6)
		binary.LittleEndian.PutUint16(b[0:2], f.Controller)
		binary.LittleEndian.PutUint16(b[2:4], f.LeftTrigger)
		binary.LittleEndian.PutUint16(b[4:6], f.RightTrigger)
		return protocol.TypeRumbleTriggers, b
	case FeedbackSetLED:
		b := make([]byte, 5)
		binary.LittleEndian.PutUint16(b[0:2], f.Controller)
		b[2], b[3], b[4] = f.R, f.G, f.B
		return protocol.TypeSetRGBLED, b
	case FeedbackSetMotionEvent:
		b := make([]byte, 5)
		binary.LittleEndian.PutUint16(b[0:2], f.Controller)
		b[2] = f.MotionType
		binary.LittleEndian.PutUint16(b[3:5], f.ReportRateHz)
		return protocol.TypeSetMotionEvent, b
	default:
		b := make([]byte, 10)
		binary.LittleEndian.PutUint16(b[4:6], f.Controller)
		binary.LittleEndian.PutUint16(b[6:8], f.LowFreq)
		binary.LittleEndian.PutUint16(b[8:10], f.HighFreq)
		return protocol.TypeRumble, b
	}
}
