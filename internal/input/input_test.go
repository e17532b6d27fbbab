package input

import (
	"encoding/binary"
	"testing"

	"github.com/lumenhost/lumen/internal/crypto"
	"github.com/lumenhost/lumen/internal/protocol"
)

// recorder captures backend calls.
type recorder struct {
	keys     []uint16
	mouseRel [][2]int16
	buttons  []uint8
	gamepads []uint32
	touches  []uint32
	texts    []string
}

func (r *recorder) Keyboard(keyCode uint16, down bool, modifiers uint8) {
	r.keys = append(r.keys, keyCode)
}
func (r *recorder) MouseMoveRel(dx, dy int16)               { r.mouseRel = append(r.mouseRel, [2]int16{dx, dy}) }
func (r *recorder) MouseMoveAbs(x, y, width, height uint16) {}
func (r *recorder) MouseButton(button uint8, down bool) {
	r.buttons = append(r.buttons, button)
}
func (r *recorder) Scroll(amount int16)  {}
func (r *recorder) HScroll(amount int16) {}
func (r *recorder) Gamepad(slot int, buttonFlags uint32, lt, rt uint8, lsX, lsY, rsX, rsY int16) {
	r.gamepads = append(r.gamepads, buttonFlags)
}
func (r *recorder) Touch(eventType uint8, pointerID uint32, x, y, pressure float32) {
	r.touches = append(r.touches, pointerID)
}
func (r *recorder) Pen(eventType, toolType, buttons uint8, x, y, pressure float32, rotation uint16, tilt uint8) {
}
func (r *recorder) UTF8Text(text string) { r.texts = append(r.texts, text) }

func packet(magic uint32, body []byte) []byte {
	data := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(data[0:4], uint32(4+len(body)))
	binary.LittleEndian.PutUint32(data[4:8], magic)
	copy(data[8:], body)
	return data
}

func allPerms() Context {
	return Context{Permissions: protocol.PermAllInputs}
}

func TestKeyboardDispatch(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	h := NewHandler(rec)

	body := []byte{0, 0x41, 0x00, 0x02} // flags, keycode LE, modifiers
	if err := h.Handle(allPerms(), packet(MagicKeyDown, body)); err != nil {
		t.Fatal(err)
	}
	if len(rec.keys) != 1 || rec.keys[0] != 0x41 {
		t.Fatalf("keys: %v", rec.keys)
	}
}

func TestMouseRelDispatch(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	h := NewHandler(rec)

	body := make([]byte, 4)
	dx := int16(-5)
	binary.BigEndian.PutUint16(body[0:2], uint16(dx))
	binary.BigEndian.PutUint16(body[2:4], 12)
	if err := h.Handle(allPerms(), packet(MagicMouseMoveRel, body)); err != nil {
		t.Fatal(err)
	}
	if len(rec.mouseRel) != 1 || rec.mouseRel[0] != [2]int16{-5, 12} {
		t.Fatalf("mouse: %v", rec.mouseRel)
	}
}

func TestGamepadDispatch(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	h := NewHandler(rec)

	body := make([]byte, 20)
	binary.LittleEndian.PutUint16(body[2:4], 1)       // controller number
	binary.LittleEndian.PutUint16(body[8:10], 0x1000) // A button
	if err := h.Handle(allPerms(), packet(MagicMultiGamepad, body)); err != nil {
		t.Fatal(err)
	}
	if len(rec.gamepads) != 1 || rec.gamepads[0] != 0x1000 {
		t.Fatalf("gamepads: %v", rec.gamepads)
	}
}

func TestPermissionDenialIsSilent(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	h := NewHandler(rec)

	ctx := Context{Permissions: protocol.PermInputMouse} // no keyboard bit
	body := []byte{0, 0x41, 0x00, 0x00}

	// Denied input drops silently: no error, no backend call.
	if err := h.Handle(ctx, packet(MagicKeyDown, body)); err != nil {
		t.Fatalf("denial must be silent, got %v", err)
	}
	if len(rec.keys) != 0 {
		t.Fatal("denied input reached the backend")
	}
}

func TestLegacyEncryptedInput(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	h := NewHandler(rec)

	key := []byte("0123456789abcdef")
	iv := make([]byte, 16)
	cbc, err := crypto.NewCBC(key)
	if err != nil {
		t.Fatal(err)
	}

	plain := packet(MagicKeyUp, []byte{0, 0x42, 0x00, 0x00})
	encrypted, err := cbc.EncryptPadToBlock(plain, iv)
	if err != nil {
		t.Fatal(err)
	}

	wire := make([]byte, 4+len(encrypted))
	binary.BigEndian.PutUint32(wire[0:4], uint32(len(plain)))
	copy(wire[4:], encrypted)

	ctx := Context{
		Permissions:  protocol.PermAllInputs,
		LegacyCipher: cbc,
		LegacyIV:     iv,
	}
	if err := h.Handle(ctx, wire); err != nil {
		t.Fatal(err)
	}
	if len(rec.keys) != 1 || rec.keys[0] != 0x42 {
		t.Fatalf("keys: %v", rec.keys)
	}
}

func TestUnknownMagic(t *testing.T) {
	t.Parallel()
	h := NewHandler(&recorder{})
	if err := h.Handle(allPerms(), packet(0xEE, []byte{1, 2, 3, 4})); err != ErrUnknownMagic {
		t.Fatalf("got %v, want ErrUnknownMagic", err)
	}
}

func TestShortPacket(t *testing.T) {
	t.Parallel()
	h := NewHandler(&recorder{})
	if err := h.Handle(allPerms(), []byte{1, 2}); err != ErrShortPacket {
		t.Fatalf("got %v, want ErrShortPacket", err)
	}
}

func TestFeedbackEncode(t *testing.T) {
	t.Parallel()
	msgType, payload := Feedback{
		Kind:       FeedbackRumble,
		Controller: 1,
		LowFreq:    0x1234,
		HighFreq:   0x5678,
	}.Encode()
	if msgType != protocol.TypeRumble {
		t.Fatalf("type: %#x", msgType)
	}
	if binary.LittleEndian.Uint16(payload[6:8]) != 0x1234 {
		t.Fatal("low frequency misplaced")
	}

	msgType, payload = Feedback{
		Kind:       FeedbackSetLED,
		Controller: 2,
		R:          10, G: 20, B: 30,
	}.Encode()
	if msgType != protocol.TypeSetRGBLED || payload[2] != 10 || payload[4] != 30 {
		t.Fatalf("LED feedback: %#x %v", msgType, payload)
	}
}
