package bitstream

// Codec selects the NAL syntax.
type Codec int

// Codecs handled by the post-processor. AV1 carries its colour config in
// the sequence header OBU and never needs this pass.
const (
	CodecH264 Codec = 0
	CodecHEVC Codec = 1
)

// H.264 NAL unit types (ITU-T H.264 Table 7-1).
const (
	H264NALSlice = 1
	H264NALIDR   = 5
	H264NALSEI   = 6
	H264NALSPS   = 7
	H264NALPPS   = 8
	H264NALAUD   = 9
)

// HEVC NAL unit types (ITU-T H.265 Table 7-1).
const (
	HEVCNALVPS = 32
	HEVCNALSPS = 33
	HEVCNALPPS = 34
)

// NALUnit is one NAL located inside an Annex-B access unit. Raw holds the
// complete unit including its header byte(s) but excluding the start code.
type NALUnit struct {
	Type         int
	Raw          []byte
	StartCodeLen int
	Offset       int // byte offset of the start code within the AU
}

// SplitNALUnits scans an Annex-B access unit and returns its NAL units in
// order.
func SplitNALUnits(au []byte, codec Codec) []NALUnit {
	var units []NALUnit

	i := 0
	for i+3 <= len(au) {
		scLen := 0
		if au[i] == 0 && au[i+1] == 0 {
			if au[i+2] == 1 {
				scLen = 3
			} else if i+4 <= len(au) && au[i+2] == 0 && au[i+3] == 1 {
				scLen = 4
			}
		}
		if scLen == 0 {
			i++
			continue
		}

		start := i + scLen
		end := len(au)
		for j := start; j+3 <= len(au); j++ {
			if au[j] == 0 && au[j+1] == 0 && (au[j+2] == 1 || (j+4 <= len(au) && au[j+2] == 0 && au[j+3] == 1)) {
				end = j
				break
			}
		}
		if start >= end {
			break
		}

		raw := au[start:end]
		units = append(units, NALUnit{
			Type:         nalType(raw, codec),
			Raw:          raw,
			StartCodeLen: scLen,
			Offset:       i,
		})
		i = end
	}
	return units
}

func nalType(raw []byte, codec Codec) int {
	if len(raw) == 0 {
		return -1
	}
	if codec == CodecHEVC {
		return int(raw[0]>>1) & 0x3F
	}
	return int(raw[0]) & 0x1F
}

// headerLen returns the NAL header size for the codec.
func headerLen(codec Codec) int {
	if codec == CodecHEVC {
		return 2
	}
	return 1
}

// spsNALType returns the SPS NAL type for the codec.
func spsNALType(codec Codec) int {
	if codec == CodecHEVC {
		return HEVCNALSPS
	}
	return H264NALSPS
}

// StripEmulation converts EBSP to RBSP by removing emulation-prevention
// bytes (00 00 03 -> 00 00).
func StripEmulation(ebsp []byte) []byte {
	rbsp := make([]byte, 0, len(ebsp))
	zeros := 0
	for i := 0; i < len(ebsp); i++ {
		if zeros >= 2 && ebsp[i] == 0x03 && i+1 < len(ebsp) && ebsp[i+1] <= 0x03 {
			zeros = 0
			continue
		}
		if ebsp[i] == 0 {
			zeros++
		} else {
			zeros = 0
		}
		rbsp = append(rbsp, ebsp[i])
	}
	return rbsp
}

// InsertEmulation converts RBSP to EBSP by inserting emulation-prevention
// bytes wherever two zero bytes precede a byte <= 0x03.
func InsertEmulation(rbsp []byte) []byte {
	ebsp := make([]byte, 0, len(rbsp)+len(rbsp)/16)
	zeros := 0
	for _, b := range rbsp {
		if zeros >= 2 && b <= 0x03 {
			ebsp = append(ebsp, 0x03)
			zeros = 0
		}
		if b == 0 {
			zeros++
		} else {
			zeros = 0
		}
		ebsp = append(ebsp, b)
	}
	return ebsp
}

// Replacement is one in-place byte-sequence substitution the sender
// applies to the encoded bitstream before transmission.
type Replacement struct {
	Old []byte
	New []byte
}

// Apply performs the replacements in order, substituting the first
// occurrence of each Old sequence. The input is not modified.
func Apply(data []byte, reps []Replacement) []byte {
	out := append([]byte(nil), data...)
	for _, rep := range reps {
		idx := indexOf(out, rep.Old)
		if idx < 0 {
			continue
		}
		next := make([]byte, 0, len(out)-len(rep.Old)+len(rep.New))
		next = append(next, out[:idx]...)
		next = append(next, rep.New...)
		next = append(next, out[idx+len(rep.Old):]...)
		out = next
	}
	return out
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(needle) > len(haystack) {
		return -1
	}
outer:
	for i := 0; i+len(needle) <= len(haystack); i++ {
		for j := range needle {
			if haystack[i+j] != needle[j] {
				continue outer
			}
		}
		return i
	}
	return -1
}
