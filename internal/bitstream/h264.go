package bitstream

// VUIParams is the video-usability-information the host wants the SPS to
// carry: colour description and frame timing derived from the negotiated
// session config.
type VUIParams struct {
	VideoFullRange  bool
	ColourPrimaries uint8
	Transfer        uint8
	Matrix          uint8
	NumUnitsInTick  uint32
	TimeScale       uint32
}

// H264SPS holds the parsed fields needed by the post-processor. The
// prefix of the RBSP up to the vui_parameters_present_flag bit is kept
// verbatim so a rewrite never has to re-serialize the whole SPS.
type H264SPS struct {
	ProfileIDC      uint8
	ConstraintFlags uint8
	LevelIDC        uint8
	ChromaFormatIDC uint

	VUIPresent bool
	VUI        parsedVUI

	rbsp       []byte
	vuiFlagBit int // bit offset of vui_parameters_present_flag in rbsp
}

type parsedVUI struct {
	VideoSignalTypePresent bool
	VideoFullRange         bool
	ColourDescPresent      bool
	ColourPrimaries        uint8
	Transfer               uint8
	Matrix                 uint8
	TimingPresent          bool
	NumUnitsInTick         uint32
	TimeScale              uint32
}

// matches reports whether the parsed VUI already carries the wanted
// colour description, making a rewrite unnecessary.
func (v parsedVUI) matches(want VUIParams) bool {
	return v.VideoSignalTypePresent &&
		v.ColourDescPresent &&
		v.VideoFullRange == want.VideoFullRange &&
		v.ColourPrimaries == want.ColourPrimaries &&
		v.Transfer == want.Transfer &&
		v.Matrix == want.Matrix
}

var highProfileIDCs = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true, 135: true,
}

// ParseH264SPS parses an SPS NAL unit (header byte included, Annex-B
// start code excluded).
func ParseH264SPS(nal []byte) (*H264SPS, error) {
	if len(nal) < 4 {
		return nil, ErrTooShort
	}
	if int(nal[0])&0x1F != H264NALSPS {
		return nil, ErrInvalidSPS
	}

	rbsp := StripEmulation(nal[1:])
	r := NewReader(rbsp)
	sps := &H264SPS{rbsp: rbsp, ChromaFormatIDC: 1}

	profile, err := r.ReadBits(8)
	if err != nil {
		return nil, err
	}
	sps.ProfileIDC = uint8(profile)
	constraints, err := r.ReadBits(8)
	if err != nil {
		return nil, err
	}
	sps.ConstraintFlags = uint8(constraints)
	level, err := r.ReadBits(8)
	if err != nil {
		return nil, err
	}
	sps.LevelIDC = uint8(level)

	if _, err := r.ReadUE(); err != nil { // seq_parameter_set_id
		return nil, err
	}

	if highProfileIDCs[profile] {
		chroma, err := r.ReadUE()
		if err != nil {
			return nil, err
		}
		sps.ChromaFormatIDC = chroma
		if chroma == 3 {
			if _, err := r.ReadBit(); err != nil { // separate_colour_plane_flag
				return nil, err
			}
		}
		if _, err := r.ReadUE(); err != nil { // bit_depth_luma_minus8
			return nil, err
		}
		if _, err := r.ReadUE(); err != nil { // bit_depth_chroma_minus8
			return nil, err
		}
		if _, err := r.ReadBit(); err != nil { // qpprime_y_zero_transform_bypass_flag
			return nil, err
		}
		scalingPresent, err := r.ReadFlag()
		if err != nil {
			return nil, err
		}
		if scalingPresent {
			count := 8
			if chroma == 3 {
				count = 12
			}
			for i := 0; i < count; i++ {
				listPresent, err := r.ReadFlag()
				if err != nil {
					return nil, err
				}
				if listPresent {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := skipH264ScalingList(r, size); err != nil {
						return nil, err
					}
				}
			}
		}
	}

	if _, err := r.ReadUE(); err != nil { // log2_max_frame_num_minus4
		return nil, err
	}
	pocType, err := r.ReadUE()
	if err != nil {
		return nil, err
	}
	switch pocType {
	case 0:
		if _, err := r.ReadUE(); err != nil { // log2_max_pic_order_cnt_lsb_minus4
			return nil, err
		}
	case 1:
		if _, err := r.ReadBit(); err != nil { // delta_pic_order_always_zero_flag
			return nil, err
		}
		if _, err := r.ReadSE(); err != nil { // offset_for_non_ref_pic
			return nil, err
		}
		if _, err := r.ReadSE(); err != nil { // offset_for_top_to_bottom_field
			return nil, err
		}
		cycle, err := r.ReadUE()
		if err != nil {
			return nil, err
		}
		for i := uint(0); i < cycle; i++ {
			if _, err := r.ReadSE(); err != nil {
				return nil, err
			}
		}
	}

	if _, err := r.ReadUE(); err != nil { // max_num_ref_frames
		return nil, err
	}
	if _, err := r.ReadBit(); err != nil { // gaps_in_frame_num_value_allowed_flag
		return nil, err
	}
	if _, err := r.ReadUE(); err != nil { // pic_width_in_mbs_minus1
		return nil, err
	}
	if _, err := r.ReadUE(); err != nil { // pic_height_in_map_units_minus1
		return nil, err
	}
	frameMbsOnly, err := r.ReadFlag()
	if err != nil {
		return nil, err
	}
	if !frameMbsOnly {
		if _, err := r.ReadBit(); err != nil { // mb_adaptive_frame_field_flag
			return nil, err
		}
	}
	if _, err := r.ReadBit(); err != nil { // direct_8x8_inference_flag
		return nil, err
	}
	cropping, err := r.ReadFlag()
	if err != nil {
		return nil, err
	}
	if cropping {
		for i := 0; i < 4; i++ {
			if _, err := r.ReadUE(); err != nil {
				return nil, err
			}
		}
	}

	sps.vuiFlagBit = r.Offset()
	vuiPresent, err := r.ReadFlag()
	if err != nil {
		return nil, err
	}
	sps.VUIPresent = vuiPresent
	if vuiPresent {
		vui, err := parseVUICommon(r, false)
		if err != nil {
			return nil, err
		}
		sps.VUI = vui
	}

	return sps, nil
}

func skipH264ScalingList(r *Reader, size int) error {
	lastScale, nextScale := 8, 8
	for i := 0; i < size; i++ {
		if nextScale != 0 {
			delta, err := r.ReadSE()
			if err != nil {
				return err
			}
			nextScale = (lastScale + delta + 256) % 256
		}
		if nextScale != 0 {
			lastScale = nextScale
		}
	}
	return nil
}

// parseVUICommon reads the shared front of the H.264/HEVC VUI syntax,
// through the timing fields. HRD parameters past that point are not
// needed for either validation or the idempotence check.
func parseVUICommon(r *Reader, hevc bool) (parsedVUI, error) {
	var vui parsedVUI

	aspectPresent, err := r.ReadFlag()
	if err != nil {
		return vui, err
	}
	if aspectPresent {
		idc, err := r.ReadBits(8)
		if err != nil {
			return vui, err
		}
		if idc == 255 { // Extended_SAR
			if _, err := r.ReadBits(32); err != nil {
				return vui, err
			}
		}
	}

	overscanPresent, err := r.ReadFlag()
	if err != nil {
		return vui, err
	}
	if overscanPresent {
		if _, err := r.ReadBit(); err != nil {
			return vui, err
		}
	}

	signalPresent, err := r.ReadFlag()
	if err != nil {
		return vui, err
	}
	vui.VideoSignalTypePresent = signalPresent
	if signalPresent {
		if _, err := r.ReadBits(3); err != nil { // video_format
			return vui, err
		}
		fullRange, err := r.ReadFlag()
		if err != nil {
			return vui, err
		}
		vui.VideoFullRange = fullRange

		descPresent, err := r.ReadFlag()
		if err != nil {
			return vui, err
		}
		vui.ColourDescPresent = descPresent
		if descPresent {
			prim, err := r.ReadBits(8)
			if err != nil {
				return vui, err
			}
			trans, err := r.ReadBits(8)
			if err != nil {
				return vui, err
			}
			matrix, err := r.ReadBits(8)
			if err != nil {
				return vui, err
			}
			vui.ColourPrimaries = uint8(prim)
			vui.Transfer = uint8(trans)
			vui.Matrix = uint8(matrix)
		}
	}

	chromaLocPresent, err := r.ReadFlag()
	if err != nil {
		return vui, err
	}
	if chromaLocPresent {
		// chroma_sample_loc_type top and bottom field, both syntaxes
		for i := 0; i < 2; i++ {
			if _, err := r.ReadUE(); err != nil {
				return vui, err
			}
		}
	}

	if hevc {
		// neutral_chroma, field_seq, frame_field_info
		for i := 0; i < 3; i++ {
			if _, err := r.ReadBit(); err != nil {
				return vui, err
			}
		}
		defaultWindow, err := r.ReadFlag()
		if err != nil {
			return vui, err
		}
		if defaultWindow {
			for i := 0; i < 4; i++ {
				if _, err := r.ReadUE(); err != nil {
					return vui, err
				}
			}
		}
	}

	timingPresent, err := r.ReadFlag()
	if err != nil {
		return vui, err
	}
	vui.TimingPresent = timingPresent
	if timingPresent {
		units, err := r.ReadBits(32)
		if err != nil {
			return vui, err
		}
		scale, err := r.ReadBits(32)
		if err != nil {
			return vui, err
		}
		vui.NumUnitsInTick = uint32(units)
		vui.TimeScale = uint32(scale)
	}

	return vui, nil
}

// writeVUIH264 serializes a minimal conformant H.264 VUI with the wanted
// colour description and timing.
func writeVUIH264(w *Writer, vui VUIParams) {
	w.WriteFlag(false) // aspect_ratio_info_present_flag
	w.WriteFlag(false) // overscan_info_present_flag

	w.WriteFlag(true) // video_signal_type_present_flag
	w.WriteBits(5, 3) // video_format: unspecified
	w.WriteFlag(vui.VideoFullRange)
	w.WriteFlag(true) // colour_description_present_flag
	w.WriteBits(uint(vui.ColourPrimaries), 8)
	w.WriteBits(uint(vui.Transfer), 8)
	w.WriteBits(uint(vui.Matrix), 8)

	w.WriteFlag(false) // chroma_loc_info_present_flag

	w.WriteFlag(true) // timing_info_present_flag
	w.WriteBits(uint(vui.NumUnitsInTick), 32)
	w.WriteBits(uint(vui.TimeScale), 32)
	w.WriteFlag(true) // fixed_frame_rate_flag

	w.WriteFlag(false) // nal_hrd_parameters_present_flag
	w.WriteFlag(false) // vcl_hrd_parameters_present_flag
	w.WriteFlag(false) // pic_struct_present_flag
	w.WriteFlag(false) // bitstream_restriction_flag
}

// rewriteH264SPS builds a replacement SPS NAL: the original RBSP prefix up
// to the VUI flag, followed by the wanted VUI and trailing bits.
func rewriteH264SPS(nal []byte, sps *H264SPS, vui VUIParams) []byte {
	var w Writer
	w.CopyBits(sps.rbsp, 0, sps.vuiFlagBit)
	w.WriteFlag(true) // vui_parameters_present_flag
	writeVUIH264(&w, vui)
	w.WriteTrailingBits()

	out := make([]byte, 0, len(w.Bytes())+1)
	out = append(out, nal[0]) // keep the original NAL header byte
	out = append(out, InsertEmulation(w.Bytes())...)
	return out
}
