package bitstream

// MakeSPSReplacements inspects the access unit's SPS and, when its VUI is
// absent or does not carry the wanted colour description, returns the
// in-place replacement the sender must apply. A bitstream whose SPS
// already matches yields no replacements.
func MakeSPSReplacements(au []byte, codec Codec, vui VUIParams) ([]Replacement, error) {
	nal, err := findSPS(au, codec)
	if err != nil {
		return nil, err
	}

	switch codec {
	case CodecHEVC:
		sps, err := ParseHEVCSPS(nal.Raw)
		if err != nil {
			return nil, err
		}
		if sps.VUIPresent && sps.VUI.matches(vui) {
			return nil, nil
		}
		return []Replacement{{Old: nal.Raw, New: rewriteHEVCSPS(nal.Raw, sps, vui)}}, nil
	default:
		sps, err := ParseH264SPS(nal.Raw)
		if err != nil {
			return nil, err
		}
		if sps.VUIPresent && sps.VUI.matches(vui) {
			return nil, nil
		}
		return []Replacement{{Old: nal.Raw, New: rewriteH264SPS(nal.Raw, sps, vui)}}, nil
	}
}

// ValidateSPS reports whether the access unit carries an SPS that parses
// and contains a VUI. Probing uses this to detect backends that omit VUI
// emission.
func ValidateSPS(au []byte, codec Codec) bool {
	nal, err := findSPS(au, codec)
	if err != nil {
		return false
	}
	switch codec {
	case CodecHEVC:
		sps, err := ParseHEVCSPS(nal.Raw)
		return err == nil && sps.VUIPresent
	default:
		sps, err := ParseH264SPS(nal.Raw)
		return err == nil && sps.VUIPresent
	}
}

func findSPS(au []byte, codec Codec) (NALUnit, error) {
	want := spsNALType(codec)
	for _, nal := range SplitNALUnits(au, codec) {
		if nal.Type == want {
			return nal, nil
		}
	}
	return NALUnit{}, ErrNoSPS
}

// SPSParams drives the SPS builders. The software encoder and the tests
// use these to emit structurally valid parameter sets.
type SPSParams struct {
	Width  int
	Height int
	VUI    *VUIParams // nil omits the VUI
}

// BuildH264SPS serializes a baseline H.264 SPS NAL unit (header byte
// included, no start code) for the given geometry.
func BuildH264SPS(p SPSParams) []byte {
	var w Writer
	w.WriteBits(66, 8) // profile_idc: baseline
	w.WriteBits(0, 8)  // constraint flags
	w.WriteBits(31, 8) // level_idc
	w.WriteUE(0)       // seq_parameter_set_id
	w.WriteUE(0)       // log2_max_frame_num_minus4
	w.WriteUE(0)       // pic_order_cnt_type
	w.WriteUE(0)       // log2_max_pic_order_cnt_lsb_minus4
	w.WriteUE(1)       // max_num_ref_frames
	w.WriteFlag(false) // gaps_in_frame_num_value_allowed_flag

	mbW := (p.Width + 15) / 16
	mbH := (p.Height + 15) / 16
	w.WriteUE(uint(mbW - 1)) // pic_width_in_mbs_minus1
	w.WriteUE(uint(mbH - 1)) // pic_height_in_map_units_minus1
	w.WriteFlag(true)        // frame_mbs_only_flag
	w.WriteFlag(true)        // direct_8x8_inference_flag

	cropR := mbW*16 - p.Width
	cropB := mbH*16 - p.Height
	if cropR > 0 || cropB > 0 {
		w.WriteFlag(true)
		w.WriteUE(0)
		w.WriteUE(uint(cropR / 2))
		w.WriteUE(0)
		w.WriteUE(uint(cropB / 2))
	} else {
		w.WriteFlag(false)
	}

	if p.VUI != nil {
		w.WriteFlag(true)
		writeVUIH264(&w, *p.VUI)
	} else {
		w.WriteFlag(false)
	}
	w.WriteTrailingBits()

	out := []byte{0x67} // nal_ref_idc=3, type=SPS
	return append(out, InsertEmulation(w.Bytes())...)
}

// BuildHEVCSPS serializes a Main-profile HEVC SPS NAL unit (2-byte header
// included, no start code) for the given geometry.
func BuildHEVCSPS(p SPSParams) []byte {
	var w Writer
	w.WriteBits(0, 4) // sps_video_parameter_set_id
	w.WriteBits(0, 3) // sps_max_sub_layers_minus1
	w.WriteFlag(true) // sps_temporal_id_nesting_flag

	// profile_tier_level: Main profile, main tier, level 4.1
	w.WriteBits(0, 2)           // general_profile_space
	w.WriteFlag(false)          // general_tier_flag
	w.WriteBits(1, 5)           // general_profile_idc: Main
	w.WriteBits(0x60000000, 32) // general_profile_compatibility_flags
	w.WriteFlag(true)           // general_progressive_source_flag
	w.WriteFlag(false)          // general_interlaced_source_flag
	w.WriteFlag(false)          // general_non_packed_constraint_flag
	w.WriteFlag(true)           // general_frame_only_constraint_flag
	w.WriteBits(0, 22)          // reserved
	w.WriteBits(0, 22)          // reserved (44 bits total)
	w.WriteBits(123, 8)         // general_level_idc

	w.WriteUE(0) // sps_seq_parameter_set_id
	w.WriteUE(1) // chroma_format_idc: 4:2:0
	w.WriteUE(uint(p.Width))
	w.WriteUE(uint(p.Height))
	w.WriteFlag(false) // conformance_window_flag
	w.WriteUE(0)       // bit_depth_luma_minus8
	w.WriteUE(0)       // bit_depth_chroma_minus8
	w.WriteUE(4)       // log2_max_pic_order_cnt_lsb_minus4
	w.WriteFlag(false) // sps_sub_layer_ordering_info_present_flag
	w.WriteUE(1)       // sps_max_dec_pic_buffering_minus1
	w.WriteUE(0)       // sps_max_num_reorder_pics
	w.WriteUE(0)       // sps_max_latency_increase_plus1
	w.WriteUE(0)       // log2_min_luma_coding_block_size_minus3
	w.WriteUE(3)       // log2_diff_max_min_luma_coding_block_size
	w.WriteUE(0)       // log2_min_luma_transform_block_size_minus2
	w.WriteUE(3)       // log2_diff_max_min_luma_transform_block_size
	w.WriteUE(0)       // max_transform_hierarchy_depth_inter
	w.WriteUE(0)       // max_transform_hierarchy_depth_intra
	w.WriteFlag(false) // scaling_list_enabled_flag
	w.WriteFlag(false) // amp_enabled_flag
	w.WriteFlag(true)  // sample_adaptive_offset_enabled_flag
	w.WriteFlag(false) // pcm_enabled_flag
	w.WriteUE(0)       // num_short_term_ref_pic_sets
	w.WriteFlag(false) // long_term_ref_pics_present_flag
	w.WriteFlag(true)  // sps_temporal_mvp_enabled_flag
	w.WriteFlag(true)  // strong_intra_smoothing_enabled_flag

	if p.VUI != nil {
		w.WriteFlag(true)
		writeVUIHEVC(&w, *p.VUI)
	} else {
		w.WriteFlag(false)
	}
	w.WriteFlag(false) // sps_extension_present_flag
	w.WriteTrailingBits()

	out := []byte{HEVCNALSPS << 1, 0x01} // nuh_layer_id=0, nuh_temporal_id_plus1=1
	return append(out, InsertEmulation(w.Bytes())...)
}
