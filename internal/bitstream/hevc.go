package bitstream

// HEVCSPS holds the parsed fields the post-processor needs, plus the
// verbatim RBSP prefix up to the vui_parameters_present_flag bit.
type HEVCSPS struct {
	MaxSubLayersMinus1 uint
	ChromaFormatIDC    uint
	Log2MaxPocLsb      uint

	VUIPresent bool
	VUI        parsedVUI

	rbsp       []byte
	vuiFlagBit int
}

// ParseHEVCSPS parses an SPS NAL unit (2-byte header included, start code
// excluded).
func ParseHEVCSPS(nal []byte) (*HEVCSPS, error) {
	if len(nal) < 5 {
		return nil, ErrTooShort
	}
	if int(nal[0]>>1)&0x3F != HEVCNALSPS {
		return nil, ErrInvalidSPS
	}

	rbsp := StripEmulation(nal[2:])
	r := NewReader(rbsp)
	sps := &HEVCSPS{rbsp: rbsp}

	if _, err := r.ReadBits(4); err != nil { // sps_video_parameter_set_id
		return nil, err
	}
	maxSubLayers, err := r.ReadBits(3)
	if err != nil {
		return nil, err
	}
	sps.MaxSubLayersMinus1 = maxSubLayers
	if _, err := r.ReadBit(); err != nil { // sps_temporal_id_nesting_flag
		return nil, err
	}

	if err := skipProfileTierLevel(r, maxSubLayers); err != nil {
		return nil, err
	}

	if _, err := r.ReadUE(); err != nil { // sps_seq_parameter_set_id
		return nil, err
	}
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
	if _, err := r.ReadUE(); err != nil { // pic_width_in_luma_samples
		return nil, err
	}
	if _, err := r.ReadUE(); err != nil { // pic_height_in_luma_samples
		return nil, err
	}
	conformance, err := r.ReadFlag()
	if err != nil {
		return nil, err
	}
	if conformance {
		for i := 0; i < 4; i++ {
			if _, err := r.ReadUE(); err != nil {
				return nil, err
			}
		}
	}
	if _, err := r.ReadUE(); err != nil { // bit_depth_luma_minus8
		return nil, err
	}
	if _, err := r.ReadUE(); err != nil { // bit_depth_chroma_minus8
		return nil, err
	}
	log2MaxPoc, err := r.ReadUE()
	if err != nil {
		return nil, err
	}
	sps.Log2MaxPocLsb = log2MaxPoc

	subLayerOrdering, err := r.ReadFlag()
	if err != nil {
		return nil, err
	}
	first := maxSubLayers
	if subLayerOrdering {
		first = 0
	}
	for i := first; i <= maxSubLayers; i++ {
		for j := 0; j < 3; j++ { // max_dec_pic_buffering, num_reorder, max_latency
			if _, err := r.ReadUE(); err != nil {
				return nil, err
			}
		}
	}

	for i := 0; i < 4; i++ { // coding block and transform block size bounds
		if _, err := r.ReadUE(); err != nil {
			return nil, err
		}
	}
	for i := 0; i < 2; i++ { // max_transform_hierarchy_depth inter/intra
		if _, err := r.ReadUE(); err != nil {
			return nil, err
		}
	}

	scalingListEnabled, err := r.ReadFlag()
	if err != nil {
		return nil, err
	}
	if scalingListEnabled {
		scalingListData, err := r.ReadFlag() // sps_scaling_list_data_present_flag
		if err != nil {
			return nil, err
		}
		if scalingListData {
			if err := skipHEVCScalingListData(r); err != nil {
				return nil, err
			}
		}
	}

	if _, err := r.ReadBit(); err != nil { // amp_enabled_flag
		return nil, err
	}
	if _, err := r.ReadBit(); err != nil { // sample_adaptive_offset_enabled_flag
		return nil, err
	}
	pcmEnabled, err := r.ReadFlag()
	if err != nil {
		return nil, err
	}
	if pcmEnabled {
		if _, err := r.ReadBits(8); err != nil { // pcm sample bit depths
			return nil, err
		}
		for i := 0; i < 2; i++ { // pcm coding block sizes
			if _, err := r.ReadUE(); err != nil {
				return nil, err
			}
		}
		if _, err := r.ReadBit(); err != nil { // pcm_loop_filter_disabled_flag
			return nil, err
		}
	}

	numShortTermSets, err := r.ReadUE()
	if err != nil {
		return nil, err
	}
	if numShortTermSets > 64 {
		return nil, ErrInvalidSPS
	}
	numDeltaPocs := make([]uint, numShortTermSets)
	for idx := uint(0); idx < numShortTermSets; idx++ {
		if err := skipShortTermRefPicSet(r, idx, numDeltaPocs); err != nil {
			return nil, err
		}
	}

	longTermPresent, err := r.ReadFlag()
	if err != nil {
		return nil, err
	}
	if longTermPresent {
		numLongTerm, err := r.ReadUE()
		if err != nil {
			return nil, err
		}
		for i := uint(0); i < numLongTerm; i++ {
			if _, err := r.ReadBits(int(log2MaxPoc) + 4); err != nil { // lt_ref_pic_poc_lsb_sps
				return nil, err
			}
			if _, err := r.ReadBit(); err != nil { // used_by_curr_pic_lt_sps_flag
				return nil, err
			}
		}
	}

	if _, err := r.ReadBit(); err != nil { // sps_temporal_mvp_enabled_flag
		return nil, err
	}
	if _, err := r.ReadBit(); err != nil { // strong_intra_smoothing_enabled_flag
		return nil, err
	}

	sps.vuiFlagBit = r.Offset()
	vuiPresent, err := r.ReadFlag()
	if err != nil {
		return nil, err
	}
	sps.VUIPresent = vuiPresent
	if vuiPresent {
		vui, err := parseVUICommon(r, true)
		if err != nil {
			return nil, err
		}
		sps.VUI = vui
	}

	return sps, nil
}

func skipProfileTierLevel(r *Reader, maxSubLayersMinus1 uint) error {
	// general_profile_space, tier, profile_idc, compat flags, constraint
	// flags and level: a fixed 96-bit block.
	if _, err := r.ReadBits(32); err != nil {
		return err
	}
	if _, err := r.ReadBits(32); err != nil {
		return err
	}
	if _, err := r.ReadBits(24); err != nil {
		return err
	}
	if _, err := r.ReadBits(8); err != nil { // general_level_idc
		return err
	}

	if maxSubLayersMinus1 == 0 {
		return nil
	}

	profilePresent := make([]bool, maxSubLayersMinus1)
	levelPresent := make([]bool, maxSubLayersMinus1)
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		p, err := r.ReadFlag()
		if err != nil {
			return err
		}
		l, err := r.ReadFlag()
		if err != nil {
			return err
		}
		profilePresent[i] = p
		levelPresent[i] = l
	}
	for i := maxSubLayersMinus1; i < 8; i++ {
		if _, err := r.ReadBits(2); err != nil { // reserved_zero_2bits
			return err
		}
	}
	for i := uint(0); i < maxSubLayersMinus1; i++ {
		if profilePresent[i] {
			if _, err := r.ReadBits(32); err != nil {
				return err
			}
			if _, err := r.ReadBits(32); err != nil {
				return err
			}
			if _, err := r.ReadBits(24); err != nil {
				return err
			}
		}
		if levelPresent[i] {
			if _, err := r.ReadBits(8); err != nil {
				return err
			}
		}
	}
	return nil
}

func skipHEVCScalingListData(r *Reader) error {
	for sizeID := 0; sizeID < 4; sizeID++ {
		step := 1
		if sizeID == 3 {
			step = 3
		}
		for matrixID := 0; matrixID < 6; matrixID += step {
			predMode, err := r.ReadFlag()
			if err != nil {
				return err
			}
			if !predMode {
				if _, err := r.ReadUE(); err != nil { // scaling_list_pred_matrix_id_delta
					return err
				}
				continue
			}
			coefNum := 64
			if sz := 1 << (4 + (sizeID << 1)); sz < 64 {
				coefNum = sz
			}
			if sizeID > 1 {
				if _, err := r.ReadSE(); err != nil { // scaling_list_dc_coef_minus8
					return err
				}
			}
			for i := 0; i < coefNum; i++ {
				if _, err := r.ReadSE(); err != nil { // scaling_list_delta_coef
					return err
				}
			}
		}
	}
	return nil
}

func skipShortTermRefPicSet(r *Reader, idx uint, numDeltaPocs []uint) error {
	interPred := false
	if idx != 0 {
		var err error
		interPred, err = r.ReadFlag()
		if err != nil {
			return err
		}
	}

	if interPred {
		// In the SPS loop delta_idx_minus1 is absent; the reference set is
		// always the previous one.
		refIdx := idx - 1
		if _, err := r.ReadBit(); err != nil { // delta_rps_sign
			return err
		}
		if _, err := r.ReadUE(); err != nil { // abs_delta_rps_minus1
			return err
		}
		count := uint(0)
		for j := uint(0); j <= numDeltaPocs[refIdx]; j++ {
			used, err := r.ReadFlag()
			if err != nil {
				return err
			}
			if used {
				count++
				continue
			}
			useDelta, err := r.ReadFlag()
			if err != nil {
				return err
			}
			if useDelta {
				count++
			}
		}
		numDeltaPocs[idx] = count
		return nil
	}

	numNegative, err := r.ReadUE()
	if err != nil {
		return err
	}
	numPositive, err := r.ReadUE()
	if err != nil {
		return err
	}
	if numNegative+numPositive > 32 {
		return ErrInvalidSPS
	}
	for i := uint(0); i < numNegative+numPositive; i++ {
		if _, err := r.ReadUE(); err != nil { // delta_poc_minus1
			return err
		}
		if _, err := r.ReadBit(); err != nil { // used_by_curr_pic_flag
			return err
		}
	}
	numDeltaPocs[idx] = numNegative + numPositive
	return nil
}

// writeVUIHEVC serializes a minimal conformant HEVC VUI with the wanted
// colour description and timing.
func writeVUIHEVC(w *Writer, vui VUIParams) {
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
	w.WriteFlag(false) // neutral_chroma_indication_flag
	w.WriteFlag(false) // field_seq_flag
	w.WriteFlag(false) // frame_field_info_present_flag
	w.WriteFlag(false) // default_display_window_flag

	w.WriteFlag(true) // vui_timing_info_present_flag
	w.WriteBits(uint(vui.NumUnitsInTick), 32)
	w.WriteBits(uint(vui.TimeScale), 32)
	w.WriteFlag(false) // vui_poc_proportional_to_timing_flag
	w.WriteFlag(false) // vui_hrd_parameters_present_flag

	w.WriteFlag(false) // bitstream_restriction_flag
}

// rewriteHEVCSPS builds a replacement SPS NAL with the wanted VUI.
func rewriteHEVCSPS(nal []byte, sps *HEVCSPS, vui VUIParams) []byte {
	var w Writer
	w.CopyBits(sps.rbsp, 0, sps.vuiFlagBit)
	w.WriteFlag(true) // vui_parameters_present_flag
	writeVUIHEVC(&w, vui)
	w.WriteFlag(false) // sps_extension_present_flag
	w.WriteTrailingBits()

	out := make([]byte, 0, len(w.Bytes())+2)
	out = append(out, nal[0], nal[1]) // keep the original NAL header
	out = append(out, InsertEmulation(w.Bytes())...)
	return out
}
