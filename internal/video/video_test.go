package video

import "testing"

func TestFPSMillifps(t *testing.T) {
	t.Parallel()
	cases := []struct {
		framerate int
		want      float64
	}{
		{60, 60},
		{1000, 1000},  // boundary: still fps
		{1001, 1.001}, // boundary: millifps
		{59940, 59.94},
	}
	for _, tc := range cases {
		cfg := Config{Framerate: tc.framerate}
		if got := cfg.FPS(); got != tc.want {
			t.Errorf("FPS(%d): got %v, want %v", tc.framerate, got, tc.want)
		}
	}
}

func TestColorspaceFromConfig(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name       string
		cfg        Config
		hdrDisplay bool
		want       SunshineColorspace
	}{
		{
			name: "sdr 601 limited",
			cfg:  Config{EncoderCscMode: 0},
			want: SunshineColorspace{Colorspace: ColorspaceRec601, BitDepth: 8},
		},
		{
			name: "sdr 709 full",
			cfg:  Config{EncoderCscMode: 0x3},
			want: SunshineColorspace{Colorspace: ColorspaceRec709, FullRange: true, BitDepth: 8},
		},
		{
			name:       "hdr display",
			cfg:        Config{DynamicRange: 1, EncoderCscMode: 0x4},
			hdrDisplay: true,
			want:       SunshineColorspace{Colorspace: ColorspaceBT2020, BitDepth: 10},
		},
		{
			name: "10-bit sdr display",
			cfg:  Config{DynamicRange: 1, EncoderCscMode: 0x4},
			want: SunshineColorspace{Colorspace: ColorspaceBT2020SDR, BitDepth: 10},
		},
	}
	for _, tc := range cases {
		if got := ColorspaceFromConfig(tc.cfg, tc.hdrDisplay); got != tc.want {
			t.Errorf("%s: got %+v, want %+v", tc.name, got, tc.want)
		}
	}
}

func TestDescriptionForHDRUsesPQ(t *testing.T) {
	t.Parallel()
	d := DescriptionFor(SunshineColorspace{Colorspace: ColorspaceBT2020, BitDepth: 10})
	if d.Primaries != 9 || d.Transfer != 16 || d.Matrix != 9 {
		t.Fatalf("got %+v", d)
	}
}

func TestVUIForTiming(t *testing.T) {
	t.Parallel()
	vui := VUIFor(Config{Framerate: 60, EncoderCscMode: 0x2}, ColorspaceFromConfig(Config{Framerate: 60, EncoderCscMode: 0x2}, false))
	if vui.TimeScale != 120 || vui.NumUnitsInTick != 1 {
		t.Fatalf("timing: %d/%d", vui.TimeScale, vui.NumUnitsInTick)
	}
	if vui.ColourPrimaries != 1 {
		t.Fatalf("primaries: %d", vui.ColourPrimaries)
	}
}
