package media

import "testing"

func TestScaleDimensions(t *testing.T) {
	cases := []struct {
		name                   string
		srcW, srcH, preW, preH int
		wantW, wantH           int
	}{
		{"matching aspect 1080p", 1920, 1080, 1920, 1080, 1920, 1080},
		{"matching aspect downscale", 1920, 1080, 1280, 720, 1280, 720},
		{"matching aspect 360p", 1920, 1080, 640, 360, 640, 360},
		{"wider than preset", 2560, 1080, 1280, 720, 1280, 540},
		{"ultrawide odd height floored", 2000, 817, 640, 360, 640, 260},
		{"taller than preset", 1080, 1920, 1280, 720, 404, 720},
		{"square source", 1000, 1000, 1280, 720, 720, 720},
		{"tiny source upscaled", 320, 240, 640, 360, 480, 360},
		{"unknown source falls back to preset", 0, 0, 1280, 720, 1280, 720},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gotW, gotH := ScaleDimensions(tc.srcW, tc.srcH, tc.preW, tc.preH)
			if gotW != tc.wantW || gotH != tc.wantH {
				t.Fatalf("ScaleDimensions(%d,%d,%d,%d) = %dx%d, want %dx%d",
					tc.srcW, tc.srcH, tc.preW, tc.preH, gotW, gotH, tc.wantW, tc.wantH)
			}
		})
	}
}

func TestScaleDimensionsAlwaysEven(t *testing.T) {
	presets := DefaultLadder()
	sources := []struct{ w, h int }{
		{1920, 1080}, {1280, 720}, {640, 480}, {853, 480}, {1080, 1920},
		{3840, 1600}, {700, 700}, {1366, 768}, {999, 777}, {4096, 2160},
	}
	for _, preset := range presets {
		for _, src := range sources {
			w, h := ScaleDimensions(src.w, src.h, preset.Width, preset.Height)
			if w%2 != 0 || h%2 != 0 {
				t.Errorf("ScaleDimensions(%d,%d,%d,%d) = %dx%d, dimensions must be even",
					src.w, src.h, preset.Width, preset.Height, w, h)
			}
			if w > preset.Width || h > preset.Height {
				t.Errorf("ScaleDimensions(%d,%d,%d,%d) = %dx%d exceeds preset box",
					src.w, src.h, preset.Width, preset.Height, w, h)
			}
		}
	}
}

func TestKeyframeInterval(t *testing.T) {
	cases := []struct {
		fps     float64
		segment int
		want    int
	}{
		{30, 4, 120},
		{29.97, 4, 120},
		{25, 4, 100},
		{23.976, 4, 96},
		{0, 4, 1},
	}
	for _, tc := range cases {
		if got := KeyframeInterval(tc.fps, tc.segment); got != tc.want {
			t.Errorf("KeyframeInterval(%v, %d) = %d, want %d", tc.fps, tc.segment, got, tc.want)
		}
	}
}
