package postprocess

import (
	"math"
	"testing"
)

// TestFix2Float verifies the Q8.8 conversion.
func TestFix2Float(t *testing.T) {
	cases := []struct {
		in   int16
		want float32
	}{
		{0, 0},
		{256, 1.0},
		{128, 0.5},
		{-128, -0.5},
		{1, 1.0 / 256},
		{-32768, -128.0},
	}
	for _, tc := range cases {
		if got := Fix2Float(tc.in); got != tc.want {
			t.Errorf("Fix2Float(%d) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

// TestChReorder verifies the group-major to cell-major rearrangement:
// channel j*32+k of cell c must come from raw position cells*32*j + 32*c + k.
func TestChReorder(t *testing.T) {
	const gridNum = 2
	cells := gridNum * gridNum

	raw := make([]float32, cells*rawChannels)
	for j := 0; j < chGroups; j++ {
		for c := 0; c < cells; c++ {
			for k := 0; k < chPerGroup; k++ {
				raw[cells*chPerGroup*j+chPerGroup*c+k] = float32(c*1000 + j*100 + k)
			}
		}
	}

	reordered := chReorder(raw, gridNum)
	if len(reordered) != cells*rawChannels {
		t.Fatalf("len = %d, want %d", len(reordered), cells*rawChannels)
	}
	for c := 0; c < cells; c++ {
		for j := 0; j < chGroups; j++ {
			for k := 0; k < chPerGroup; k++ {
				want := float32(c*1000 + j*100 + k)
				got := reordered[c*rawChannels+j*chPerGroup+k]
				if got != want {
					t.Fatalf("cell %d ch %d = %v, want %v", c, j*chPerGroup+k, got, want)
				}
			}
		}
	}
}

// TestChReshape verifies the slot mapping: per anchor the box slots come
// from channels 0..4 at stride 85, slot 5 skips the duplicated objectness
// channel, and class scores come from channels 5..5+clsNum.
func TestChReshape(t *testing.T) {
	const gridNum, clsNum = 1, 3

	reordered := make([]float32, rawChannels)
	for ch := range reordered {
		reordered[ch] = float32(ch)
	}

	reshape, class := chReshape(reordered, gridNum, clsNum)
	if len(reshape) != boxChannels {
		t.Fatalf("reshape len = %d, want %d", len(reshape), boxChannels)
	}
	if len(class) != anchorBoxNum*clsNum {
		t.Fatalf("class len = %d, want %d", len(class), anchorBoxNum*clsNum)
	}

	for j := 0; j < anchorBoxNum; j++ {
		base := float32(anchorStride * j)
		for slot := 0; slot < 5; slot++ {
			if got := reshape[j*slotsPerAnchor+slot]; got != base+float32(slot) {
				t.Errorf("anchor %d slot %d = %v, want %v", j, slot, got, base+float32(slot))
			}
		}
		// Slot 5 skips one channel.
		if got := reshape[j*slotsPerAnchor+5]; got != base+6 {
			t.Errorf("anchor %d slot 5 = %v, want %v", j, got, base+6)
		}
		for k := 0; k < clsNum; k++ {
			if got := class[j*clsNum+k]; got != base+5+float32(k) {
				t.Errorf("anchor %d class %d = %v, want %v", j, k, got, base+5+float32(k))
			}
		}
	}
}

// TestApplyAnchors verifies center placement from the cell position and the
// exponential size decode.
func TestApplyAnchors(t *testing.T) {
	const gridNum = 13
	gridWidth := float32(416) / gridNum

	reshape := make([]float32, gridNum*gridNum*boxChannels)
	cell := 6*gridNum + 6 // w_cnt=6, h_cnt=6
	reshape[cell*boxChannels+0] = 0.5
	reshape[cell*boxChannels+1] = 0.5
	reshape[cell*boxChannels+2] = 0 // exp(0) = 1: raw anchor width
	reshape[cell*boxChannels+3] = 1

	applyAnchors(reshape, gridNum, anchors13)

	slot := reshape[cell*boxChannels : cell*boxChannels+4]
	if want := gridWidth * 6.5; slot[0] != want || slot[1] != want {
		t.Errorf("center = (%v, %v), want (%v, %v)", slot[0], slot[1], want, want)
	}
	if slot[2] != 81 {
		t.Errorf("w = %v, want 81", slot[2])
	}
	wantH := 82 * float32(math.Exp(1))
	if math.Abs(float64(slot[3]-wantH)) > 1e-3 {
		t.Errorf("h = %v, want %v", slot[3], wantH)
	}
}

// TestClassIDTies verifies argmax with lowest-index tie breaking.
func TestClassIDTies(t *testing.T) {
	class := []float32{
		0.1, 0.9, 0.3, // anchor 0: class 1
		0.5, 0.5, 0.2, // anchor 1: tie, lowest index wins
	}
	if got := classID(class, 0, 3); got != 1 {
		t.Errorf("classID(0) = %d, want 1", got)
	}
	if got := classID(class, 1, 3); got != 0 {
		t.Errorf("classID(1) = %d, want 0", got)
	}
}

// TestProcessSyntheticDetection plants one confident object in the raw
// 13x13 tensor and checks the full decode path finds exactly it.
func TestProcessSyntheticDetection(t *testing.T) {
	const clsNum = 3
	out13 := make([]int16, 8*13*13*32)
	out26 := make([]int16, 8*26*26*32)

	// Cell (6,6), anchor 0: center offset 0.5, raw size 0, objectness 1.0,
	// class 2 at 0.5. All channels live in group j=0.
	cell := 6*13 + 6
	base := 32 * cell
	out13[base+0] = 128 // x: 0.5
	out13[base+1] = 128 // y: 0.5
	out13[base+4] = 256 // objectness: 1.0
	out13[base+7] = 128 // class 2: 0.5

	detections := Process(out13, out26, clsNum, 0.2, 0.1)
	if len(detections) != 1 {
		t.Fatalf("got %d detections, want 1", len(detections))
	}

	d := detections[0]
	if d.Class != 2 {
		t.Errorf("class = %d, want 2", d.Class)
	}
	if d.Confidence != 1.0 {
		t.Errorf("confidence = %v, want 1.0", d.Confidence)
	}
	// Center (208, 208), anchor size 81x82.
	approx := func(got, want float32) bool {
		return math.Abs(float64(got-want)) < 1e-3
	}
	if !approx(d.X1, 208-40.5) || !approx(d.X2, 208+40.5) {
		t.Errorf("x span = [%v, %v], want [167.5, 248.5]", d.X1, d.X2)
	}
	if !approx(d.Y1, 208-41) || !approx(d.Y2, 208+41) {
		t.Errorf("y span = [%v, %v], want [167, 249]", d.Y1, d.Y2)
	}
}

// TestProcessEmptyTensors verifies an all-zero pass yields no detections.
func TestProcessEmptyTensors(t *testing.T) {
	out13 := make([]int16, 8*13*13*32)
	out26 := make([]int16, 8*26*26*32)
	if got := Process(out13, out26, 3, 0.2, 0.1); len(got) != 0 {
		t.Errorf("got %d detections from zero tensors, want 0", len(got))
	}
}
