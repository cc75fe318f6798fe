// Package postprocess turns the accelerator's two raw fixed-point output
// tensors into detections: Q8.8 conversion, channel reorder and reshape,
// anchor-box decoding, and per-class non-maximum suppression.
package postprocess

import (
	"log/slog"
	"math"

	"github.com/e7canasta/zynq-yolo-sensor/internal/detect"
)

const (
	anchorBoxNum = 3
	// The fabric emits 8 groups of 32 channels per spatial cell.
	chGroups     = 8
	chPerGroup   = 32
	rawChannels  = chGroups * chPerGroup // 256
	// Per anchor the reshaped layout carries 6 slots (x, y, w, h, obj, pad).
	slotsPerAnchor = 6
	boxChannels    = anchorBoxNum * slotsPerAnchor // 18
	// Stride between anchors in the 256-channel layout: 4 box + 1 obj + 80
	// class slots, as laid out for the full COCO head.
	anchorStride = 85
)

// Anchor width/height priors per grid scale.
var (
	anchors13 = [anchorBoxNum][2]float32{{81, 82}, {135, 169}, {344, 319}}
	anchors26 = [anchorBoxNum][2]float32{{23, 27}, {37, 58}, {81, 82}}
)

// Fix2Float converts one signed Q8.8 fixed-point word.
func Fix2Float(v int16) float32 {
	return float32(v) / 256.0
}

func fix2FloatAll(raw []int16) []float32 {
	out := make([]float32, len(raw))
	for i, v := range raw {
		out[i] = Fix2Float(v)
	}
	return out
}

// chReorder rearranges the fabric's channel-group-major layout into 256
// contiguous channels per spatial cell:
//
//	reordered[cell*256 + j*32 + k] = raw[cells*32*j + 32*cell + k]
func chReorder(arr []float32, gridNum int) []float32 {
	cells := gridNum * gridNum
	reordered := make([]float32, 0, cells*rawChannels)
	for cell := 0; cell < cells; cell++ {
		for j := 0; j < chGroups; j++ {
			base := cells*chPerGroup*j + chPerGroup*cell
			reordered = append(reordered, arr[base:base+chPerGroup]...)
		}
	}
	return reordered
}

// chReshape splits the 256-channel cells into an 18-wide box/objectness
// array and a parallel class-score array (anchorBoxNum*clsNum per cell).
// Slot 5 of each anchor is a pad: the index offset of 1 skips the
// objectness duplicate the hardware leaves at position 5.
func chReshape(reordered []float32, gridNum, clsNum int) (reshape, class []float32) {
	cells := gridNum * gridNum
	reshape = make([]float32, cells*boxChannels)
	class = make([]float32, cells*anchorBoxNum*clsNum)

	clsCnt := 0
	for i := 0; i < cells*boxChannels; i += boxChannels {
		cellBase := (i / boxChannels) * rawChannels

		for j := 0; j < anchorBoxNum; j++ {
			for k := 0; k < clsNum; k++ {
				class[clsCnt+j*clsNum+k] = reordered[cellBase+anchorStride*j+5+k]
			}
		}
		clsCnt += anchorBoxNum * clsNum

		for index := 0; index < boxChannels; index++ {
			reorderIndex := cellBase + anchorStride*(index/slotsPerAnchor) + index%slotsPerAnchor
			if index%slotsPerAnchor == 5 {
				reorderIndex++
			}
			reshape[i+index] = reordered[reorderIndex]
		}
	}
	return reshape, class
}

// applyAnchors decodes box geometry in place. Centers come from the cell
// position plus the raw offset scaled by the grid pitch; width and height
// scale the anchor priors exponentially. Objectness passes through: the
// fabric already applied the logistic activation.
func applyAnchors(reshape []float32, gridNum int, anchors [anchorBoxNum][2]float32) {
	gridWidth := float32(detect.ModelSpace) / float32(gridNum)
	var wCnt, hCnt float32
	for i := 0; i < gridNum*gridNum*boxChannels; i += boxChannels {
		for j, anchor := range anchors {
			idx := i + slotsPerAnchor*j
			reshape[idx] = gridWidth*wCnt + gridWidth*reshape[idx]
			reshape[idx+1] = gridWidth*hCnt + gridWidth*reshape[idx+1]
			reshape[idx+2] = anchor[0] * float32(math.Exp(float64(reshape[idx+2])))
			reshape[idx+3] = anchor[1] * float32(math.Exp(float64(reshape[idx+3])))
		}
		wCnt++
		if wCnt == float32(gridNum) {
			wCnt = 0
			hCnt++
		}
	}
}

// classID picks the best class for anchor slot idx; ties resolve to the
// lowest class index.
func classID(class []float32, idx, clsNum int) uint8 {
	base := idx * clsNum
	best := 0
	for k := 1; k < clsNum; k++ {
		if class[base+k] > class[base+best] {
			best = k
		}
	}
	return uint8(best)
}

// collect assembles candidate detections from the decoded grids. Boxes that
// decode outside model space are dropped and logged, never fatal.
func collect(grid, class []float32, clsNum int) []detect.Detection {
	slotCount := (13*13 + 26*26) * anchorBoxNum
	candidates := make([]detect.Detection, 0, 32)
	dropped := 0
	for idx := 0; idx < slotCount; idx++ {
		slot := grid[idx*slotsPerAnchor : (idx+1)*slotsPerAnchor]
		d, err := detect.NewFromYolo(slot, classID(class, idx, clsNum))
		if err != nil {
			dropped++
			continue
		}
		candidates = append(candidates, d)
	}
	if dropped > 0 {
		slog.Debug("dropped out-of-range boxes", "count", dropped)
	}
	return candidates
}

// Decode turns the two raw output scales (13x13 from the deep head, 26x26
// from the upsampled head) into candidate detections in 416x416 model
// space. No thresholding or suppression happens here.
func Decode(out13, out26 []int16, clsNum int) []detect.Detection {
	arr13 := fix2FloatAll(out13)
	arr26 := fix2FloatAll(out26)

	reorder13 := chReorder(arr13, 13)
	reorder26 := chReorder(arr26, 26)

	reshape13, class13 := chReshape(reorder13, 13, clsNum)
	reshape26, class26 := chReshape(reorder26, 26, clsNum)

	applyAnchors(reshape13, 13, anchors13)
	applyAnchors(reshape26, 26, anchors26)

	grid := append(reshape13, reshape26...)
	class := append(class13, class26...)

	return collect(grid, class, clsNum)
}

// Process runs Decode followed by NMS. The returned detections are still
// in 416x416 model space.
func Process(out13, out26 []int16, clsNum int, objThreshold, nmsThreshold float32) []detect.Detection {
	candidates := Decode(out13, out26, clsNum)
	return NMS(candidates, clsNum, objThreshold, nmsThreshold)
}
