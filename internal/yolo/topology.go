package yolo

import (
	"fmt"
	"log/slog"
	"slices"
	"time"
)

// InputSize is the network's native square resolution.
const InputSize = 416

// Stage indices with special wiring in the fixed DAG.
const (
	// stageBranch26 and stageBranch13 feed two consumers each.
	stageBranch26 = 4
	stageBranch13 = 8
	// stageOut13 and stageOut26 produce the two detection scales.
	stageOut13 = 10
	stageOut26 = 13
	// stageConcat receives stage 11's output concatenated with stage 4's.
	stageConcat = 12
	stageCount  = 14
)

// TopologyError reports a missing intermediate buffer after a stage ran:
// a scheduler or wiring bug, fatal for the controller.
type TopologyError struct {
	Stage int
	What  string
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("yolo: topology: stage %d: %s", e.Stage, e.What)
}

// newTinyV3Groups builds the fixed 14-stage tiny-YOLO-v3 table. The
// topology is not data-driven: stage shapes, fold factors, activations and
// post-process routing are frozen to match the bitstream.
func newTinyV3Groups() []*LayerGroup {
	return []*LayerGroup{
		NewLayerGroup(416, 416, 3, 1, 208, 208, 16, 1, false, ActivationLeaky, PostProcessMaxPool, 2),
		NewLayerGroup(208, 208, 16, 1, 104, 104, 32, 1, false, ActivationLeaky, PostProcessMaxPool, 2),
		NewLayerGroup(104, 104, 32, 1, 52, 52, 32, 2, false, ActivationLeaky, PostProcessMaxPool, 2),
		NewLayerGroup(52, 52, 32, 2, 26, 26, 32, 4, false, ActivationLeaky, PostProcessMaxPool, 2),
		NewLayerGroup(26, 26, 32, 4, 26, 26, 32, 8, false, ActivationLeaky, PostProcessNone, 2),
		NewLayerGroup(26, 26, 32, 1, 13, 13, 32, 8, true, ActivationLinear, PostProcessMaxPool, 2),
		NewLayerGroup(13, 13, 32, 8, 13, 13, 32, 16, false, ActivationLeaky, PostProcessMaxPool, 1),
		NewLayerGroup(13, 13, 32, 16, 13, 13, 32, 32, false, ActivationLeaky, PostProcessNone, 2),
		NewLayerGroup(13, 13, 32, 32, 13, 13, 32, 8, false, ActivationLeaky, PostProcessNone, 2),
		NewLayerGroup(13, 13, 32, 8, 13, 13, 32, 16, false, ActivationLeaky, PostProcessNone, 2),
		NewLayerGroup(13, 13, 32, 16, 13, 13, 32, 8, false, ActivationLinear, PostProcessYolo, 2),
		NewLayerGroup(13, 13, 32, 8, 26, 26, 32, 4, false, ActivationLeaky, PostProcessUpsample, 2),
		NewLayerGroup(26, 26, 32, 12, 26, 26, 32, 8, false, ActivationLeaky, PostProcessNone, 2),
		NewLayerGroup(26, 26, 32, 8, 26, 26, 32, 8, false, ActivationLinear, PostProcessYolo, 2),
	}
}

// Forward drives all 14 stages in order and returns the two raw output
// tensors (13x13 scale from stage 10, 26x26 scale from stage 13) still in
// the fabric's fixed-point layout.
//
// Buffer ownership follows the DAG: a single-consumer output is moved into
// the next stage, the two fan-out stages (4 and 8) are cloned so both
// consumers get an independent tensor, and stage 12's input is stage 11's
// output with stage 4's retained output concatenated after it.
func (c *Controller) Forward(input []int16) (out13, out26 []int16, err error) {
	start := time.Now()
	c.groups[0].Inputs = slices.Clone(input)

	for grpIdx := 0; grpIdx < stageCount; grpIdx++ {
		if err := c.RunLayer(grpIdx); err != nil {
			return nil, nil, err
		}

		switch {
		case grpIdx == stageBranch26 || grpIdx == stageBranch13:
			// Two consumers downstream: keep the original for the skip edge.
			if c.groups[grpIdx].Outputs == nil {
				return nil, nil, &TopologyError{Stage: grpIdx, What: "output missing after fan-out stage"}
			}
			c.groups[grpIdx+1].Inputs = slices.Clone(c.groups[grpIdx].Outputs)
		case grpIdx == stageOut13:
			// Stage 11 consumes stage 8's retained output, bypassing 9 and 10.
			if c.groups[stageBranch13].Outputs == nil {
				return nil, nil, &TopologyError{Stage: stageBranch13, What: "retained output missing"}
			}
			c.groups[11].Inputs = c.groups[stageBranch13].Outputs
			c.groups[stageBranch13].Outputs = nil
		case grpIdx != stageOut26:
			// Single consumer: move, don't copy.
			c.groups[grpIdx+1].Inputs = c.groups[grpIdx].Outputs
			c.groups[grpIdx].Outputs = nil
		}

		if grpIdx == 11 {
			// Stage 12 consumes stage 11 and stage 4 concatenated. Stage
			// 11's output was already moved above; append stage 4's.
			retained := c.groups[stageBranch26].Outputs
			if retained == nil {
				return nil, nil, &TopologyError{Stage: stageBranch26, What: "retained output missing"}
			}
			c.groups[stageBranch26].Outputs = nil
			if c.groups[stageConcat].Inputs == nil {
				return nil, nil, &TopologyError{Stage: stageConcat, What: "input missing before concat"}
			}
			c.groups[stageConcat].Inputs = append(c.groups[stageConcat].Inputs, retained...)
		}
	}

	out13 = c.groups[stageOut13].Outputs
	c.groups[stageOut13].Outputs = nil
	if out13 == nil {
		return nil, nil, &TopologyError{Stage: stageOut13, What: "final output missing"}
	}
	out26 = c.groups[stageOut26].Outputs
	c.groups[stageOut26].Outputs = nil
	if out26 == nil {
		return nil, nil, &TopologyError{Stage: stageOut26, What: "final output missing"}
	}

	slog.Debug("forward pass complete", "elapsed", time.Since(start))
	return out13, out26, nil
}
