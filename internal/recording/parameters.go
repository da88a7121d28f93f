package recording

import "encoding/json"

// Parameters is the per-frame JSON document served for each saved frame.
// Matrices are stored as arrays of columns.
type Parameters struct {
	FrameNumber uint64        `json:"frame_number"`
	Intrinsic   [3][3]float64 `json:"intrinsic"`
	ViewMatrix  [4][4]float32 `json:"view_matrix"`
	DepthMap    DepthMapJSON  `json:"depth_map"`
}

// DepthMapJSON is the depth map as stored in Parameters.
type DepthMapJSON struct {
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float32 `json:"values"`
}

// Parameters returns the frame's parameters document.
func (r *FrameRecord) Parameters() Parameters {
	values := r.Depth.Values
	if values == nil {
		values = []float32{}
	}
	return Parameters{
		FrameNumber: r.FrameNumber,
		Intrinsic:   intrinsicColumns(r.Intrinsics),
		ViewMatrix:  viewColumns(r.View),
		DepthMap: DepthMapJSON{
			Width:  r.Depth.Width,
			Height: r.Depth.Height,
			Values: values,
		},
	}
}

// MarshalParameters renders the parameters document as indented JSON.
func (r *FrameRecord) MarshalParameters() ([]byte, error) {
	return json.MarshalIndent(r.Parameters(), "", "  ")
}
