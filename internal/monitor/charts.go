package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"math"
	"net/http"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/scanrgbd/internal/capture"
	"github.com/banshee-data/scanrgbd/internal/httputil"
	"github.com/banshee-data/scanrgbd/internal/pointcloud"
)

const (
	echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

	defaultPreviewPoints = 5000
	maxPreviewPoints     = 50000
)

var viridis = []string{"#440154", "#482777", "#3e4989", "#31688e", "#26828e", "#1f9e89", "#35b779", "#6ece58", "#b5de2b", "#fde725"}

// previewLimit reads ?max= and clamps it.
func previewLimit(r *http.Request) (int, error) {
	q := r.URL.Query().Get("max")
	if q == "" {
		return defaultPreviewPoints, nil
	}
	n, err := strconv.Atoi(q)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid max %q", q)
	}
	return min(n, maxPreviewPoints), nil
}

// topDownExtent returns a symmetric half-width covering every point's X and
// Z, padded so edge points stay visible.
func topDownExtent(points []pointcloud.PointRecord) float64 {
	maxAbs := 0.0
	for _, p := range points {
		maxAbs = math.Max(maxAbs, math.Abs(float64(p.Position[0])))
		maxAbs = math.Max(maxAbs, math.Abs(float64(p.Position[2])))
	}
	if maxAbs == 0 {
		return 1
	}
	return maxAbs * 1.05
}

// handleCloudChart renders a top-down (X/Z) scatter of the cloud. ?by=height
// colours by Y instead of confidence.
func (s *Server) handleCloudChart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	limit, err := previewLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	by := r.URL.Query().Get("by")
	if by == "" {
		by = "confidence"
	}
	if by != "confidence" && by != "height" {
		httputil.BadRequest(w, fmt.Sprintf("invalid by %q", by))
		return
	}

	points := s.session.PreviewPoints(limit)
	state := s.session.State()

	data := make([]opts.ScatterData, 0, len(points))
	vmin, vmax := 0.0, float64(capture.ConfidenceHigh.Scaled())
	if by == "height" {
		vmin, vmax = math.Inf(1), math.Inf(-1)
	}
	for _, p := range points {
		v := float64(capture.ConfidenceLevel(p.Confidence).Scaled())
		if by == "height" {
			v = float64(p.Position[1])
			vmin = math.Min(vmin, v)
			vmax = math.Max(vmax, v)
		}
		data = append(data, opts.ScatterData{Value: []interface{}{p.Position[0], p.Position[2], v}})
	}
	if len(points) == 0 || vmin == vmax {
		vmin, vmax = 0, 1
	}
	pad := topDownExtent(points)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Point Cloud (top-down)", Theme: "dark", Width: "900px", Height: "900px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: "Accumulated Cloud", Subtitle: fmt.Sprintf("points=%d occupancy=%d capacity=%d colour=%s", len(data), state.Occupancy, state.Capacity, by)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Z (m)", NameLocation: "middle", NameGap: 30}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        float32(vmin),
			Max:        float32(vmax),
			Dimension:  "2",
			InRange:    &opts.VisualMapInRange{Color: viridis},
		}),
	)
	scatter.AddSeries("cloud", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// cloudPlot builds a top-down scatter plot with each point in its own colour.
func cloudPlot(points []pointcloud.PointRecord) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Accumulated cloud (%d points)", len(points))
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Z (m)"

	pad := topDownExtent(points)
	p.X.Min, p.X.Max = -pad, pad
	p.Y.Min, p.Y.Max = -pad, pad
	if len(points) == 0 {
		return p, nil
	}

	xys := make(plotter.XYs, len(points))
	for i, pt := range points {
		xys[i] = plotter.XY{X: float64(pt.Position[0]), Y: float64(pt.Position[2])}
	}
	sc, err := plotter.NewScatter(xys)
	if err != nil {
		return nil, fmt.Errorf("scatter: %w", err)
	}
	sc.GlyphStyleFunc = func(i int) draw.GlyphStyle {
		c := points[i].Color
		return draw.GlyphStyle{
			Color:  color.RGBA{R: pointcloud.ColorByte(c[0]), G: pointcloud.ColorByte(c[1]), B: pointcloud.ColorByte(c[2]), A: 255},
			Radius: vg.Points(1),
			Shape:  draw.CircleGlyph{},
		}
	}
	p.Add(sc)
	return p, nil
}

// handleCloudPNG renders the same top-down view as a static PNG.
func (s *Server) handleCloudPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w, http.MethodGet)
		return
	}
	limit, err := previewLimit(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	p, err := cloudPlot(s.session.PreviewPoints(limit))
	if err != nil {
		httputil.InternalServerError(w, err.Error())
		return
	}
	wt, err := p.WriterTo(8*vg.Inch, 8*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to encode png: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
