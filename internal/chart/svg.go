package chart

import (
	"fmt"
	"io"
	"math"

	"fx-dashboard/internal/gaps"
	"fx-dashboard/internal/markers"

	svg "github.com/ajstarks/svgo"
)

const (
	placeholderWidth  = 640
	placeholderHeight = 360
	markerSize        = 6

	colorUp         = "#26a69a"
	colorDown       = "#ef5350"
	colorGrid       = "#eceff1"
	colorAxis       = "#607d8b"
	colorGapStart   = "#fff3e0"
	colorGapMiddle  = "#f5f5f5"
	colorGapEnd     = "#e3f2fd"
	colorCrosshair  = "#455a64"
	colorBackground = "#ffffff"
)

// errWriter remembers the first write error; svgo does not report them.
type errWriter struct {
	w   io.Writer
	err error
}

func (e *errWriter) Write(p []byte) (int, error) {
	if e.err != nil {
		return len(p), nil
	}
	n, err := e.w.Write(p)
	if err != nil {
		e.err = err
	}
	return n, err
}

// RenderSVG draws the current frame as SVG.
func (v *View) RenderSVG(w io.Writer) error {
	return WriteSVG(w, v.Frame())
}

// WriteSVG draws f. Loading and error frames become a placeholder with a message.
func WriteSVG(w io.Writer, f Frame) error {
	ew := &errWriter{w: w}
	canvas := svg.New(ew)

	width, height := f.Width, f.Height
	if width <= 0 || height <= 0 {
		width, height = placeholderWidth, placeholderHeight
	}
	canvas.Start(width, height)
	canvas.Rect(0, 0, width, height, "fill:"+colorBackground)

	switch f.Status {
	case StatusLoading:
		canvas.Text(width/2, height/2, "Loading…", "text-anchor:middle;font-family:sans-serif;fill:"+colorAxis)
		canvas.End()
		return ew.err
	case StatusError:
		canvas.Text(width/2, height/2, f.Message, "text-anchor:middle;font-family:sans-serif;fill:"+colorDown)
		canvas.End()
		return ew.err
	}

	drawGrid(canvas, f)
	drawGaps(canvas, f)
	drawCandles(canvas, f)
	drawMarkers(canvas, f)
	drawCrosshair(canvas, f)

	canvas.End()
	return ew.err
}

func px(v float64) int { return int(math.Round(v)) }

func drawGrid(canvas *svg.SVG, f Frame) {
	canvas.Group(`class="grid"`, `style="font-family:sans-serif;font-size:10px"`)
	bottom := px(f.Plot.Y + f.Plot.H)
	right := px(f.Plot.X + f.Plot.W)
	for _, t := range f.XTicks {
		canvas.Line(px(t.X), px(f.Plot.Y), px(t.X), bottom, "stroke:"+colorGrid)
		canvas.Text(px(t.X), bottom+15, t.Label, "text-anchor:middle;fill:"+colorAxis)
	}
	for _, t := range f.YTicks {
		canvas.Line(px(f.Plot.X), px(t.Y), right, px(t.Y), "stroke:"+colorGrid)
		canvas.Text(right+5, px(t.Y)+3, t.Label, "fill:"+colorAxis)
	}
	canvas.Rect(px(f.Plot.X), px(f.Plot.Y), px(f.Plot.W), px(f.Plot.H), "fill:none;stroke:"+colorAxis)
	canvas.Gend()
}

func drawGaps(canvas *svg.SVG, f Frame) {
	if len(f.Gaps) == 0 {
		return
	}
	canvas.Group(`class="gaps"`, `pointer-events="none"`)
	for _, g := range f.Gaps {
		canvas.Rect(px(g.X0), px(f.Plot.Y), max(1, px(g.X1-g.X0)), px(f.Plot.H),
			fmt.Sprintf("fill:%s;opacity:0.8", gapColor(g.Kind)))
	}
	canvas.Gend()
}

func gapColor(k gaps.Kind) string {
	switch k {
	case gaps.Start:
		return colorGapStart
	case gaps.End:
		return colorGapEnd
	default:
		return colorGapMiddle
	}
}

func drawCandles(canvas *svg.SVG, f Frame) {
	canvas.Group(`class="candles"`)
	for _, c := range f.Candles {
		color := colorDown
		if c.Up {
			color = colorUp
		}
		top, bottom := math.Min(c.OpenY, c.CloseY), math.Max(c.OpenY, c.CloseY)
		canvas.Line(px(c.X), px(c.HighY), px(c.X), px(c.LowY), "stroke:"+color)
		canvas.Rect(px(c.X-c.Width/2), px(top), max(1, px(c.Width)), max(1, px(bottom-top)), "fill:"+color)
	}
	canvas.Gend()
}

func drawMarkers(canvas *svg.SVG, f Frame) {
	if len(f.Markers) == 0 {
		return
	}
	canvas.Group(`class="markers"`)
	// event order, no z-sort
	for _, m := range f.Markers {
		canvas.Group(fmt.Sprintf(`class="marker %s"`, m.Marker.Kind))
		canvas.Title(m.Marker.Visual.Tooltip)
		style := "fill:" + m.Marker.Visual.Color
		x, y := px(m.X), px(m.Y)
		switch m.Marker.Visual.Shape {
		case markers.ShapeTriangleUp:
			canvas.Polygon([]int{x - markerSize, x, x + markerSize}, []int{y + markerSize, y - markerSize, y + markerSize}, style)
		case markers.ShapeTriangleDown:
			canvas.Polygon([]int{x - markerSize, x, x + markerSize}, []int{y - markerSize, y + markerSize, y - markerSize}, style)
		case markers.ShapeDiamond:
			canvas.Polygon([]int{x, x + markerSize, x, x - markerSize}, []int{y - markerSize, y, y + markerSize, y}, style)
		default:
			canvas.Circle(x, y, markerSize-1, style)
		}
		canvas.Gend()
	}
	canvas.Gend()
}

func drawCrosshair(canvas *svg.SVG, f Frame) {
	if f.Crosshair == nil {
		return
	}
	x := px(f.Crosshair.X)
	canvas.Group(`class="crosshair"`)
	canvas.Line(x, px(f.Plot.Y), x, px(f.Plot.Y+f.Plot.H), "stroke:"+colorCrosshair+";stroke-dasharray:4,3")
	canvas.Text(px(f.Plot.X)+4, px(f.Plot.Y)+12, f.Crosshair.Label, "font-family:sans-serif;font-size:11px;fill:"+colorCrosshair)
	canvas.Gend()
}
