package overlay

import (
	"image/color"
	"io"

	"github.com/tdewolff/canvas"
	"github.com/tdewolff/canvas/renderers/svg"

	"github.com/paulmach/orb"
)

// RenderVectorDebugSVG writes an SVG tracing the raw old/new PDF vector
// point clouds the ICP refiner consumed, colored the same as the raster
// overlay (old red, new green). It is a debug aid for --format=vector: it
// shows what geometry fed the refiner, not a replacement for the raster
// overlay PNG.
func RenderVectorDebugSVG(w io.Writer, oldPoints, newPoints []orb.Point, width, height float64) error {
	renderer := svg.New(w, width, height, nil)

	bg := canvas.DefaultStyle
	bg.Fill = canvas.Paint{Color: canvas.White}
	renderer.RenderPath(canvas.Rectangle(width, height), bg, canvas.Identity)

	oldStyle := canvas.DefaultStyle
	oldStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	oldStyle.Stroke = canvas.Paint{Color: color.RGBA{R: 255, A: 255}}
	oldStyle.StrokeWidth = 1.0
	renderPointTrace(renderer, oldPoints, oldStyle)

	newStyle := canvas.DefaultStyle
	newStyle.Fill = canvas.Paint{Color: canvas.Transparent}
	newStyle.Stroke = canvas.Paint{Color: color.RGBA{G: 255, A: 255}}
	newStyle.StrokeWidth = 1.0
	renderPointTrace(renderer, newPoints, newStyle)

	return renderer.Close()
}

func renderPointTrace(renderer interface {
	RenderPath(path *canvas.Path, style canvas.Style, m canvas.Matrix)
}, points []orb.Point, style canvas.Style) {
	if len(points) == 0 {
		return
	}
	path := &canvas.Path{}
	for i, p := range points {
		if i == 0 {
			path.MoveTo(p[0], p[1])
		} else {
			path.LineTo(p[0], p[1])
		}
	}
	renderer.RenderPath(path, style, canvas.Identity)
}
