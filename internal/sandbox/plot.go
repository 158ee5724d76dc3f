package sandbox

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"

	"github.com/fogleman/gg"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
)

type plotKind int

const (
	plotBar plotKind = iota
	plotLine
	plotScatter
	plotHist
)

type plotLayer struct {
	kind   plotKind
	labels []string
	xs     []float64
	ys     []float64
	bins   int
}

// figureValue accumulates drawing instructions during script execution.
// Rendering to PNG happens at harvest time, never inside the script.
type figureValue struct {
	id     int
	title  string
	xLabel string
	yLabel string
	layers []plotLayer
}

func (f *figureValue) String() string        { return fmt.Sprintf("<figure %d %q>", f.id, f.title) }
func (f *figureValue) Type() string          { return "figure" }
func (f *figureValue) Freeze()               {}
func (f *figureValue) Truth() starlark.Bool  { return starlark.True }
func (f *figureValue) Hash() (uint32, error) { return uint32(f.id), nil }

var figureMethods = map[string]*starlark.Builtin{
	"bar":     starlark.NewBuiltin("bar", figureBar),
	"line":    starlark.NewBuiltin("line", figureLine),
	"scatter": starlark.NewBuiltin("scatter", figureScatter),
	"hist":    starlark.NewBuiltin("hist", figureHist),
	"xlabel":  starlark.NewBuiltin("xlabel", figureXLabel),
	"ylabel":  starlark.NewBuiltin("ylabel", figureYLabel),
}

func (f *figureValue) Attr(name string) (starlark.Value, error) {
	b, ok := figureMethods[name]
	if !ok {
		return nil, nil
	}
	return b.BindReceiver(f), nil
}

func (f *figureValue) AttrNames() []string {
	names := make([]string, 0, len(figureMethods))
	for name := range figureMethods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func recvFigure(b *starlark.Builtin) *figureValue {
	return b.Receiver().(*figureValue)
}

func figureBar(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var labelsV, valuesV starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "labels", &labelsV, "values", &valuesV); err != nil {
		return nil, err
	}
	labels, err := stringSlice(labelsV)
	if err != nil {
		return nil, fmt.Errorf("bar: labels: %w", err)
	}
	values, err := floatSlice(valuesV)
	if err != nil {
		return nil, fmt.Errorf("bar: values: %w", err)
	}
	if len(labels) != len(values) {
		return nil, fmt.Errorf("bar: %d labels but %d values", len(labels), len(values))
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("bar: empty data")
	}
	f := recvFigure(b)
	f.layers = append(f.layers, plotLayer{kind: plotBar, labels: labels, ys: values})
	return starlark.None, nil
}

func figureLine(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return addXYLayer(b, args, kwargs, plotLine)
}

func figureScatter(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return addXYLayer(b, args, kwargs, plotScatter)
}

func addXYLayer(b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, kind plotKind) (starlark.Value, error) {
	var xsV, ysV starlark.Value
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &xsV, "y", &ysV); err != nil {
		return nil, err
	}
	xs, err := floatSlice(xsV)
	if err != nil {
		return nil, fmt.Errorf("%s: x: %w", b.Name(), err)
	}
	ys, err := floatSlice(ysV)
	if err != nil {
		return nil, fmt.Errorf("%s: y: %w", b.Name(), err)
	}
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("%s: %d x values but %d y values", b.Name(), len(xs), len(ys))
	}
	if len(xs) == 0 {
		return nil, fmt.Errorf("%s: empty data", b.Name())
	}
	f := recvFigure(b)
	f.layers = append(f.layers, plotLayer{kind: kind, xs: xs, ys: ys})
	return starlark.None, nil
}

func figureHist(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var valuesV starlark.Value
	bins := 10
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "values", &valuesV, "bins?", &bins); err != nil {
		return nil, err
	}
	values, err := floatSlice(valuesV)
	if err != nil {
		return nil, fmt.Errorf("hist: values: %w", err)
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("hist: empty data")
	}
	if bins < 1 {
		return nil, fmt.Errorf("hist: bins must be positive, got %d", bins)
	}
	f := recvFigure(b)
	f.layers = append(f.layers, plotLayer{kind: plotHist, ys: values, bins: bins})
	return starlark.None, nil
}

func figureXLabel(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var label string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "label", &label); err != nil {
		return nil, err
	}
	recvFigure(b).xLabel = label
	return starlark.None, nil
}

func figureYLabel(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var label string
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "label", &label); err != nil {
		return nil, err
	}
	recvFigure(b).yLabel = label
	return starlark.None, nil
}

// figureRegistry tracks figures created by one execution, in creation order.
type figureRegistry struct {
	mu      sync.Mutex
	figures []*figureValue
	nextID  int
}

func newFigureRegistry() *figureRegistry {
	return &figureRegistry{nextID: 1}
}

func (r *figureRegistry) newFigure(title string) *figureValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := &figureValue{id: r.nextID, title: title}
	r.nextID++
	r.figures = append(r.figures, f)
	return f
}

// Open returns the open figures in id order without consuming them.
func (r *figureRegistry) Open() []*figureValue {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*figureValue, len(r.figures))
	copy(out, r.figures)
	return out
}

func (r *figureRegistry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.figures = nil
}

func plotModule(reg *figureRegistry) *starlarkstruct.Module {
	return &starlarkstruct.Module{
		Name: "plot",
		Members: starlark.StringDict{
			"figure": starlark.NewBuiltin("figure", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
				title := ""
				if err := starlark.UnpackArgs(b.Name(), args, kwargs, "title?", &title); err != nil {
					return nil, err
				}
				return reg.newFigure(title), nil
			}),
		},
	}
}

const (
	plotWidth    = 800
	plotHeight   = 600
	marginLeft   = 70.0
	marginRight  = 30.0
	marginTop    = 50.0
	marginBottom = 60.0
)

// Render rasterizes the figure to PNG.
func (f *figureValue) Render() ([]byte, error) {
	if len(f.layers) == 0 {
		return nil, fmt.Errorf("figure %d has no data layers", f.id)
	}

	dc := gg.NewContext(plotWidth, plotHeight)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	plotW := float64(plotWidth) - marginLeft - marginRight
	plotH := float64(plotHeight) - marginTop - marginBottom

	if f.title != "" {
		dc.SetRGB(0, 0, 0)
		tw, _ := dc.MeasureString(f.title)
		dc.DrawString(f.title, (float64(plotWidth)-tw)/2, marginTop/2)
	}

	// Axis frame
	dc.SetRGB(0.2, 0.2, 0.2)
	dc.SetLineWidth(1)
	dc.DrawLine(marginLeft, marginTop, marginLeft, marginTop+plotH)
	dc.DrawLine(marginLeft, marginTop+plotH, marginLeft+plotW, marginTop+plotH)
	dc.Stroke()

	for _, layer := range f.layers {
		switch layer.kind {
		case plotBar:
			f.renderBars(dc, layer.labels, layer.ys, plotW, plotH)
		case plotHist:
			labels, counts := binValues(layer.ys, layer.bins)
			f.renderBars(dc, labels, counts, plotW, plotH)
		case plotLine, plotScatter:
			f.renderXY(dc, layer, plotW, plotH)
		}
	}

	if f.xLabel != "" {
		dc.SetRGB(0, 0, 0)
		tw, _ := dc.MeasureString(f.xLabel)
		dc.DrawString(f.xLabel, marginLeft+(plotW-tw)/2, float64(plotHeight)-12)
	}
	if f.yLabel != "" {
		dc.SetRGB(0, 0, 0)
		dc.Push()
		dc.RotateAbout(-math.Pi/2, 16, marginTop+plotH/2)
		tw, _ := dc.MeasureString(f.yLabel)
		dc.DrawString(f.yLabel, 16-tw/2, marginTop+plotH/2)
		dc.Pop()
	}

	var buf bytes.Buffer
	if err := dc.EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("failed to encode PNG: %w", err)
	}
	return buf.Bytes(), nil
}

func (f *figureValue) renderBars(dc *gg.Context, labels []string, values []float64, plotW, plotH float64) {
	// The scale always includes zero so bars grow from a true baseline,
	// upward for positive values and downward for negative ones.
	minVal, maxVal := 0.0, 0.0
	for _, v := range values {
		if v > maxVal {
			maxVal = v
		}
		if v < minVal {
			minVal = v
		}
	}
	if maxVal == minVal {
		maxVal = minVal + 1
	}
	span := maxVal - minVal

	drawYTicks(dc, minVal, maxVal, plotH)

	baseline := marginTop + plotH - ((0-minVal)/span)*plotH

	n := len(values)
	slot := plotW / float64(n)
	barW := slot * 0.7

	for i, v := range values {
		h := (v / span) * plotH
		x := marginLeft + float64(i)*slot + (slot-barW)/2
		y := baseline - h
		if h < 0 {
			y = baseline
			h = -h
		}

		dc.SetRGB(0.27, 0.45, 0.77)
		dc.DrawRectangle(x, y, barW, h)
		dc.Fill()

		dc.SetRGB(0, 0, 0)
		label := labels[i]
		if len(label) > 12 {
			label = label[:12]
		}
		tw, _ := dc.MeasureString(label)
		dc.DrawString(label, x+(barW-tw)/2, marginTop+plotH+16)
	}
}

func (f *figureValue) renderXY(dc *gg.Context, layer plotLayer, plotW, plotH float64) {
	minX, maxX := minMax(layer.xs)
	minY, maxY := minMax(layer.ys)
	if maxX == minX {
		maxX = minX + 1
	}
	if maxY == minY {
		maxY = minY + 1
	}

	drawYTicks(dc, minY, maxY, plotH)
	drawXTicks(dc, minX, maxX, plotW, plotH)

	px := func(x float64) float64 { return marginLeft + (x-minX)/(maxX-minX)*plotW }
	py := func(y float64) float64 { return marginTop + plotH - (y-minY)/(maxY-minY)*plotH }

	dc.SetRGB(0.27, 0.45, 0.77)
	if layer.kind == plotLine {
		dc.SetLineWidth(2)
		for i := range layer.xs {
			if i == 0 {
				dc.MoveTo(px(layer.xs[0]), py(layer.ys[0]))
				continue
			}
			dc.LineTo(px(layer.xs[i]), py(layer.ys[i]))
		}
		dc.Stroke()
		return
	}
	for i := range layer.xs {
		dc.DrawCircle(px(layer.xs[i]), py(layer.ys[i]), 3)
		dc.Fill()
	}
}

func drawYTicks(dc *gg.Context, minV, maxV, plotH float64) {
	dc.SetRGB(0.4, 0.4, 0.4)
	const ticks = 5
	for i := 0; i <= ticks; i++ {
		frac := float64(i) / ticks
		v := minV + frac*(maxV-minV)
		y := marginTop + plotH - frac*plotH
		dc.DrawLine(marginLeft-4, y, marginLeft, y)
		dc.Stroke()
		label := formatTick(v)
		tw, _ := dc.MeasureString(label)
		dc.DrawString(label, marginLeft-8-tw, y+4)
	}
}

func drawXTicks(dc *gg.Context, minV, maxV, plotW, plotH float64) {
	dc.SetRGB(0.4, 0.4, 0.4)
	const ticks = 5
	for i := 0; i <= ticks; i++ {
		frac := float64(i) / ticks
		v := minV + frac*(maxV-minV)
		x := marginLeft + frac*plotW
		dc.DrawLine(x, marginTop+plotH, x, marginTop+plotH+4)
		dc.Stroke()
		label := formatTick(v)
		tw, _ := dc.MeasureString(label)
		dc.DrawString(label, x-tw/2, marginTop+plotH+16)
	}
}

func formatTick(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e7 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', 4, 64)
}

func binValues(values []float64, bins int) ([]string, []float64) {
	minV, maxV := minMax(values)
	if maxV == minV {
		maxV = minV + 1
	}
	width := (maxV - minV) / float64(bins)
	counts := make([]float64, bins)
	for _, v := range values {
		idx := int((v - minV) / width)
		if idx >= bins {
			idx = bins - 1
		}
		counts[idx]++
	}
	labels := make([]string, bins)
	for i := range labels {
		labels[i] = formatTick(minV + float64(i)*width)
	}
	return labels, counts
}

func minMax(vals []float64) (float64, float64) {
	minV, maxV := vals[0], vals[0]
	for _, v := range vals[1:] {
		if v < minV {
			minV = v
		}
		if v > maxV {
			maxV = v
		}
	}
	return minV, maxV
}

func stringSlice(v starlark.Value) ([]string, error) {
	iter, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %s", v.Type())
	}
	var out []string
	it := iter.Iterate()
	defer it.Done()
	var elem starlark.Value
	for it.Next(&elem) {
		switch e := elem.(type) {
		case starlark.String:
			out = append(out, string(e))
		case starlark.Int, starlark.Float:
			out = append(out, e.String())
		default:
			return nil, fmt.Errorf("unsupported element type %s", elem.Type())
		}
	}
	return out, nil
}

func floatSlice(v starlark.Value) ([]float64, error) {
	iter, ok := v.(starlark.Iterable)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %s", v.Type())
	}
	var out []float64
	it := iter.Iterate()
	defer it.Done()
	var elem starlark.Value
	for it.Next(&elem) {
		f, ok := starlark.AsFloat(elem)
		if !ok {
			return nil, fmt.Errorf("expected a number, got %s", elem.Type())
		}
		out = append(out, f)
	}
	return out, nil
}
