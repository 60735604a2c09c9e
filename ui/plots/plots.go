// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package plots collects the metrics series of a training run in a file of points, and renders them
// as PNG plots, one per metric type (loss, accuracy and learning rate), using gonum/plot.
package plots

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/gomlx/imgtrain/pkg/ml/train/metrics"
	"github.com/gomlx/imgtrain/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"k8s.io/klog/v2"
)

// TrainingPlotFileName is the default file name within the output directory to store
// plot points collected during training.
const TrainingPlotFileName = "training_plot_points.json"

// Point represents a training plot point. It is used to save/load plots.
type Point struct {
	// MetricName of this point, e.g. "val/accuracy".
	MetricName string

	// MetricType typically will be "loss", "accuracy" or "lr".
	// It's used in plotting to aggregate similar metric types in the same plot.
	MetricType string

	// Step this metric was measured: the iteration for training series, the epoch for the per-epoch series.
	Step float64

	// Value is the metric captured.
	Value float64
}

// LoadPoints parses all plot points saved in the given file.
func LoadPoints(filePath string) ([]Point, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read Plots file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	dec := json.NewDecoder(f)
	var points []Point
	for {
		var point Point
		err := dec.Decode(&point)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "error while decoding plots file %q", filePath)
		}
		points = append(points, point)
	}
	return points, nil
}

// CreatePointsWriter creates a channel to write Point to the given file, appending to it if it exists.
// It creates an errReport channel to report an error (or nil) back at the very end.
// If any error occurs, it stops writing, and will report the error back once pointWriter is closed.
func CreatePointsWriter(filePath string) (pointWriter chan<- Point, errReport <-chan error) {
	pointChan := make(chan Point, 100)
	pointWriter = pointChan
	errChan := make(chan error, 1)
	errReport = errChan
	go func() {
		f, err := os.OpenFile(filePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0664)
		if err != nil {
			err = errors.Wrapf(err, "failed to open Plots file %q for append", filePath)
			klog.Errorf("Error: %v", err)
		}
		enc := json.NewEncoder(f)
		for point := range pointChan {
			if err != nil {
				continue
			}
			if err = enc.Encode(point); err != nil {
				err = errors.Wrapf(err, "failed to encode point %v", point)
				klog.Errorf("Error: %v", err)
			}
		}
		if f != nil {
			if closeErr := f.Close(); err == nil {
				err = closeErr
			}
		}
		errChan <- err
	}()
	return
}

// Sink implements metrics.Sink: it appends the points to the TrainingPlotFileName file in a directory, and
// when closed renders the plots of all points in the file. Since the file is appended to, the plots of a
// resumed run include the points of the previous runs.
type Sink struct {
	dir       string
	writer    chan<- Point
	errReport <-chan error
	closeOnce sync.Once
	closeErr  error
}

var _ metrics.Sink = (*Sink)(nil)

// NewSink creates a Sink storing the points and plots in dir, which is created if needed.
func NewSink(dir string) (*Sink, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	if err = fsutil.EnsureDir(dir); err != nil {
		return nil, errors.WithMessagef(err, "plots directory")
	}
	s := &Sink{dir: dir}
	s.writer, s.errReport = CreatePointsWriter(filepath.Join(dir, TrainingPlotFileName))
	return s, nil
}

// Add implements metrics.Sink. Non-finite values are not recorded.
func (s *Sink) Add(name string, step int64, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	s.writer <- Point{MetricName: name, MetricType: metrics.MetricType(name), Step: float64(step), Value: value}
}

// Close flushes the points file and renders one plot per metric type, returned by PlotFiles.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		close(s.writer)
		if s.closeErr = <-s.errReport; s.closeErr != nil {
			return
		}
		points, err := LoadPoints(filepath.Join(s.dir, TrainingPlotFileName))
		if err != nil {
			s.closeErr = err
			return
		}
		s.closeErr = SavePlots(s.dir, points)
	})
	return s.closeErr
}

// PlotFile returns the path of the plot of the given metric type in dir.
func PlotFile(dir, metricType string) string {
	return filepath.Join(dir, fmt.Sprintf("training_%s.png", metricType))
}

// SavePlots renders the points in one PNG file per metric type, see PlotFile.
func SavePlots(dir string, rawPoints []Point) error {
	byType := make(map[string][]Point)
	for _, p := range rawPoints {
		byType[p.MetricType] = append(byType[p.MetricType], p)
	}
	for _, metricType := range slices.Sorted(maps.Keys(byType)) {
		if err := savePlot(PlotFile(dir, metricType), metricType, NewPoints(byType[metricType])); err != nil {
			return err
		}
	}
	return nil
}

func savePlot(filePath, metricType string, points Points) error {
	p := plot.New()
	p.Title.Text = metricType
	p.X.Label.Text = "step"
	p.Y.Label.Text = metricType
	p.Legend.Top = true
	p.Add(plotter.NewGrid())
	for ii, name := range points.MetricsNames() {
		var xys plotter.XYs
		points.Map(func(pt *Point) {
			if pt.MetricName == name {
				xys = append(xys, plotter.XY{X: pt.Step, Y: pt.Value})
			}
		})
		line, err := plotter.NewLine(xys)
		if err != nil {
			return errors.Wrapf(err, "plotting %q", name)
		}
		line.Color = plotutil.Color(ii)
		line.Dashes = plotutil.Dashes(ii)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, filePath); err != nil {
		return errors.Wrapf(err, "saving plot to %q", filePath)
	}
	return nil
}

// Points is a collection of Point objects organized by their Step value.
// It's a `map[float64][]Point` with several utility methods.
type Points map[float64][]Point

// NewPoints create a Points object from a collection of individual `Point`.
//
// See LoadPoints if you want to read `rawPoints` from a file.
func NewPoints(rawPoints []Point) (points Points) {
	points = make(map[float64][]Point)
	for _, p := range rawPoints {
		points[p.Step] = append(points[p.Step], p)
	}
	return points
}

// Map executes the given function on all individual points, in `Step` order.
// Note that if `p.Step` change, it is not re-index.
func (points Points) Map(fn func(p *Point)) {
	for _, step := range slices.Sorted(maps.Keys(points)) {
		stepPoints := points[step]
		for ii := range stepPoints {
			fn(&stepPoints[ii])
		}
	}
}

// Extract converts the [Points] structure back to a list of individual points.
// The output is sorted by [Point.Step].
func (points Points) Extract() (rawPoints []Point) {
	points.Map(func(p *Point) {
		rawPoints = append(rawPoints, *p)
	})
	return
}

// MetricsNames return the list of metrics names in the whole collection, sorted alphabetically by their type and
// then by their name.
func (points Points) MetricsNames() []string {
	nameToType := make(map[string]string)
	points.Map(func(p *Point) {
		nameToType[p.MetricName] = p.MetricType
	})
	names := slices.Sorted(maps.Keys(nameToType))
	sort.SliceStable(names, func(i, j int) bool {
		return nameToType[names[i]] < nameToType[names[j]]
	})
	return names
}

// TableForMetrics returns a table with the first column being the `Step` followed
// by the columns given by the `metrics` names.
// If `metrics` is empty, it will include all metrics in the table.
func (points Points) TableForMetrics(metricNames ...string) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})

	if len(metricNames) == 0 {
		metricNames = points.MetricsNames()
	}
	table.Headers(append([]string{"Step"}, metricNames...)...)
	for _, step := range slices.Sorted(maps.Keys(points)) {
		row := make([]string, 1+len(metricNames))
		row[0] = fmt.Sprintf("%.0f", step)
		for _, pt := range points[step] {
			if idx := slices.Index(metricNames, pt.MetricName); idx != -1 {
				row[idx+1] = metrics.PrettyPrint(pt.MetricName, pt.Value)
			}
		}
		table.Row(row...)
	}
	return table.String()
}

func (points Points) String() string {
	return points.TableForMetrics()
}
