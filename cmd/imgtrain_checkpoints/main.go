// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// imgtrain_checkpoints reports on the contents of an imgtrain checkpoint file, and on the metrics collected
// for plotting in an output directory.
//
// Usage:
//
//	imgtrain_checkpoints -summary -vars output/imgtrain_checkpoint.ckpt
//	imgtrain_checkpoints -metrics=output
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/imgtrain/pkg/core/tensors"
	"github.com/gomlx/imgtrain/pkg/ml/checkpoints"
	"github.com/gomlx/imgtrain/ui/plots"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagSummary = flag.Bool("summary", true, "Display a summary of the checkpoint: kind, epoch, best score "+
		"and sizes.")
	flagConfig = flag.Bool("config", false, "Display the training configuration saved in the checkpoint.")
	flagVars   = flag.Bool("vars", false, "Lists the tensors in the checkpoint: model parameters and optimizer slots.")
	flagScope  = flag.String("scope", "", "If set, only tensors whose name starts with the given prefix "+
		"(e.g. \"model/\") are listed with -vars.")
	flagMetrics = flag.String("metrics", "",
		fmt.Sprintf("Directory with the metrics collected for plotting (file %q) to list.", plots.TrainingPlotFileName))
	flagMetricsNames = flag.String("metrics_names", "", "Comma-separate list of metric names to include in metrics report.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	args := flag.Args()
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'imgtrain_checkpoints -help'.")
		os.Exit(1)
	}
	if len(args) == 0 && *flagMetrics == "" {
		klog.Errorf("Missing checkpoint file to read from. See 'imgtrain_checkpoints -help'")
		os.Exit(1)
	}
	if len(args) == 1 {
		bundle := must.M1(checkpoints.Load(args[0]))
		must.M(report(os.Stdout, args[0], bundle))
	}
	if *flagMetrics != "" {
		must.M(reportMetrics(os.Stdout, *flagMetrics, splitList(*flagMetricsNames)))
	}
}

func splitList(list string) []string {
	if list == "" {
		return nil
	}
	return strings.Split(list, ",")
}

func report(w io.Writer, checkpointPath string, bundle *checkpoints.Bundle) error {
	if *flagSummary {
		printTitle(w, "Summary")
		_, _ = fmt.Fprintln(w, summaryTable(checkpointPath, bundle))
	}
	if *flagConfig {
		printTitle(w, "Configuration")
		cfg, err := configTable(bundle)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w, cfg)
	}
	if *flagVars {
		printTitle(w, "Tensors")
		_, _ = fmt.Fprintln(w, varsTable(bundle, *flagScope))
	}
	return nil
}

func printTitle(w io.Writer, title string) {
	_, _ = fmt.Fprintln(w, titleStyle.Render(title))
}

func summaryTable(checkpointPath string, bundle *checkpoints.Bundle) string {
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Row("checkpoint", checkpointPath)
	table.Row("kind", bundle.Kind)
	table.Row("version", fmt.Sprintf("%d", bundle.Version))
	table.Row("run", bundle.RunID)
	table.Row("created", bundle.Created.Format("2006-01-02 15:04:05 MST"))
	if bundle.Kind == checkpoints.KindResume {
		table.Row("epoch", humanize.Comma(int64(bundle.Epoch)))
		table.Row("best score", fmt.Sprintf("%.2f%%", bundle.BestScore))
	}
	if bundle.Model != nil {
		table.Row("# parameters", humanize.Comma(int64(bundle.Model.Size())))
		table.Row("# bytes", humanize.Bytes(uint64(8*bundle.Model.Size())))
	}
	if opt := bundle.Optimizer; opt != nil {
		table.Row("optimizer", opt.Name)
		table.Row("optimizer steps", humanize.Comma(opt.Step))
		table.Row("learning rate", fmt.Sprintf("%g", opt.LearningRate))
		for _, name := range slices.Sorted(maps.Keys(opt.Scalars)) {
			table.Row("optimizer "+name, fmt.Sprintf("%g", opt.Scalars[name]))
		}
	}
	if sched := bundle.Scheduler; sched != nil {
		table.Row("schedule", fmt.Sprintf("%s (last epoch %d, base lr %g)", sched.Name, sched.LastEpoch, sched.BaseLR))
	}
	return table.Render()
}

// configTable lists the configuration keys and values, in the order they were saved.
func configTable(bundle *checkpoints.Bundle) (string, error) {
	table := newPlainTable(lipgloss.Right, lipgloss.Left)
	table.Headers("Key", "Value")
	if len(bundle.Config) == 0 {
		return table.Render(), nil
	}
	dec := json.NewDecoder(bytes.NewReader(bundle.Config))
	dec.UseNumber()
	var cfg map[string]any
	if err := dec.Decode(&cfg); err != nil {
		return "", errors.Wrap(err, "decoding configuration saved in checkpoint")
	}
	for _, key := range slices.Sorted(maps.Keys(cfg)) {
		table.Row(key, fmt.Sprintf("%v", cfg[key]))
	}
	return table.Render(), nil
}

type namedTensor struct {
	name   string
	tensor *tensors.Tensor
}

// bundleTensors lists the tensors of the checkpoint, with the names used in the file.
func bundleTensors(bundle *checkpoints.Bundle) []namedTensor {
	var list []namedTensor
	addSet := func(prefix string, ps *tensors.ParamSet) {
		for _, name := range ps.Names() {
			list = append(list, namedTensor{prefix + name, ps.Get(name)})
		}
	}
	if bundle.Model != nil {
		addSet(checkpoints.ModelPrefix, bundle.Model)
	}
	if bundle.Optimizer != nil {
		for _, slot := range slices.Sorted(maps.Keys(bundle.Optimizer.Slots)) {
			addSet(checkpoints.OptimizerPrefix+slot+"/", bundle.Optimizer.Slots[slot])
		}
	}
	return list
}

func varsTable(bundle *checkpoints.Bundle, scope string) string {
	table := newPlainTable(lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Name", "Shape", "Size", "Bytes")
	for _, nt := range bundleTensors(bundle) {
		if !strings.HasPrefix(nt.name, scope) {
			continue
		}
		size := nt.tensor.Size()
		table.Row(nt.name, fmt.Sprintf("%v", nt.tensor.Shape()),
			humanize.Comma(int64(size)), humanize.Bytes(uint64(8*size)))
	}
	return table.Render()
}

func reportMetrics(w io.Writer, dir string, names []string) error {
	points, err := plots.LoadPoints(filepath.Join(dir, plots.TrainingPlotFileName))
	if err != nil {
		return err
	}
	if len(points) == 0 {
		klog.Warningf("No metrics found in %q", dir)
		return nil
	}
	printTitle(w, "Metrics")
	_, _ = fmt.Fprintln(w, plots.NewPoints(points).TableForMetrics(names...))
	return nil
}
