// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/imgtrain/pkg/ml/train"
	"github.com/gomlx/imgtrain/pkg/ml/train/metrics"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ExtraMetricFn is any function that will give extra values to display along the progress bar.
// It is called at each time the progress bar is updated, and it should return a name and the current value when it is called.
type ExtraMetricFn func() (name, value string)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

// ProgressBarName is the name of the hooks registered by AttachProgressBar.
const ProgressBarName = "imgtrain.ui.commandline.progressBar"

// maxUpdateFrequency is the time between updates to the commandline display of stats.
const maxUpdateFrequency = time.Millisecond * 200

// maxStepDurations is the number of recent step durations used for the median.
const maxStepDurations = 1000

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	out        io.Writer
	bar        *progressbar.ProgressBar
	suffix     string
	inNotebook bool

	// Last values reported, used by the stats table.
	lastEpoch        train.EpochResult
	hasEpoch         bool
	stepStart        time.Time
	stepDurations    []time.Duration
	totalSteps       int
	skippedSteps     int64
	lastStepReported int64

	// lipgloss-based rich and asynchronous display for the command-line.
	termenv          *termenv.Output
	statsStyle       lipgloss.Style
	statsTable       *lgtable.Table
	isFirstOutput    bool
	numLinesPrinted  int
	updates          chan progressBarUpdate
	asyncUpdatesDone sync.WaitGroup

	extraMetricFns []ExtraMetricFn
}

type progressBarUpdate struct {
	amount int
	rows   [][2]string
}

// inNotebook returns whether running inside a Jupyter notebook, with a GoNB or a bash_kernel.
func inNotebook() bool {
	for _, env := range []string{"GONB_PIPE", "NOTEBOOK_BASH_KERNEL_CAPABILITIES"} {
		if _, found := os.LookupEnv(env); found {
			return true
		}
	}
	return false
}

// Write implements io.Writer, and appends the current suffix with metrics to each
// line. It is meant to be used as the default writer for the enclosed progressbar.ProgressBar.
// This ensures that the progress bar and its suffix are written in the same write operation;
// otherwise Jupyter Notebook may display things in different lines.
func (pBar *progressBar) Write(data []byte) (n int, err error) {
	n, err = pBar.out.Write(data)
	if err != nil {
		return n, err
	}
	_, err = pBar.out.Write([]byte(pBar.suffix))
	if err != nil {
		return 0, err
	}
	return
}

func (pBar *progressBar) onStart(loop *train.Loop) error {
	numEpochs := loop.Config.Epochs - loop.State.StartEpoch + 1
	pBar.totalSteps = max(numEpochs, 0) * loop.TrainBatches()
	pBar.lastStepReported = loop.State.Iteration
	pBar.bar = progressbar.NewOptions(pBar.totalSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar), // Required to work with Jupyter notebook.
	)
	return nil
}

func (pBar *progressBar) onEpochStart(_ *train.Loop, _ int) error {
	pBar.stepStart = time.Now()
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, step train.StepInfo) error {
	now := time.Now()
	if len(pBar.stepDurations) >= maxStepDurations {
		pBar.stepDurations = pBar.stepDurations[1:]
	}
	pBar.stepDurations = append(pBar.stepDurations, now.Sub(pBar.stepStart))
	pBar.stepStart = now
	if step.Skipped {
		pBar.skippedSteps++
	}
	if pBar.bar.IsFinished() {
		return nil
	}
	amount := int(step.Iteration - pBar.lastStepReported)
	if amount <= 0 {
		return nil
	}
	pBar.lastStepReported = step.Iteration

	rows := pBar.statsRows(loop, step)
	if pBar.inNotebook {
		// For notebooks set a suffix that will be written along with the progressbar in [progressBar.Write].
		parts := make([]string, 0, len(rows)+1)
		for _, row := range rows {
			parts = append(parts, fmt.Sprintf(" [%s=%s]", row[0], row[1]))
		}
		// Erase to an end-of-line escape sequence ("\033[J") not supported in Jupyter notebooks:
		parts = append(parts, "        ")
		pBar.suffix = strings.Join(parts, "")
		_ = pBar.bar.Add(amount) // Triggers print, see [pBar.Write] method.
		return nil
	}
	pBar.updates <- progressBarUpdate{amount: amount, rows: rows}
	return nil
}

func (pBar *progressBar) statsRows(loop *train.Loop, step train.StepInfo) [][2]string {
	rows := [][2]string{
		{"Epoch", fmt.Sprintf("%d of %d", step.Epoch, loop.Config.Epochs)},
		{"Batch", fmt.Sprintf("%s of %s", humanize.Comma(int64(step.Batch+1)), humanize.Comma(int64(step.NumBatches)))},
		{"Iteration", humanize.Comma(step.Iteration)},
		{"Median step duration", FormatDuration(medianDuration(pBar.stepDurations))},
		{"Batch loss", metrics.PrettyPrint(metrics.TrainLoss, step.Loss)},
		{"Learning rate", metrics.PrettyPrint(metrics.LearningRate, loop.LearningRate())},
	}
	if pBar.skippedSteps > 0 {
		rows = append(rows, [2]string{"Skipped steps", humanize.Comma(pBar.skippedSteps)})
	}
	if pBar.hasEpoch {
		rows = append(rows,
			[2]string{"Last val loss", metrics.PrettyPrint(metrics.ValLoss, pBar.lastEpoch.ValLoss)},
			[2]string{"Last val accuracy", metrics.PrettyPrint(metrics.ValAccuracy, pBar.lastEpoch.ValAccuracy)},
			[2]string{"Best val accuracy", metrics.PrettyPrint(metrics.ValAccuracy, loop.State.BestScore)})
	}
	for _, extraMetric := range pBar.extraMetricFns {
		name, value := extraMetric()
		rows = append(rows, [2]string{name, value})
	}
	return rows
}

func (pBar *progressBar) onEpochEnd(_ *train.Loop, result train.EpochResult) error {
	pBar.lastEpoch = result
	pBar.hasEpoch = true
	return nil
}

func (pBar *progressBar) onEnd(_ *train.Loop, _ *train.Result) error {
	pBar.close()
	return nil
}

func (pBar *progressBar) close() {
	if pBar.updates != nil {
		close(pBar.updates)
		pBar.updates = nil
	}
	pBar.asyncUpdatesDone.Wait()
	if pBar.termenv != nil {
		pBar.termenv.ShowCursor()
	}
	_, _ = fmt.Fprintln(pBar.out)
}

// drawUpdates asynchronously draws the updates: this is handy if the training is faster than the terminal,
// in particular if running on cloud, with a relatively slow network connection.
func (pBar *progressBar) drawUpdates(updates <-chan progressBarUpdate) {
	defer pBar.asyncUpdatesDone.Done()
	for update := range updates {
		// Exhaust the updates in the buffer:
		amount := update.amount
	exhaust:
		for {
			select {
			case newUpdate, ok := <-updates:
				if !ok {
					break exhaust
				}
				amount += newUpdate.amount
				update = newUpdate
			default:
				break exhaust
			}
		}

		pBar.statsTable.Data(lgtable.NewStringData())
		for _, row := range update.rows {
			pBar.statsTable.Row(row[0], row[1])
		}

		// Clear the previous lines that will be overwritten.
		pBar.termenv.HideCursor()
		if !pBar.isFirstOutput {
			pBar.termenv.CursorPrevLine(pBar.numLinesPrinted)
		}
		pBar.isFirstOutput = false
		rendered := pBar.statsStyle.Render(pBar.statsTable.String())
		pBar.numLinesPrinted = strings.Count(rendered, "\n") + 1 + 2
		_, _ = fmt.Fprintln(pBar.out, rendered)
		_ = pBar.bar.Add(amount) // Prints progress bar line.
		_, _ = fmt.Fprintln(pBar.out)
		pBar.termenv.ShowCursor()
		time.Sleep(maxUpdateFrequency)
	}
}

// AttachProgressBar creates a commandline progress bar and attaches it to the Loop, so that
// when the Loop is run, it will display a progress bar with the training progression and metrics.
//
// Only the main rank displays anything: on other ranks this is a no-op.
//
// Optionally, one can provide extraMetrics: functions that are called at every update of
// the progress bar and should return a name (title) and a value to be included in the
// updated print-out.
func AttachProgressBar(loop *train.Loop, extraMetrics ...ExtraMetricFn) {
	if !loop.Dist.IsMain() {
		return
	}
	attachProgressBar(loop, os.Stdout, inNotebook(), extraMetrics)
}

func attachProgressBar(loop *train.Loop, out io.Writer, notebook bool, extraMetrics []ExtraMetricFn) *progressBar {
	pBar := &progressBar{
		out:            out,
		inNotebook:     notebook,
		extraMetricFns: extraMetrics,
		stepStart:      time.Now(),
	}
	if !pBar.inNotebook {
		pBar.isFirstOutput = true
		pBar.suffix = "\033[J" // Erases spurious characters from previous prints.
		pBar.termenv = termenv.NewOutput(out)
		pBar.statsStyle = lipgloss.NewStyle().PaddingLeft(8)
		pBar.statsTable = lgtable.New().
			Border(lipgloss.RoundedBorder()).
			BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
			StyleFunc(func(row, col int) lipgloss.Style {
				if col == 0 {
					return rightAlignedStyle
				}
				return normalStyle
			})
		pBar.updates = make(chan progressBarUpdate, 100) // Large buffer so things are not blocked.
		pBar.asyncUpdatesDone.Add(1)
		go pBar.drawUpdates(pBar.updates)
	}
	loop.OnStart(ProgressBarName, 0, pBar.onStart)
	loop.OnEpochStart(ProgressBarName, 0, pBar.onEpochStart)
	loop.OnStep(ProgressBarName, 0, pBar.onStep)
	loop.OnEpochEnd(ProgressBarName, 0, pBar.onEpochEnd)
	loop.OnEnd(ProgressBarName, 0, pBar.onEnd)
	return pBar
}
