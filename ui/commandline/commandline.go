// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI training tools for the command line.
package commandline

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/imgtrain/pkg/ml/train"
	"github.com/gomlx/imgtrain/pkg/ml/train/metrics"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	bestStyle   = lipgloss.NewStyle().Bold(true).Padding(0, 1)
)

// SummaryTable renders the per-epoch history of a run, or the evaluation results of an evaluate-only run,
// as a table.
func SummaryTable(result *train.Result) string {
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor)))
	if result.Evaluation != nil {
		eval := result.Evaluation
		table.StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
		table.Row("Weights", eval.WeightsPath)
		table.Row("Examples", humanize.Comma(int64(eval.NumExamples)))
		table.Row("Loss", metrics.PrettyPrint(metrics.ValLoss, eval.Loss))
		table.Row("Accuracy", metrics.PrettyPrint(metrics.ValAccuracy, eval.Accuracy))
		return table.String()
	}

	table.Headers("Epoch", "Train loss", "Val loss", "Val accuracy", "LR", "Elapsed")
	for _, epoch := range result.History {
		accuracy := metrics.PrettyPrint(metrics.ValAccuracy, epoch.ValAccuracy)
		if epoch.IsBest {
			accuracy += " *"
		}
		table.Row(
			strconv.Itoa(epoch.Epoch),
			metrics.PrettyPrint(metrics.TrainLoss, epoch.TrainLoss),
			metrics.PrettyPrint(metrics.ValLoss, epoch.ValLoss),
			accuracy,
			metrics.PrettyPrint(metrics.LearningRate, epoch.LearningRate),
			FormatDuration(epoch.Elapsed))
	}
	table.StyleFunc(func(row, col int) lipgloss.Style {
		if row == lgtable.HeaderRow {
			return headerStyle
		}
		if row >= 0 && row < len(result.History) && result.History[row].IsBest {
			return bestStyle.Align(lipgloss.Right)
		}
		return rightAlignedStyle
	})
	return table.String()
}

// ReportResult prints the summary table of a run, followed by the best score, the elapsed time and the number
// of skipped steps, if any.
func ReportResult(w io.Writer, result *train.Result) {
	_, _ = fmt.Fprintln(w, SummaryTable(result))
	if result.Evaluation != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "Best validation accuracy: %s\n", metrics.PrettyPrint(metrics.ValAccuracy, result.State.BestScore))
	_, _ = fmt.Fprintf(w, "Elapsed time: %s\n", FormatElapsed(result.Elapsed))
	if result.State.SkippedSteps > 0 {
		_, _ = fmt.Fprintf(w, "Skipped steps (non-finite loss): %s\n", humanize.Comma(result.State.SkippedSteps))
	}
}
