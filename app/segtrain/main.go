// Command segtrain trains, resumes and evaluates the liver segmentation
// models.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexflint/go-arg"
	"github.com/spf13/afero"
)

type trainCmd struct {
	Config       string  `arg:"positional" help:"YAML run configuration; defaults apply when omitted"`
	Epochs       int     `arg:"--epochs" help:"override training.num_epochs"`
	LearningRate float64 `arg:"--lr" help:"override training.learning_rate"`
	Continue     bool    `arg:"--continue" help:"resume a previous run"`
	LastEpoch    int     `arg:"--last-epoch" help:"epochs completed by the run being resumed"`
	Checkpoint   string  `arg:"--checkpoint" help:"checkpoint to resume from"`
}

type evaluateCmd struct {
	Config     string `arg:"positional" help:"YAML run configuration"`
	Checkpoint string `arg:"--checkpoint" help:"evaluate one checkpoint"`
	Dir        string `arg:"--dir" help:"evaluate every checkpoint in this directory"`
}

type statsCmd struct {
	Dirs    []string `arg:"positional,required" help:"dataset directories"`
	Workers int      `arg:"--workers" default:"4"`
}

type args struct {
	Train    *trainCmd    `arg:"subcommand:train" help:"train a model or continue a training"`
	Evaluate *evaluateCmd `arg:"subcommand:evaluate" help:"evaluate saved checkpoints on the validation set"`
	Stats    *statsCmd    `arg:"subcommand:stats" help:"print the channel statistics of a dataset"`
	LogLevel string       `arg:"--log-level" help:"debug, info, warn or error"`
}

func (args) Description() string {
	return "segtrain trains and evaluates liver segmentation models\n"
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, afero.NewOsFs(), a, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "segtrain: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, fs afero.Fs, a args, stdout, progress io.Writer) error {
	switch {
	case a.Train != nil:
		return runTrain(ctx, fs, a, progress)
	case a.Evaluate != nil:
		return runEvaluate(ctx, fs, a, progress)
	case a.Stats != nil:
		return runStats(fs, a.Stats, stdout)
	}
	return fmt.Errorf("no subcommand given")
}
