package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kon-rad/tviz"
	"github.com/kon-rad/tviz/internal/logparse"
	"github.com/kon-rad/tviz/internal/push"
)

var (
	importName     string
	importType     string
	importModality string
	importRemote   string
	importFollow   bool
	importPoll     time.Duration
)

// importTarget is a run the importer writes steps into.
type importTarget interface {
	logparse.StepSink
	RunID() string
	URL() string
	Close(ctx context.Context) error
}

type localTarget struct{ *tviz.Logger }

func (t localTarget) Close(context.Context) error { return t.Logger.Close() }

type remoteTarget struct{ run *push.Run }

func (t remoteTarget) LogMetrics(ctx context.Context, metrics map[string]float64, step int64) error {
	return t.run.LogMetrics(ctx, metrics, step)
}

func (t remoteTarget) RunID() string { return t.run.ID }

func (t remoteTarget) URL() string { return t.run.URL }

func (t remoteTarget) Close(ctx context.Context) error { return t.run.Close(ctx) }

var importCmd = &cobra.Command{
	Use:   "import <metrics.jsonl>",
	Short: "Import step metrics from a JSON-lines log",
	Long: "Reads one JSON object per line, each with an integer \"step\", and records the numeric fields as step metrics.\n" +
		"Writes to the local store unless --remote points at a tviz server.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		path := args[0]
		modality, err := tviz.ParseModality(importModality)
		if err != nil {
			return err
		}
		name := importName
		if name == "" {
			name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}

		ctx := cmd.Context()
		if importFollow {
			var stop context.CancelFunc
			ctx, stop = signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
		}

		target, err := openImportTarget(ctx, name, modality)
		if err != nil {
			return err
		}
		defer func() {
			if cerr := target.Close(context.Background()); cerr != nil && err == nil {
				err = cerr
			}
		}()

		logger := slog.Default().With("run_id", target.RunID(), "path", path)
		parser := logparse.New(path, importPoll, target, logger)
		var res logparse.Result
		if importFollow {
			logger.Info("Following metrics log")
			res, err = parser.Run(ctx)
		} else {
			res, err = parser.ReadAll(ctx)
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Imported %d steps (%d lines skipped) into run %s\n%s\n",
			res.Steps, res.Skipped, target.RunID(), target.URL())
		return nil
	},
}

func openImportTarget(ctx context.Context, name string, modality tviz.Modality) (importTarget, error) {
	if importRemote != "" {
		run, err := push.New(importRemote).CreateRun(ctx, push.RunOptions{
			Name:     name,
			Type:     importType,
			Modality: modality,
		})
		if err != nil {
			return nil, err
		}
		return remoteTarget{run}, nil
	}

	l, err := tviz.New(tviz.Options{
		DBPath:       cfg.DBPath,
		RunName:      name,
		RunType:      importType,
		Modality:     modality,
		DashboardURL: cfg.DashboardURL,
	})
	if err != nil {
		return nil, err
	}
	return localTarget{l}, nil
}

func init() {
	importCmd.Flags().StringVar(&importName, "name", "", "run name (default: file name)")
	importCmd.Flags().StringVar(&importType, "type", tviz.DefaultRunType, "run type tag")
	importCmd.Flags().StringVar(&importModality, "modality", string(tviz.ModalityText), "text or vision")
	importCmd.Flags().StringVar(&importRemote, "remote", "", "tviz server base URL, e.g. http://host:8787")
	importCmd.Flags().BoolVar(&importFollow, "follow", false, "keep reading appended lines until interrupted")
	importCmd.Flags().DurationVar(&importPoll, "poll", time.Second, "poll interval with --follow")
	rootCmd.AddCommand(importCmd)
}
