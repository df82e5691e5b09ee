package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/pkg/profile"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"turbofish/kernel/kfmt"
)

const (
	usage = `kernel memory allocator simulator

memsim boots the physical frame allocator for a simulated machine and then
drives a randomized allocation workload against the kernel heap, verifying
that no live allocation is ever corrupted.`
)

// Populated at build time.
var version string

func main() {
	app := cli.NewApp()
	app.Name = "memsim"
	app.Usage = usage
	app.Version = version

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "log, l",
			Value: "",
			Usage: "log file path or empty string for stderr output (default: \"\")",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "log categories to include (debug, info, warning, error, fatal)",
		},
		cli.StringFlag{
			Name:  "log-format",
			Value: "text",
			Usage: "log format; must be json or text (default = text)",
		},
		cli.StringFlag{
			Name:  "config, c",
			Value: "",
			Usage: "TOML workload file; flags override values read from it",
		},
		cli.Int64Flag{
			Name:  "seed",
			Usage: "random seed for the workload",
		},
		cli.IntFlag{
			Name:  "ops",
			Usage: "number of allocation/free operations to perform",
		},
		cli.Uint64Flag{
			Name:  "arena",
			Usage: "heap address space size in megabytes",
		},
		cli.BoolFlag{
			Name:   "cpu-profiling",
			Usage:  "enable cpu-profiling data collection",
			Hidden: true,
		},
		cli.BoolFlag{
			Name:   "memory-profiling",
			Usage:  "enable memory-profiling data collection",
			Hidden: true,
		},
	}

	app.Before = func(ctx *cli.Context) error {
		if path := ctx.GlobalString("log"); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND|os.O_SYNC, 0666)
			if err != nil {
				return err
			}
			logrus.SetOutput(f)
		} else {
			logrus.SetOutput(os.Stderr)
		}

		if logFormat := ctx.GlobalString("log-format"); logFormat == "json" {
			logrus.SetFormatter(&logrus.JSONFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
			})
		} else {
			logrus.SetFormatter(&logrus.TextFormatter{
				TimestampFormat: "2006-01-02 15:04:05",
				FullTimestamp:   true,
			})
		}

		level, err := logrus.ParseLevel(ctx.GlobalString("log-level"))
		if err != nil {
			return errors.Wrap(err, "log-level option not recognized")
		}
		logrus.SetLevel(level)

		// Kernel modules log through kfmt; route them to the same sink.
		kfmt.SetFormatter(logrus.StandardLogger().Formatter)
		kfmt.SetLevel(level)
		kfmt.SetOutputSink(logrus.StandardLogger().Out)

		return nil
	}

	app.Action = func(ctx *cli.Context) error {
		prof, err := runProfiler(ctx)
		if err != nil {
			return err
		}
		if prof != nil {
			defer prof.Stop()
		}

		w, err := workloadFromContext(ctx)
		if err != nil {
			return err
		}

		frames, err := bootKernel(w.ArenaMb + 4)
		if err != nil {
			return err
		}
		logrus.WithFields(logrus.Fields{
			"total": frames.TotalFrames,
			"free":  frames.FreeFrames,
		}).Info("frame allocator online")

		sim, err := NewSimulator(w)
		if err != nil {
			return err
		}

		report, err := sim.Run()
		if err != nil {
			return err
		}

		printReport(report)
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}

// workloadFromContext builds the workload from the optional config file and
// any explicitly set flags.
func workloadFromContext(ctx *cli.Context) (Workload, error) {
	w := DefaultWorkload()
	if path := ctx.String("config"); path != "" {
		var err error
		if w, err = LoadWorkload(path); err != nil {
			return w, err
		}
	}

	if ctx.IsSet("seed") {
		w.Seed = ctx.Int64("seed")
	}
	if ctx.IsSet("ops") {
		w.Ops = ctx.Int("ops")
	}
	if ctx.IsSet("arena") {
		w.ArenaMb = ctx.Uint64("arena")
	}

	return w, w.Validate()
}

func printReport(r Report) {
	fmt.Printf("memsim run %s\n"+
		"\tallocs: \t%d\n"+
		"\tfrees: \t\t%d\n"+
		"\treallocs: \t%d\n"+
		"\tfailures: \t%d\n"+
		"\tpeak live: \t%d bytes\n"+
		"\tpeak mapped: \t%d bytes\n"+
		"\tfree pages: \t%d/%d\n",
		r.RunID, r.Allocs, r.Frees, r.Reallocs, r.Failures, r.PeakLiveBytes, uint64(r.PeakMapped), r.FreePages, r.TotalPages)
}

// Run cpu / memory profiling collection.
func runProfiler(ctx *cli.Context) (interface{ Stop() }, error) {
	cpuProfOn := ctx.Bool("cpu-profiling")
	memProfOn := ctx.Bool("memory-profiling")

	if cpuProfOn && memProfOn {
		return nil, errors.New("unsupported parameter combination: cpu and memory profiling")
	}

	switch {
	case cpuProfOn:
		logrus.Info("Initiated cpu-profiling data collection.")
		return profile.Start(profile.CPUProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	case memProfOn:
		logrus.Info("Initiated memory-profiling data collection.")
		return profile.Start(profile.MemProfile, profile.ProfilePath("."), profile.NoShutdownHook), nil
	}

	return nil, nil
}
