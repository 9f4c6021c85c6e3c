package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	flag "github.com/spf13/pflag"

	"github.com/zmirror/zmirror/internal/config"
	"github.com/zmirror/zmirror/internal/metricsfile"
	"github.com/zmirror/zmirror/internal/probe"
	"github.com/zmirror/zmirror/internal/report"
	"github.com/zmirror/zmirror/internal/version"
	"github.com/zmirror/zmirror/internal/zephyr"
	"github.com/zmirror/zmirror/internal/zulip"
)

// check-mirroring is a one-shot Nagios-style probe. Its exit status is
// the machine-readable result: 0 when every probe token was mirrored
// exactly once in both directions, 1 for anything else. The diagnostic
// report goes to stdout, logs to stderr.
func main() {
	opts, err := config.ParseOptions(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if opts.ShowVersion {
		fmt.Println(version.FullVersion())
		return
	}

	log := config.SetupLogging(opts).With("run_id", uuid.NewString())

	cfg, err := config.Load(opts)
	if err != nil {
		log.Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	dests := cfg.TestDestinations(opts.Sharded)
	log.Info("check-mirroring starting",
		"site", cfg.Zulip.Site,
		"destinations", len(dests),
		"sharded", opts.Sharded,
		"settle_wait", cfg.Probe.SettleWait,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start := time.Now()

	sess, err := zephyr.StartHelper(ctx, cfg.Zephyr.HelperPath, cfg.Probe.SendTimeout, log)
	if err != nil {
		log.Error("start zephyr helper failed", "path", cfg.Zephyr.HelperPath, "err", err)
		os.Exit(1)
	}

	driver := probe.New(cfg, dests,
		zulip.NewClient(cfg.Zulip, cfg.Probe.SendTimeout, log),
		sess,
		zephyr.NewCommandSender(cfg.Zephyr, cfg.Probe.SendTimeout, log),
		log)

	out, err := driver.Run(ctx)
	if err != nil {
		log.Error("probe aborted", "err", err)
		os.Exit(1)
	}

	ok := report.New(os.Stdout).Render(out)

	if opts.MetricsFile != "" {
		if err := metricsfile.Write(opts.MetricsFile, out, time.Since(start)); err != nil {
			log.Warn("write metrics file failed", "path", opts.MetricsFile, "err", err)
		}
	}

	if !ok {
		log.Error("mirroring check failed", "duration", time.Since(start))
		os.Exit(1)
	}
	log.Info("mirroring verified", "duration", time.Since(start))
}
