package config

import (
	"errors"
	"fmt"
	"time"

	flag "github.com/spf13/pflag"
)

// Options is the command-line surface of the probe. The YAML site config
// carries per-deployment settings; Options carries per-invocation mode
// switches and overrides.
type Options struct {
	Verbose     bool
	Site        string        // Zulip base URL, overrides zulip.site
	Sharded     string        // shard tags to probe, empty means the plain set
	ConfigPath  string        // YAML site config, empty means built-in defaults
	MetricsFile string        // Prometheus textfile output, empty disables it
	SettleWait  time.Duration // overrides probe.settle_wait when positive
	ShowVersion bool
}

// ParseOptions parses argv-style arguments, not including the program
// name. Flag errors and stray positional arguments are returned to the
// caller rather than terminating the process, which keeps the parser
// testable.
func ParseOptions(args []string) (Options, error) {
	var opts Options

	fs := flag.NewFlagSet("check-mirroring", flag.ContinueOnError)
	fs.SortFlags = false
	fs.BoolVarP(&opts.Verbose, "verbose", "v", false, "log at debug level")
	fs.StringVarP(&opts.Site, "site", "s", "", "Zulip base URL, overrides zulip.site from the config file")
	fs.StringVar(&opts.Sharded, "sharded", "", "probe the sharded destinations carrying these shard tags")
	fs.StringVarP(&opts.ConfigPath, "config", "c", "", "path to the YAML site config")
	fs.StringVar(&opts.MetricsFile, "metrics-file", "", "write the probe outcome in Prometheus textfile format to this path")
	fs.DurationVar(&opts.SettleWait, "settle-wait", 0, "override the post-send settle interval")
	fs.BoolVar(&opts.ShowVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}
	if opts.SettleWait < 0 {
		return opts, errors.New("settle-wait must not be negative")
	}
	return opts, nil
}
