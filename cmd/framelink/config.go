package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/framelink/internal/config"
	"github.com/danmuck/framelink/internal/protocol/frame"
	"github.com/danmuck/framelink/internal/protocol/payload"
	"github.com/danmuck/framelink/internal/transport"
	"github.com/spf13/pflag"
)

// framelink command line; every flag the user sets overrides the config file.
type options struct {
	flags *pflag.FlagSet

	configPath string
	port       string
	baud       int
	tcpAddr    string
	udpAddr    string
	localAddr  string
	statusAddr string
	format     string
	stuffing   string
	interval   time.Duration
	noPublish  bool
	verbose    bool
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := pflag.NewFlagSet("framelink", pflag.ContinueOnError)
	fs.StringVarP(&opts.configPath, "config", "c", "", "path to a framelink config.toml")
	fs.IntVarP(&opts.baud, "baud", "b", 115200, "serial baud rate")
	fs.StringVar(&opts.tcpAddr, "tcp", "", "remote host:port, use tcp instead of serial")
	fs.StringVar(&opts.udpAddr, "udp", "", "remote host:port, use udp instead of serial")
	fs.StringVar(&opts.localAddr, "local", "", "local udp address replies arrive on, e.g. :54321")
	fs.StringVar(&opts.statusAddr, "status", "", "status server listen address, e.g. 127.0.0.1:9400")
	fs.StringVar(&opts.format, "format", "", "payload format: "+strings.Join(payload.Names(), "|"))
	fs.StringVar(&opts.stuffing, "stuffing", "", "frame layout: cobs|none")
	fs.DurationVar(&opts.interval, "interval", 100*time.Millisecond, "demo publish period")
	fs.BoolVar(&opts.noPublish, "no-publish", false, "only listen, never publish demo data")
	fs.BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging with hex dumps")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: framelink [flags] [serial-port]\n\n%s", fs.FlagUsages())
	}

	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	switch fs.NArg() {
	case 0:
	case 1:
		opts.port = fs.Arg(0)
	default:
		return options{}, fmt.Errorf("unexpected argument: %s", fs.Arg(1))
	}
	if opts.tcpAddr != "" && opts.udpAddr != "" {
		return options{}, fmt.Errorf("--tcp and --udp are mutually exclusive")
	}
	opts.flags = fs
	return opts, nil
}

func (o options) changed(name string) bool {
	return o.flags != nil && o.flags.Changed(name)
}

// resolveConfig loads the config file when given and applies flag overrides on top.
func resolveConfig(opts options) (config.Config, error) {
	cfg := config.Default()
	if path := strings.TrimSpace(opts.configPath); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}

	switch {
	case opts.tcpAddr != "":
		cfg.Link.Kind = transport.KindTCP
		cfg.Link.Address = opts.tcpAddr
	case opts.udpAddr != "":
		cfg.Link.Kind = transport.KindUDP
		cfg.Link.Address = opts.udpAddr
	case opts.port != "":
		cfg.Link.Kind = transport.KindSerial
		cfg.Link.Port = opts.port
	}
	if opts.changed("baud") {
		cfg.Link.BaudRate = opts.baud
	}
	if opts.changed("local") {
		cfg.Link.ListenAddr = opts.localAddr
	}
	if opts.changed("status") {
		cfg.Status.Addr = opts.statusAddr
	}
	if opts.changed("format") {
		cfg.Payload.Format = opts.format
	}
	if opts.changed("stuffing") {
		s, err := frame.ParseStuffing(opts.stuffing)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Framing.Stuffing = s
	}
	if opts.changed("interval") {
		cfg.Publish.Interval = opts.interval
	}
	if opts.noPublish {
		cfg.Publish.Enabled = false
	}
	if opts.verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Link.Validate(); err != nil {
		if cfg.Link.Kind == transport.KindSerial && cfg.Link.Port == "" {
			return config.Config{}, fmt.Errorf("specify a serial port as the first argument, or use --tcp/--udp")
		}
		return config.Config{}, err
	}
	return cfg, nil
}
