package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/NodePath81/fbpace/internal/app"
	"github.com/NodePath81/fbpace/internal/config"
	"github.com/NodePath81/fbpace/internal/util"
	"github.com/NodePath81/fbpace/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "run":
			runCmd := flag.NewFlagSet("run", flag.ExitOnError)
			configPath := runCmd.String("config", "config.yaml", "Path to config file")
			_ = runCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && runCmd.NArg() > 0 {
				*configPath = runCmd.Arg(0)
			}
			cfg, err := config.LoadConfig(*configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
				os.Exit(1)
			}
			os.Exit(run(cfg, app.FileLoader(*configPath)))
		case "check":
			checkCmd := flag.NewFlagSet("check", flag.ExitOnError)
			configPath := checkCmd.String("config", "config.yaml", "Path to config file")
			_ = checkCmd.Parse(os.Args[2:])
			if *configPath == "config.yaml" && checkCmd.NArg() > 0 {
				*configPath = checkCmd.Arg(0)
			}
			checkConfig(*configPath)
			return
		case config.ModeListen, config.ModeConnect:
			cfg, err := quickConfig(os.Args[1], os.Args[2:])
			if err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				os.Exit(2)
			}
			os.Exit(run(cfg, app.StaticLoader(cfg)))
		case "help", "-h", "--help":
			printHelp()
			return
		case "version", "-v", "--version":
			fmt.Println(version.Version)
			return
		}
	}

	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()
	if *configPath == "config.yaml" && len(flag.Args()) > 0 {
		*configPath = flag.Arg(0)
	}
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	os.Exit(run(cfg, app.FileLoader(*configPath)))
}

// quickConfig builds a configuration from command line flags alone.
func quickConfig(mode string, args []string) (config.Config, error) {
	cfg := config.Default()
	cfg.Mode = mode

	fs := flag.NewFlagSet(mode, flag.ContinueOnError)
	fs.StringVar(&cfg.Rate, "rate", cfg.Rate, "Aggregate rate, e.g. 100m or 1g (0 = unlimited)")
	fs.StringVar(&cfg.Direction, "direction", cfg.Direction, "send or receive")
	fs.StringVar(&cfg.Transfer.Method, "method", cfg.Transfer.Method, "Bulk send method: auto, sendfile or copy")
	fs.IntVar(&cfg.Transfer.DSCP, "dscp", cfg.Transfer.DSCP, "DSCP value for data sockets")
	fs.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "debug, info, warn or error")
	fs.StringVar(&cfg.Logging.Format, "log-format", cfg.Logging.Format, "text or json")
	if mode == config.ModeListen {
		fs.StringVar(&cfg.Listen.BindAddr, "bind", cfg.Listen.BindAddr, "Address to listen on")
		fs.IntVar(&cfg.Listen.BindPort, "port", cfg.Listen.BindPort, "Port to listen on")
		fs.IntVar(&cfg.Listen.MaxConnections, "max-connections", cfg.Listen.MaxConnections, "Concurrent connection limit")
		fs.BoolVar(&cfg.Listen.ReusePort, "reuse-port", cfg.Listen.ReusePort, "Bind with SO_REUSEPORT")
	} else {
		fs.StringVar(&cfg.Connect.Host, "host", cfg.Connect.Host, "Peer host")
		fs.IntVar(&cfg.Connect.Port, "port", cfg.Connect.Port, "Peer port")
		fs.IntVar(&cfg.Connect.Connections, "connections", cfg.Connect.Connections, "Parallel connections")
	}
	if err := fs.Parse(args); err != nil {
		return config.Config{}, err
	}
	if mode == config.ModeConnect && cfg.Connect.Host == "" && fs.NArg() > 0 {
		cfg.Connect.Host = fs.Arg(0)
	}
	if err := cfg.Normalize(); err != nil {
		return config.Config{}, fmt.Errorf("invalid arguments: %w", err)
	}
	return cfg, nil
}

func run(cfg config.Config, load app.Loader) int {
	logger, err := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	supervisor := app.NewSupervisor(load, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutdown requested")
		supervisor.Stop()
		return 0
	case <-supervisor.Done():
		supervisor.Stop()
		if err := supervisor.Err(); err != nil {
			return 1
		}
		return 0
	}
}

func checkConfig(path string) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	rate := "unlimited"
	if cfg.RateBits > 0 {
		rate = util.FormatBitsPerSecond(float64(cfg.RateBits))
	}
	fmt.Printf("config valid: %s %s at %s\n", cfg.Mode, cfg.Direction, rate)
	os.Exit(0)
}

func printHelp() {
	fmt.Print(`fbpace - rate-limited TCP throughput generator

Usage:
  fbpace run --config <path>       Start from a config file
  fbpace check --config <path>     Validate config file
  fbpace listen [flags]            Accept connections (-port, -bind, -rate, -direction)
  fbpace connect [flags] <host>    Dial a peer (-port, -connections, -rate, -direction)
  fbpace help                      Show this help
  fbpace version                   Print version

Legacy:
  fbpace --config <path>
  fbpace <config-path>
`)
}
