// Command falcon-sim drives falcon command queues against an emulated
// falcon, prints queue layouts and dumps queue registers of a mapped
// register aperture.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"

	"github.com/ehrlich-b/go-falcon/internal/config"
	"github.com/ehrlich-b/go-falcon/internal/logging"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(new(runCmd), "")
	subcommands.Register(new(layoutCmd), "")
	subcommands.Register(new(regsCmd), "")

	var (
		configPath = flag.String("config", "", "falcon description (TOML); defaults to the PMU layout")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(int(subcommands.ExitFailure))
		}
	}

	logConfig := cfg.LoggerConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status := subcommands.Execute(ctx, cfg, logger)
	stop()
	logger.Close()
	os.Exit(int(status))
}

// fatalf reports a command failure
func fatalf(logger *logging.Logger, format string, args ...any) subcommands.ExitStatus {
	msg := fmt.Sprintf(format, args...)
	logger.Error(msg)
	fmt.Fprintln(os.Stderr, msg)
	return subcommands.ExitFailure
}
