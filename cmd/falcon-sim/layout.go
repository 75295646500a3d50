package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/BurntSushi/toml"
	"github.com/google/subcommands"

	"github.com/ehrlich-b/go-falcon/internal/config"
	"github.com/ehrlich-b/go-falcon/internal/logging"
)

// layoutCmd implements subcommands.Command for the "layout" command.
type layoutCmd struct {
	format string
}

// Name implements subcommands.Command.Name.
func (*layoutCmd) Name() string { return "layout" }

// Synopsis implements subcommands.Command.Synopsis.
func (*layoutCmd) Synopsis() string { return "print the effective queue layout" }

// Usage implements subcommands.Command.Usage.
func (*layoutCmd) Usage() string { return "layout [-format text|toml]\n" }

// SetFlags implements subcommands.Command.SetFlags.
func (l *layoutCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&l.format, "format", "text", "output format: text or toml")
}

// Execute implements subcommands.Command.Execute.
func (l *layoutCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg := args[0].(*config.Config)
	logger := args[1].(*logging.Logger)

	switch l.format {
	case "toml":
		if err := toml.NewEncoder(os.Stdout).Encode(cfg); err != nil {
			return fatalf(logger, "encode: %v", err)
		}
		return subcommands.ExitSuccess
	case "text":
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}

	layout, err := cfg.Layout()
	if err != nil {
		return fatalf(logger, "layout: %v", err)
	}

	fmt.Printf("falcon %d (%s)\n\n", cfg.Falcon.ID, cfg.Falcon.Name)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tINDEX\tDIR\tTYPE\tOFFSET\tSIZE\tELEMENT")
	for _, s := range layout.All() {
		off, elem := fmt.Sprintf("0x%x", s.Offset), "-"
		if s.ElementSize != 0 {
			off, elem = fmt.Sprintf("fb+0x%x", s.FBOffset), fmt.Sprintf("0x%x", s.ElementSize)
		}
		fmt.Fprintf(tw, "%d\t%d\t%s\t%s\t%s\t0x%x\t%s\n", s.ID, s.Index, s.Direction, s.Type, off, s.Size, elem)
	}
	if err := tw.Flush(); err != nil {
		return fatalf(logger, "write: %v", err)
	}
	return subcommands.ExitSuccess
}
