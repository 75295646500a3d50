package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/google/subcommands"

	"github.com/ehrlich-b/go-falcon/internal/config"
	"github.com/ehrlich-b/go-falcon/internal/engine"
	"github.com/ehrlich-b/go-falcon/internal/logging"
	"github.com/ehrlich-b/go-falcon/internal/mmio"
)

// regsCmd implements subcommands.Command for the "regs" command.
type regsCmd struct {
	aperture string
	offset   int64
}

// Name implements subcommands.Command.Name.
func (*regsCmd) Name() string { return "regs" }

// Synopsis implements subcommands.Command.Synopsis.
func (*regsCmd) Synopsis() string { return "dump queue head/tail registers" }

// Usage implements subcommands.Command.Usage.
func (*regsCmd) Usage() string {
	return `regs [-aperture path] [-offset n]

Maps the register aperture (e.g. /sys/bus/pci/devices/.../resource0) and
prints the head and tail register of every queue.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *regsCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.aperture, "aperture", "", "register aperture file (overrides the config)")
	f.Int64Var(&r.offset, "offset", -1, "aperture offset in bytes (overrides the config)")
}

// Execute implements subcommands.Command.Execute.
func (r *regsCmd) Execute(_ context.Context, f *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	cfg := args[0].(*config.Config)
	logger := args[1].(*logging.Logger)

	path, offset := cfg.Registers.Aperture, cfg.Registers.ApertureOffset
	if r.aperture != "" {
		path = r.aperture
	}
	if r.offset >= 0 {
		offset = r.offset
	}
	if path == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}

	layout := cfg.RegisterLayout()
	size := cfg.Registers.ApertureSize
	if end := int(layout.End()); size < end {
		size = end
	}

	ap, err := mmio.Open(path, offset, size)
	if err != nil {
		return fatalf(logger, "%v", err)
	}
	defer ap.Close()

	regs, err := engine.New(cfg.Falcon.ID, ap, layout, logger)
	if err != nil {
		return fatalf(logger, "engine: %v", err)
	}

	ptrs, err := regs.Dump()
	if err != nil {
		return fatalf(logger, "read registers: %v", err)
	}
	fmt.Printf("falcon %d (%s) via %s\n", cfg.Falcon.ID, cfg.Falcon.Name, ap)
	for _, p := range ptrs {
		fmt.Printf("%-6s head[0x%06x]=0x%08x tail[0x%06x]=0x%08x\n", p.Name, p.HeadReg, p.Head, p.TailReg, p.Tail)
	}
	return subcommands.ExitSuccess
}
