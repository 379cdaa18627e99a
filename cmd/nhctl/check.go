package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/k2io/plthook"
	"github.com/k2io/plthook/internal/config"
)

var errCheckFailed = errors.New("some hooks cannot be applied")

type Check struct {
	logger *zap.Logger
	fs     afero.Fs
}

func NewCmdCheck(logger *zap.Logger, fs afero.Fs) *Check {
	return &Check{logger: logger, fs: fs}
}

type checkEntry struct {
	sym      string
	optional bool
}

func (c *Check) GetCmd() *cobra.Command {
	var manifest, lib string
	cmd := &cobra.Command{
		Use:   "check --lib path/to/lib.so [--manifest mod.yaml] [sym...]",
		Short: "check that symbols can be hooked in a shared object",
		RunE: func(cmd *cobra.Command, args []string) error {
			if lib == "" {
				return errors.New("--lib is required")
			}
			var entries []checkEntry
			if manifest != "" {
				m, err := config.Load(c.fs, manifest)
				if err != nil {
					return err
				}
				for _, h := range m.HooksFor(lib) {
					entries = append(entries, checkEntry{sym: h.Sym, optional: h.Optional})
				}
				c.logger.Debug("loaded manifest", zap.String("mod", m.Name), zap.Int("hooks", len(entries)))
			}
			for _, sym := range args {
				entries = append(entries, checkEntry{sym: sym})
			}
			if len(entries) == 0 {
				return errors.New("nothing to check, pass --manifest or symbol names")
			}
			return c.check(cmd.OutOrStdout(), lib, entries)
		},
	}
	cmd.Flags().StringVarP(&manifest, "manifest", "m", "", "mod manifest whose hooks are checked")
	cmd.Flags().StringVarP(&lib, "lib", "l", "", "shared object the hooks target")
	return cmd
}

func (c *Check) check(out io.Writer, lib string, entries []checkEntry) error {
	obj, err := plthook.GetImports(lib)
	if err != nil {
		return err
	}
	c.logger.Debug("read imports", zap.String("lib", lib), zap.Int("imports", len(obj.Imports)), zap.Int("foreign", len(obj.Foreign)))

	ok := color.New(color.FgGreen).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()
	fail := color.New(color.FgRed).SprintFunc()

	failed := 0
	for _, e := range entries {
		imp, err := plthook.CheckImport(obj, e.sym)
		switch {
		case err == nil:
			fmt.Fprintf(out, "%s %s slot=%#x stub=%#x\n", ok("OK  "), e.sym, imp.Slot, imp.Stub)
		case e.optional:
			fmt.Fprintf(out, "%s %s (optional): %v\n", warn("SKIP"), e.sym, err)
		default:
			failed++
			fmt.Fprintf(out, "%s %s: %v\n", fail("FAIL"), e.sym, err)
		}
	}
	if failed != 0 {
		return fmt.Errorf("%w: %d of %d", errCheckFailed, failed, len(entries))
	}
	return nil
}
