package main

import (
	"errors"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/k2io/plthook"
)

type Restore struct {
	logger *zap.Logger
	fs     afero.Fs
}

func NewCmdRestore(logger *zap.Logger, fs afero.Fs) *Restore {
	return &Restore{logger: logger, fs: fs}
}

func (r *Restore) GetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore path/to/mod.so...",
		Short: "move failsafe files left by a crashed mod back in place",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return errors.New("missing mod path")
			}
			for _, path := range args {
				moved, err := plthook.RestoreFailsafe(r.fs, path)
				if err != nil {
					return err
				}
				if moved {
					r.logger.Info("restored", zap.String("path", path))
				} else {
					r.logger.Info("nothing to restore", zap.String("path", path))
				}
			}
			return nil
		},
	}
}
