package main

import (
	"fmt"
	"io"
	"math/bits"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/kr/pretty"
	"github.com/spf13/cobra"

	"regionpack.ai/internal/format"
)

type recordSummary struct {
	Index    int
	X, Z     int
	Sections []int
	Bytes    int
}

func newInspectCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "inspect <file.bin>...",
		Short: "Validate packed files and print their layout",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			for _, path := range args {
				if err := inspect(cmd.OutOrStdout(), path, verbose); err != nil {
					return fmt.Errorf("%s: %w", filepath.Base(path), err)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "dump every chunk record")
	return cmd
}

func inspect(w io.Writer, path string, verbose bool) error {
	f, err := format.ReadFile(path)
	if err != nil {
		return err
	}
	sections := 0
	for _, r := range f.Records {
		sections += bits.OnesCount16(r.SectionMask)
	}
	fmt.Fprintf(w, "%s: %d chunks, %d sections, %s\n",
		filepath.Base(path), len(f.Records), sections, humanize.Bytes(uint64(f.Size())))
	if !verbose {
		return nil
	}
	for _, r := range f.Records {
		s := recordSummary{
			Index:    r.Index,
			X:        r.X(),
			Z:        r.Z(),
			Sections: r.Sections(),
			Bytes:    format.RecordSize(r.SectionMask),
		}
		fmt.Fprintf(w, "%# v\n", pretty.Formatter(s))
	}
	return nil
}
