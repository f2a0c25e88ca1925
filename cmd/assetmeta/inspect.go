package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

// report is the inspect output for one file.
type report struct {
	Path      string             `json:"path" yaml:"path"`
	Structure *segment.Structure `json:"structure" yaml:"structure"`
	XMPSize   int                `json:"xmp_size" yaml:"xmp_size"`
	Manifests int                `json:"manifests" yaml:"manifests"`
}

func (a *app) inspectCmd() *cobra.Command {
	var (
		output string
		mmap   bool
	)
	cmd := &cobra.Command{
		Use:   "inspect <FILE>...",
		Short: "Show the segment layout of one or more files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reports, err := a.inspect(cmd.Context(), args, mmap)
			if err != nil {
				return err
			}
			return printReports(cmd.OutOrStdout(), output, reports)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, yaml or json")
	cmd.Flags().BoolVar(&mmap, "mmap", false, "read files through a memory map")
	return cmd
}

// inspect parses every path concurrently; reports keep argument order.
func (a *app) inspect(ctx context.Context, paths []string, mmap bool) ([]*report, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	reports := make([]*report, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for i, path := range paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			asset, err := a.open(path, mmap)
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			defer asset.Close()

			r := &report{
				Path:      path,
				Structure: asset.Structure(),
				Manifests: len(asset.Structure().JUMBFIndices()),
			}
			if xmp, err := asset.XMP(); err == nil {
				r.XMPSize = len(xmp)
			}
			reports[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func printReports(w io.Writer, format string, reports []*report) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(reports)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(reports)
	case "text", "":
		for _, r := range reports {
			printText(w, r)
		}
		return nil
	}
	return fmt.Errorf("unknown output format: %q", format)
}

func printText(w io.Writer, r *report) {
	s := r.Structure
	fmt.Fprintf(w, "%s: %s (%s), %s\n", r.Path, s.MediaType, s.Container, humanize.IBytes(s.TotalSize))
	if r.XMPSize > 0 {
		fmt.Fprintf(w, "  xmp: %s\n", humanize.IBytes(uint64(r.XMPSize)))
	}
	if r.Manifests > 0 {
		fmt.Fprintf(w, "  manifests: %d\n", r.Manifests)
	}
	if th, ok := r.Structure.Thumbnail(); ok {
		fmt.Fprintf(w, "  thumbnail: %s at offset %d\n", humanize.IBytes(th.Range.Size), th.Range.Offset)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  #\tKIND\tLABEL\tOFFSET\tSIZE\tPAYLOAD")
	for i, seg := range s.Segments {
		span := seg.Span()
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%d\t%s\t%s\n",
			i, seg.Kind, seg.Label, span.Offset, humanize.IBytes(span.Size), humanize.IBytes(seg.PayloadSize()))
	}
	tw.Flush()
}
