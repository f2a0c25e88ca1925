package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flaneur2020/asset-meta/assetmeta"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

func parseKinds(names []string) ([]segment.Kind, error) {
	var kinds []segment.Kind
	for _, name := range names {
		k, err := segment.ParseKind(name)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

func (a *app) hashCmd() *cobra.Command {
	var (
		exclude    []string
		boxOffsets bool
		mmap       bool
	)
	cmd := &cobra.Command{
		Use:   "hash <FILE>",
		Short: "Digest a file outside its excluded segments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kinds, err := parseKinds(exclude)
			if err != nil {
				return err
			}
			mode, err := a.exclusionMode()
			if err != nil {
				return err
			}
			opts := assetmeta.HashOptions{
				Algorithm: a.algorithm(),
				Exclude:   kinds,
				Mode:      mode,
				ChunkSize: a.chunkSize(),
			}
			if boxOffsets {
				opts.HashMode = segment.HashBoxOffsets
			}

			asset, err := a.open(args[0], mmap)
			if err != nil {
				return err
			}
			defer asset.Close()
			asset.SetProgress(a.progress(fmt.Sprintf("Hashing %s", args[0])))

			d, err := asset.Hash(opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), d)
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&exclude, "exclude", "e", []string{"jumbf"}, "segment kinds left out of the hash")
	cmd.Flags().BoolVar(&boxOffsets, "bmff-offsets", false, "hash top-level box offsets instead of bytes (ISO BMFF only)")
	cmd.Flags().BoolVar(&mmap, "mmap", false, "read the file through a memory map")
	return cmd
}
