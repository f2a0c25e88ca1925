package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/flaneur2020/asset-meta/assetmeta"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

func (a *app) patchCmd() *cobra.Command {
	var (
		kind    string
		payload string
	)
	cmd := &cobra.Command{
		Use:   "patch <FILE>",
		Short: "Overwrite a reserved payload in place",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if payload == "" {
				return fmt.Errorf("--payload is required")
			}
			k, err := segment.ParseKind(kind)
			if err != nil {
				return err
			}
			data, err := os.ReadFile(payload)
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}

			asset, err := a.open(args[0], false)
			if err != nil {
				return err
			}
			s := asset.Structure()
			if err := asset.Close(); err != nil {
				return err
			}

			n, err := assetmeta.PatchFile(args[0], s, k, data)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Patched %s of %s into %s (%s reserved)\n",
				humanize.IBytes(uint64(len(data))), k, args[0], humanize.IBytes(uint64(n)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "jumbf", "payload kind to patch: jumbf or xmp")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "file holding the new payload")
	return cmd
}
