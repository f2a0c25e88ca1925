package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

func (a *app) extractCmd() *cobra.Command {
	var (
		kind   string
		output string
	)
	cmd := &cobra.Command{
		Use:   "extract <FILE>",
		Short: "Write the XMP packet, first manifest or EXIF preview of a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asset, err := a.open(args[0], false)
			if err != nil {
				return err
			}
			defer asset.Close()

			var data []byte
			if kind == "thumbnail" {
				data, err = asset.Thumbnail()
				if err != nil {
					return err
				}
				return writeOutput(cmd, output, data)
			}

			k, err := segment.ParseKind(kind)
			if err != nil {
				return err
			}
			switch k {
			case segment.KindXMP:
				data, err = asset.XMP()
			case segment.KindJUMBF:
				data, err = asset.JUMBF()
			default:
				return fmt.Errorf("cannot extract %s segments", k)
			}
			if err != nil {
				return err
			}
			return writeOutput(cmd, output, data)
		},
	}
	cmd.Flags().StringVarP(&kind, "kind", "k", "xmp", "payload to extract: xmp, jumbf or thumbnail")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func writeOutput(cmd *cobra.Command, output string, data []byte) error {
	if output == "" || output == "-" {
		_, err := cmd.OutOrStdout().Write(data)
		return err
	}
	return os.WriteFile(output, data, 0o644)
}
