package main

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/flaneur2020/asset-meta/assetmeta/datahash"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

type writeFlags struct {
	xmp            string
	manifest       string
	removeXMP      bool
	removeManifest bool
}

// updates turns the flags into an Updates value.
func (f *writeFlags) updates() (segment.Updates, error) {
	u := segment.KeepAll()
	if f.xmp != "" && f.removeXMP {
		return u, fmt.Errorf("--xmp and --remove-xmp are mutually exclusive")
	}
	if f.manifest != "" && f.removeManifest {
		return u, fmt.Errorf("--manifest and --remove-manifest are mutually exclusive")
	}

	switch {
	case f.xmp != "":
		data, err := os.ReadFile(f.xmp)
		if err != nil {
			return u, fmt.Errorf("failed to read XMP: %w", err)
		}
		u = u.SetXMP(data)
	case f.removeXMP:
		u = u.RemoveXMP()
	}
	switch {
	case f.manifest != "":
		data, err := os.ReadFile(f.manifest)
		if err != nil {
			return u, fmt.Errorf("failed to read manifest: %w", err)
		}
		u = u.SetJUMBF(data)
	case f.removeManifest:
		u = u.RemoveJUMBF()
	}
	return u, nil
}

func (a *app) writeCmd() *cobra.Command {
	f := &writeFlags{}
	cmd := &cobra.Command{
		Use:   "write <INPUT> <OUTPUT>",
		Short: "Copy a file, setting or removing its XMP and manifest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			u, err := f.updates()
			if err != nil {
				return err
			}
			u = u.WithChunkSize(a.chunkSize())

			asset, err := a.open(args[0], false)
			if err != nil {
				return err
			}
			defer asset.Close()
			asset.SetProgress(a.progress(fmt.Sprintf("Writing %s", args[1])))

			dest, err := asset.WriteFile(args[1], u)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%s, %d segments)\n",
				args[1], humanize.IBytes(dest.TotalSize), len(dest.Segments))
			return nil
		},
	}
	cmd.Flags().StringVar(&f.xmp, "xmp", "", "file holding the XMP packet to embed")
	cmd.Flags().StringVar(&f.manifest, "manifest", "", "file holding the JUMBF manifest to embed")
	cmd.Flags().BoolVar(&f.removeXMP, "remove-xmp", false, "drop the XMP packet")
	cmd.Flags().BoolVar(&f.removeManifest, "remove-manifest", false, "drop every manifest")
	return cmd
}

// placeholder is a zero-filled manifest of size bytes whose superbox header
// declares the full reserved length.
func placeholder(size uint64) []byte {
	out := make([]byte, size)
	binary.BigEndian.PutUint32(out[0:4], uint32(size))
	copy(out[4:8], "jumb")
	return out
}

func (a *app) reserveCmd() *cobra.Command {
	var (
		size      string
		assertion string
		xmp       string
	)
	cmd := &cobra.Command{
		Use:   "reserve <INPUT> <OUTPUT>",
		Short: "Write a placeholder manifest and the data hash of everything around it",
		Long: `reserve writes OUTPUT with a zero-filled manifest of the requested size, hashing
every byte outside the placeholder in the same pass. The data hash assertion is
written as CBOR next to OUTPUT; once signed, the real manifest is patched in place
with "assetmeta patch" without changing any hashed byte.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := humanize.ParseBytes(size)
			if err != nil {
				return fmt.Errorf("invalid size %q: %w", size, err)
			}
			if n < 8 || n > segment.MaxSegmentSize {
				return fmt.Errorf("size must be between 8 bytes and %s", humanize.IBytes(segment.MaxSegmentSize))
			}
			mode, err := a.exclusionMode()
			if err != nil {
				return err
			}

			kinds := []segment.Kind{segment.KindJUMBF}
			u := segment.WithJUMBF(placeholder(n)).
				ExcludeFromProcessing(kinds, mode).
				WithChunkSize(a.chunkSize())
			if xmp != "" {
				data, err := os.ReadFile(xmp)
				if err != nil {
					return fmt.Errorf("failed to read XMP: %w", err)
				}
				u = u.SetXMP(data)
			}

			asset, err := a.open(args[0], false)
			if err != nil {
				return err
			}
			defer asset.Close()
			asset.SetProgress(a.progress(fmt.Sprintf("Reserving %s", args[1])))

			out, err := os.Create(args[1])
			if err != nil {
				return fmt.Errorf("failed to create output: %w", err)
			}
			dest, d, err := asset.WriteHashed(out, u, a.algorithm())
			if cerr := out.Close(); err == nil && cerr != nil {
				err = cerr
			}
			if err != nil {
				os.Remove(args[1])
				return err
			}

			dh, err := datahash.New(dest, kinds, mode, d)
			if err != nil {
				return err
			}
			encoded, err := dh.Encode()
			if err != nil {
				return err
			}
			if assertion == "" {
				assertion = args[1] + ".dhash.cbor"
			}
			if err := os.WriteFile(assertion, encoded, 0o644); err != nil {
				return fmt.Errorf("failed to write assertion: %w", err)
			}

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Reserved %s for the manifest in %s\n", humanize.IBytes(n), args[1])
			fmt.Fprintf(w, "Digest: %s\n", d)
			for _, e := range dh.Exclusions {
				fmt.Fprintf(w, "Excluded: %d+%d\n", e.Start, e.Length)
			}
			fmt.Fprintf(w, "Assertion: %s\n", assertion)
			return nil
		},
	}
	cmd.Flags().StringVarP(&size, "size", "s", "64KiB", "reserved manifest size (e.g. 20000, 64KiB)")
	cmd.Flags().StringVar(&assertion, "assertion", "", "data hash assertion output (default: OUTPUT.dhash.cbor)")
	cmd.Flags().StringVar(&xmp, "xmp", "", "file holding an XMP packet to embed alongside")
	return cmd
}
