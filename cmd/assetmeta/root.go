package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/flaneur2020/asset-meta/assetmeta"
	"github.com/flaneur2020/asset-meta/assetmeta/logger"
	"github.com/flaneur2020/asset-meta/assetmeta/segment"
)

const (
	defaultAlgorithm     = "sha256"
	defaultExclusionMode = "data"
	defaultLogLevel      = "warn"
)

// app carries the per-invocation configuration shared by every command.
type app struct {
	v       *viper.Viper
	cfgFile string
	stderr  io.Writer
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), stderr: os.Stderr}

	rootCmd := &cobra.Command{
		Use:   "assetmeta",
		Short: "Inspect and rewrite XMP and provenance manifests in JPEG, PNG and ISO BMFF files",
		Long: `assetmeta locates and rewrites embedded XMP packets and JUMBF/C2PA manifests
without decoding any image or media data.

Examples:
  assetmeta inspect photo.jpg clip.mp4      # Show the segment layout
  assetmeta extract photo.jpg --kind xmp    # Print the XMP packet
  assetmeta reserve in.heic out.heic -s 64KiB
  assetmeta patch out.heic --payload manifest.c2pa`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/assetmeta/config.yaml)")
	flags.String("log-level", defaultLogLevel, "log level: silent, error, warn, info, debug")
	flags.Bool("no-progress", false, "Disable progress bar (progress is enabled by default)")
	flags.String("algorithm", defaultAlgorithm, "digest algorithm: sha256, sha384, sha512, blake3")
	flags.String("exclusion-mode", defaultExclusionMode, "hash exclusion granularity: data or full")
	flags.Int("chunk-size", segment.DefaultChunkSize, "streaming buffer size in bytes")

	bindFlags(a.v, flags, map[string]string{
		"log_level":           "log-level",
		"hash.algorithm":      "algorithm",
		"hash.exclusion_mode": "exclusion-mode",
		"write.chunk_size":    "chunk-size",
		"no_progress":         "no-progress",
	})

	rootCmd.AddCommand(
		a.inspectCmd(),
		a.extractCmd(),
		a.writeCmd(),
		a.reserveCmd(),
		a.hashCmd(),
		a.patchCmd(),
	)
	return rootCmd
}

// bindFlags binds config keys to the flags that override them.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if f := flags.Lookup(name); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

// initConfig reads the config file and environment, then applies the log level.
func (a *app) initConfig() error {
	v := a.v
	if a.cfgFile != "" {
		v.SetConfigFile(a.cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "assetmeta"))
	}

	v.SetEnvPrefix("ASSETMETA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("progress", true)
	v.SetDefault("hash.algorithm", defaultAlgorithm)
	v.SetDefault("hash.exclusion_mode", defaultExclusionMode)
	v.SetDefault("write.chunk_size", segment.DefaultChunkSize)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	level, err := logger.ParseLevel(v.GetString("log_level"))
	if err != nil {
		return err
	}
	logger.SetLogLevel(level)
	return nil
}

func (a *app) algorithm() string {
	return a.v.GetString("hash.algorithm")
}

func (a *app) exclusionMode() (segment.ExclusionMode, error) {
	return segment.ParseExclusionMode(a.v.GetString("hash.exclusion_mode"))
}

func (a *app) chunkSize() int {
	return a.v.GetInt("write.chunk_size")
}

// showProgress reports whether a progress bar should be drawn: enabled in
// config, not disabled by flag, and stderr is a terminal.
func (a *app) showProgress() bool {
	if !a.v.GetBool("progress") || a.v.GetBool("no_progress") {
		return false
	}
	f, ok := a.stderr.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// progress returns a callback drawing a byte progress bar, or nil.
func (a *app) progress(description string) assetmeta.ProgressCallback {
	if !a.showProgress() {
		return nil
	}
	var bar *progressbar.ProgressBar
	return func(current, total int64) {
		if bar == nil && total > 0 {
			bar = progressbar.DefaultBytes(total, description)
		}
		if bar != nil {
			_ = bar.Set64(current)
		}
	}
}

// open parses path, memory-mapping it when asked.
func (a *app) open(path string, mmap bool) (*assetmeta.Asset, error) {
	var opts []assetmeta.Option
	if mmap {
		opts = append(opts, assetmeta.WithMmap())
	}
	return assetmeta.Open(path, opts...)
}
