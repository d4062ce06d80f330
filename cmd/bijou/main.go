// Command bijou manages encrypted Bijou data directories: creating
// them and mounting them for a host filesystem bridge.
package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bijoufs/bijou/internal/logger"
	"github.com/bijoufs/bijou/pkg/config"
	"github.com/bijoufs/bijou/pkg/fs"
	"github.com/bijoufs/bijou/pkg/gc"
	"github.com/bijoufs/bijou/pkg/store/metadata"
)

// Exit codes.
const (
	exitOK      = 0
	exitOther   = 1
	exitUsage   = 2
	exitAuth    = 3
	exitCorrupt = 4
)

var (
	flagConfig         string
	flagPassphraseFile string
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:           "bijou",
		Short:         "Bijou encrypted filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "configuration file")
	root.PersistentFlags().StringVar(&flagPassphraseFile, "passphrase-file", "", "file containing the passphrase")

	root.AddCommand(newCreateCommand(), newMountCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "bijou: %v\n", err)
		return exitCode(err)
	}
	return exitOK
}

// exitCode maps an error to the documented exit codes.
func exitCode(err error) int {
	switch metadata.CodeOf(err) {
	case metadata.ErrAuthFailed:
		return exitAuth
	case metadata.ErrCorruptKeystore, metadata.ErrCorruptConfig:
		return exitCorrupt
	}
	var usage *usageError
	if errors.As(err, &usage) {
		return exitUsage
	}
	return exitOther
}

type usageError struct{ msg string }

func (e *usageError) Error() string { return e.msg }

// passphrase reads the passphrase from --passphrase-file or the
// BIJOU_PASSPHRASE environment variable. Interactive prompting belongs
// to the host front-end.
func passphrase() ([]byte, error) {
	if flagPassphraseFile != "" {
		data, err := os.ReadFile(flagPassphraseFile)
		if err != nil {
			return nil, fmt.Errorf("reading passphrase file: %w", err)
		}
		return []byte(strings.TrimRight(string(data), "\r\n")), nil
	}
	if pw, ok := os.LookupEnv("BIJOU_PASSPHRASE"); ok && pw != "" {
		return []byte(pw), nil
	}
	return nil, &usageError{msg: "no passphrase: set BIJOU_PASSPHRASE or --passphrase-file"}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(cfg.Logging.Level)
	logger.SetFormat(cfg.Logging.Format)
	return cfg, nil
}

func newCreateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "create <data-dir>",
		Short: "Initialize a new encrypted data directory",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return &usageError{msg: "create takes exactly one data directory"}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pw, err := passphrase()
			if err != nil {
				return err
			}
			cipher, err := cfg.Store.CipherID()
			if err != nil {
				return err
			}

			err = fs.Create(args[0], pw, fs.CreateOptions{
				Cipher:         cipher,
				BlockSize:      cfg.Store.BlockSize,
				PlaintextNames: cfg.Store.PlaintextNames,
				KDF:            cfg.Store.KDFParams(),
			})
			if err != nil {
				return err
			}
			fmt.Printf("created %s\n", args[0])
			return nil
		},
	}
}

func newMountCommand() *cobra.Command {
	var (
		flagForeground bool
		flagAllowOther bool
	)

	cmd := &cobra.Command{
		Use:   "mount <data-dir> <mountpoint>",
		Short: "Open a data directory and serve it to the host bridge",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 2 {
				return &usageError{msg: "mount takes a data directory and a mountpoint"}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pw, err := passphrase()
			if err != nil {
				return err
			}

			builder, err := config.BlobStoreBuilder(cmd.Context(), &cfg.Blobs)
			if err != nil {
				return err
			}

			engine, err := fs.Open(args[0], pw, &fs.Options{BlobStore: builder})
			if err != nil {
				return err
			}
			defer func() {
				if err := engine.Close(); err != nil {
					logger.Error("closing engine: %v", err)
				}
			}()

			collector := gc.NewCollector(engine, gc.Config{
				Enabled:  cfg.GC.Enabled,
				Interval: cfg.GC.Interval,
			})
			collector.Start()
			defer collector.Stop()

			// The kernel bridge attaches here; this process holds the
			// engine open until it detaches or the process is signalled.
			logger.Info("serving %s at %s (allow_other=%v foreground=%v)",
				args[0], args[1], flagAllowOther, flagForeground)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			logger.Info("unmounting %s", args[1])
			return nil
		},
	}

	cmd.Flags().BoolVar(&flagForeground, "foreground", false, "stay in the foreground")
	cmd.Flags().BoolVar(&flagAllowOther, "allow-other", false, "allow other users to access the mount")
	return cmd
}
