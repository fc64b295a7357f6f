package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes. The CLI boundary is the only place that maps errors to
// process exit status.
const (
	exitOK         = 0
	exitUsage      = 2 // bad flags, unreadable config, malformed input catalog
	exitCredential = 3 // platform rejected the access token
	exitDegraded   = 4 // run completed but some items failed permanently, or store collision
	exitCancelled  = 5 // interrupted or run deadline hit
)

// exitError carries an explicit exit code through cobra's error plumbing.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error { return &exitError{code: code, err: err} }

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "advault",
	Short: "Creative asset ingestion pipeline for ad catalogs",
	Long: `advault resolves the media behind each ad in a CSV catalog, downloads it,
stores it content-addressed under a local mirror and writes the catalog back
with public asset URLs appended.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default advault.yaml in the working directory)")
	rootCmd.AddCommand(runCmd, serveCmd, versionCmd)
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "advault:", err)
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		return exitUsage
	}
	return exitOK
}
