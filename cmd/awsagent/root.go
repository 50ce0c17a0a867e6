package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	rootCmd = &cobra.Command{
		Use:   "awsagent",
		Short: "AWS discovery to entity registry sync",
		Long: `awsagent - AWS discovery to entity registry sync

awsagent scans one AWS account and region for instances, load balancers,
auto scaling groups, databases, DynamoDB tables and SQS queues, and
reconciles the entity registry so it holds exactly what was found.

Each invocation performs a single pass; schedule it externally.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// exitError carries a process exit code.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func (e *exitError) Unwrap() error { return e.err }

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

func exitCode(err error) int {
	var exit *exitError
	if errors.As(err, &exit) {
		return exit.code
	}
	return 1
}

func userAgent() string {
	return "awsagent/" + version
}

func init() {
	rootCmd.SetVersionTemplate(`awsagent {{.Version}}
`)
}
