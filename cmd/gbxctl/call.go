package main

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"gbx-controller/value"
)

var callCmd = &cobra.Command{
	Use:   "call <method> [args...]",
	Short: "Call one remote procedure and print the result as JSON",
	Long: `Call one remote procedure and print the result as JSON.

Arguments that look like integers or booleans are sent as such; everything
else is sent as a string. Prefix an argument with "s:" to send it as a
string regardless.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		timeout := cfg.Calls.Timeout.Std() + cfg.Server.DialTimeout.Std()
		if timeout <= 0 {
			timeout = time.Minute
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		c, err := connect(ctx, cfg, clientOptions(cfg, nil)...)
		if err != nil {
			return err
		}
		defer c.Close()

		result, err := c.Invoke(ctx, args[0], parseArgs(args[1:]))
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(value.Native(result))
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
}

// parseArgs types command-line arguments: integers and booleans are sent as
// such, "s:" forces a string.
func parseArgs(args []string) []value.Value {
	out := make([]value.Value, 0, len(args))
	for _, arg := range args {
		out = append(out, parseArg(arg))
	}
	return out
}

func parseArg(arg string) value.Value {
	if s, ok := strings.CutPrefix(arg, "s:"); ok {
		return value.String(s)
	}
	if n, err := strconv.ParseInt(arg, 10, 32); err == nil {
		return value.Int(n)
	}
	switch arg {
	case "true":
		return value.Bool(true)
	case "false":
		return value.Bool(false)
	}
	return value.String(arg)
}

