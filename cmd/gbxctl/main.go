// Command gbxctl drives ManiaPlanet/Trackmania dedicated servers over the
// remote-control protocol.
//
// Usage:
//
//	gbxctl run [flags]                 run the controller
//	gbxctl call <method> [args...]     make one call and print the result as JSON
//	gbxctl fakeserver [flags]          serve an in-memory dedicated server
//
// Global flags:
//
//	-c, --config string   Path to config file
//	-v, --verbose         Enable debug logging
//	    --json-log        Output logs in JSON format
package main

import "os"

// Version information (set via ldflags at build time)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
