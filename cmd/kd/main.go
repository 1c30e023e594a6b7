// Command kd is the Kingdom CLI.
package main

import (
	"os"

	"github.com/Iron-Ham/kingdom/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
