// Command cefctl inspects and converts workbook files offline: .cef files,
// patch files, commit repositories and backup directories.
package main

import (
	"fmt"
	"os"

	"github.com/JonMunkholm/cellvault/internal/core"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, core.FormatUserError(err))
		os.Exit(1)
	}
}
