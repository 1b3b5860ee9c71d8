// Command logquota runs the log ingestion service and inspects its store.
//
//	logquota serve --config logquota.yaml
//	logquota trace get <trace-id>
//	logquota trace recent -n 10
//	logquota clear --yes
package main

import (
	"fmt"
	"os"

	"github.com/manenim/logquota/cmd/logquota/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
