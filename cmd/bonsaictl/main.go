// Command bonsaictl inspects a bonsai file on disk: its system bucket,
// a given tree's root bucket, and the overall free-list state. It is a
// thin wrapper over internal/diskcache and the bonsai package, not a
// distinct storage implementation of its own.
package main

import (
	"fmt"
	"os"

	"k8s.io/klog/v2"
)

func main() {
	defer klog.Flush()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
