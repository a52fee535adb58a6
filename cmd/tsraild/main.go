package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "tsraild",
		Short:        "TeamSpeak channel rail daemon",
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd(), newCtlCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
