package main

import (
	"fmt"
	"os"

	"github.com/ignatij/trojanwalker/internal/cli"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "trojanwalker",
	Short: "Content-addressed malware analysis pipeline",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
