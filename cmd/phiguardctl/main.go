package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/platinummonkey/phiguard/pkg/cli"
)

func main() {
	_ = godotenv.Load()

	rootCmd := cli.NewRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
