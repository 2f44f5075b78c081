package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"copresence/utils"
)

func main() {
	if err := utils.CreateFolder("data"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create data dir: %v\n", err)
	}

	if len(os.Args) < 2 {
		fmt.Println("Expected 'serve' subcommand")
		os.Exit(1)
	}
	_ = godotenv.Load()

	switch os.Args[1] {
	case "serve":
		serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
		port := serveCmd.String("p", "5000", "Port to use")
		serveCmd.Parse(os.Args[2:])
		serve(*port)
	default:
		fmt.Println("Expected 'serve' subcommand")
		os.Exit(1)
	}
}
