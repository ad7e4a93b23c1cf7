package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/fanrelay/internal/cli/receiver"
	"github.com/sheerbytes/fanrelay/internal/cli/sender"
	"github.com/sheerbytes/fanrelay/internal/config"
)

const version = "v0.1.0"

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}
	if hasVersionFlag(args) {
		fmt.Fprintln(os.Stdout, version)
		return
	}
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var code int
	switch args[0] {
	case "send":
		code = sender.Run(ctx, args[1:], os.Stdin, os.Stdout, os.Stderr)
	case "msg":
		code = sender.RunMessage(ctx, args[1:], os.Stdout, os.Stderr)
	case "status":
		code = sender.RunStatus(ctx, args[1:], os.Stdout, os.Stderr)
	case "recv":
		code = receiver.Run(ctx, args[1:], os.Stdout, os.Stderr)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		code = 2
	}
	stop()
	os.Exit(code)
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: fan <command> [args]")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  send   upload a file to destinations through the relay")
	fmt.Fprintln(os.Stderr, "  msg    send a text message to destinations")
	fmt.Fprintln(os.Stderr, "  recv   connect as a destination and save incoming files")
	fmt.Fprintln(os.Stderr, "  status show relay health and which destinations are online")
	fmt.Fprintln(os.Stderr, "quick examples:")
	fmt.Fprintln(os.Stderr, "  fan recv -name client1 -out ./downloads")
	fmt.Fprintln(os.Stderr, "  fan send movie.mp4 client1 client2")
	fmt.Fprintln(os.Stderr, "  fan msg -to client1 hello there")
	fmt.Fprintln(os.Stderr, "to learn detailed usage:")
	fmt.Fprintln(os.Stderr, "  fan send -h")
}

func hasVersionFlag(args []string) bool {
	for _, arg := range args {
		if arg == "--version" || arg == "-v" {
			return true
		}
	}
	return false
}
