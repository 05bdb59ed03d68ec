package main

import (
	"context"
	"os"
)

func main() {
	opts := &rootOptions{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	os.Exit(execute(context.Background(), opts, os.Args[1:]))
}
