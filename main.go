package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitOnError(err))
	}
}
