package main

import (
	"errors"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, errUnhealthy) {
			os.Exit(exitUnhealthy)
		}

		exitOnError(err)
	}
}
