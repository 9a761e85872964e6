// Package main is the entry point of the CDR authorization server.
package main

import (
	"fmt"
	"os"

	"github.com/giantswarm/cdr-auth/cmd/cdr-auth-server/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
