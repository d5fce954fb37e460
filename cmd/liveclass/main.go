// Package main is the liveclass relay entrypoint.
package main

import (
	"log"

	"github.com/formacademy/liveclass/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
