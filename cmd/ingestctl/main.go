package main

import (
	"log"

	"github.com/austindbirch/harbor_ingest/cmd/ingestctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
