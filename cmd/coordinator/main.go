package main

import (
	"flag"
	"log"

	"github.com/AnishMulay/chunkstore/servers/coordinator"
)

func main() {
	var opts coordinator.Options
	flag.StringVar(&opts.ConfigPath, "config", "chunkstore.yaml", "Path to the coordinator config file")
	flag.StringVar(&opts.ListenAddr, "listen", "", "gRPC listen address (overrides config)")
	flag.BoolVar(&opts.Development, "dev", false, "Human-readable console logs")
	flag.Parse()

	c, err := coordinator.Build(opts)
	if err != nil {
		log.Fatalf("Failed to build coordinator: %v", err)
	}
	if err := c.Run(); err != nil {
		log.Fatalf("Coordinator exited: %v", err)
	}
}
