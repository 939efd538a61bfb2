// Command server runs the fraudguard HTTP API.
package main

import (
	"context"
	"log"

	"github.com/aryanm/fraudguard/internal/config"
	"github.com/aryanm/fraudguard/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	if err := srv.Run(context.Background()); err != nil {
		log.Fatalf("Server exited with error: %v", err)
	}
}
