package main

import (
	"context"
	"log"

	"github.com/objectql/sync/internal/server"
	"github.com/objectql/sync/internal/server/config"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()

	app, err := server.NewApp(cfg)
	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)
}
