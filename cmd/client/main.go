package main

import (
	"context"
	"log"

	"github.com/objectql/sync/internal/client"
	"github.com/objectql/sync/internal/client/config"
	"github.com/objectql/sync/internal/client/engine"
	"github.com/objectql/sync/internal/client/resolver"
)

func main() {
	ctx := context.Background()
	cfg := config.LoadConfig()

	app, err := client.NewApp(ctx, cfg, resolver.StrategyLastWriteWins, engine.Callbacks{
		OnRejected: func(mutationID, reason string) {
			log.Printf("mutation %s rejected: %s", mutationID, reason)
		},
		OnConflict: func(c *resolver.Conflict) {
			log.Printf("manual conflict on %s/%s", c.ObjectName, c.RecordID)
		},
	})
	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)
}
