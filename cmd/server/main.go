package main

import (
	"context"
	"log"
	"os"

	"github.com/dmitrijs2005/cipherrelay/internal/server"
	"github.com/dmitrijs2005/cipherrelay/internal/server/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig(os.Args[1:])
	app, err := server.NewApp(cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	if err := app.Run(ctx); err != nil {
		log.Printf("%v", err)
		os.Exit(1)
	}

}
