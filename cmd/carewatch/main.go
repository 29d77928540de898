package main

import (
	"context"
	"flag"
	"os"

	"carewatch/config"
	"carewatch/core/appbootstrap"
	"carewatch/core/utils"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to configuration file")
	flag.Parse()

	logger := utils.NewLogger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		os.Exit(1)
	}

	app, err := appbootstrap.Compose(context.Background(), cfg, logger)
	if err != nil {
		logger.Errorf("bootstrap: %v", err)
		os.Exit(1)
	}

	if err := app.Run(context.Background()); err != nil {
		logger.Errorf("run: %v", err)
		os.Exit(1)
	}
}
