package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"tipbot.com/internal/tipbot/app"
	"tipbot.com/pkg/logger"
)

func main() {
	configFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "config file, default config/tipbot-service.yaml",
		EnvVars: []string{"TIPBOT_CONFIG"},
	}

	cliApp := &cli.App{
		Name:  "tipbot-service",
		Usage: "chat tip bot ledger and chain sync",
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "start http api, block scanner and campaign scheduler",
				Flags:  []cli.Flag{configFlag},
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "create or update database tables",
				Flags:  []cli.Flag{configFlag},
				Action: migrate,
			},
		},
	}
	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func serve(c *cli.Context) error {
	// 支持 Ctrl+C / kubernetes 停止信号
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tipApp, err := app.New(c.String("config"))
	if err != nil {
		return err
	}
	cleanUp, err := tipApp.StartService(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	if err := tipApp.Migrate(ctx); err != nil {
		return err
	}
	err = tipApp.Run(ctx)
	logger.Info(context.Background(), "tipbot-service exit")
	return err
}

func migrate(c *cli.Context) error {
	tipApp, err := app.New(c.String("config"))
	if err != nil {
		return err
	}
	if err := tipApp.OpenDB(); err != nil {
		return err
	}
	return tipApp.Migrate(c.Context)
}
