package main

import (
	"context"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/carfigures/carfigures/server"
	"github.com/spf13/pflag"
)

func main() {
	config := server.DefaultConfig()
	if err := config.FromEnv(); err != nil {
		log.Fatal(err)
	}

	pflag.StringVar(&config.SSHAddr, "ssh", config.SSHAddr, "Where to listen to SSH connections.")
	pflag.StringVar(&config.HTTPAddr, "http", config.HTTPAddr, "Where to serve the admin panel.")
	pflag.StringVar(&config.Dir, "dir", config.Dir, "Where to save database, settings and extensions.")
	pflag.StringVar(&config.StaticDir, "static", config.StaticDir, "Directory served below /static/.")
	pflag.StringSliceVar(&config.Channels, "channels", config.Channels, "Console channels.")
	pflag.DurationVar(&config.ScriptTimeout, "script-timeout", config.ScriptTimeout, "Max run time of a script extension call.")
	pflag.DurationVar(&config.IdleTimeout, "idle-timeout", config.IdleTimeout, "Disconnect idle console sessions after this long.")
	pflag.Parse()

	if err := os.MkdirAll(config.Dir, 0700); err != nil {
		log.Fatal(err)
	}
	processLog := server.OpenProcessLog(config.Dir)
	defer processLog.Close()
	log.SetOutput(io.MultiWriter(os.Stderr, processLog))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(ctx, config)
	if err != nil {
		log.Fatal(err)
	}
	if err := srv.Start(ctx); err != nil {
		log.Fatal(err)
	}
}
