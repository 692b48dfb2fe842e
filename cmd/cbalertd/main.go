package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cbalert/internal/app"
	logx "cbalert/pkg/logx"
)

func main() {
	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	var cfgPath string
	flag.StringVar(&cfgPath, "config", envOr("CBALERT_CONFIG", "./config.json"), "path to config json or yaml")
	flag.Parse()

	// Used until the configured logger exists, and for the exit status.
	bootLog := logx.NewConsole("info").With(logx.String("comp", "main"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	a, err := app.NewApp(cfgPath, app.Overrides{MQTTPassword: os.Getenv("CBALERT_MQTT_PASSWORD")})
	if err != nil {
		bootLog.Error("startup failed", logx.String("config", cfgPath), logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		bootLog.Error("start failed", logx.Err(err))
		os.Exit(1)
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if err := a.Err(); err != nil {
		bootLog.Error("stopped on fatal error", logx.Err(err))
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
