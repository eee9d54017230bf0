// Bambulink is a LAN companion agent for Bambu printers. It owns the single
// privileged MQTT connection the printer allows, multiplexes local MQTT
// clients through it, translates raw status deltas into lifecycle events,
// and pumps webcam frames to local consumers on demand.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caarlos0/env/v11"

	"github.com/printnest/bambulink/engine"
	"github.com/printnest/bambulink/engine/settings"
	"github.com/printnest/bambulink/modules/broker"
	"github.com/printnest/bambulink/modules/commands"
	"github.com/printnest/bambulink/modules/discovery"
	"github.com/printnest/bambulink/modules/printrecord"
	"github.com/printnest/bambulink/modules/quickcam"
	"github.com/printnest/bambulink/modules/session"
	"github.com/printnest/bambulink/modules/state"
	"github.com/printnest/bambulink/modules/translator"
)

type Config struct {
	PrinterHost   string `env:",required"`
	PrinterPort   int    `envDefault:"8883"`
	AccessToken   string `env:",required"`
	PrinterSerial string `env:",required"`

	BrokerPort     int    `envDefault:"1883"`
	HttpAddr       string `envDefault:":8080"`
	StateDir       string `envDefault:"./state"`
	ConnectionMode string `envDefault:"local"`
	Debug          bool
}

func main() {
	conf, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "BAMBULINK_", UseFieldNameByDefault: true})
	if err != nil {
		panic(err)
	}
	if conf.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}
	if conf.ConnectionMode != "local" {
		slog.Warn("only local connection mode is supported, continuing in local mode", "requested", conf.ConnectionMode)
	}

	store, err := settings.NewStore(conf.StateDir)
	if err != nil {
		panic(err)
	}
	records, err := printrecord.NewStore(conf.StateDir)
	if err != nil {
		panic(err)
	}

	cache := state.NewCache()
	version := state.NewVersion()
	xlat := translator.New(cache, records, translator.LogNotifier{})
	scanner := discovery.NewScanner(conf.PrinterPort)

	sess := session.New(session.Config{
		Host:        conf.PrinterHost,
		Port:        conf.PrinterPort,
		AccessToken: conf.AccessToken,
		Serial:      conf.PrinterSerial,
	}, store, cache, version, xlat, scanner)

	brk := broker.New(conf.BrokerPort, sess)
	sess.RegisterListener(brk)

	// The camera dials the printer directly; start from the same persisted
	// IP the session uses so a pre-restart rediscovery carries over.
	cam := quickcam.New(quickcam.Config{
		Host:        store.Get("printer_ip", conf.PrinterHost),
		AccessToken: conf.AccessToken,
		Debug:       conf.Debug,
	}, cache)

	app := engine.NewApp(conf.HttpAddr)
	app.Add(sess)
	app.Add(brk)
	app.Add(cam)
	app.Add(commands.New(cache, sess, xlat))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("starting bambulink", "printer", conf.PrinterHost, "serial", conf.PrinterSerial)
	app.Run(ctx)
}
