// Command monitor captures every frame on a robocan bus and serves the
// decoded traffic over HTTP and websocket.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/CodedInternet/robocan/monitor"
	"github.com/CodedInternet/robocan/onboard"
	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/CodedInternet/robocan/onboard/catalog"
	"github.com/CodedInternet/robocan/onboard/logging"
	"github.com/caarlos0/env/v6"
)

// monitorEnv configures operator logins. An empty secret leaves the API open.
type monitorEnv struct {
	Secret  string   `env:"ROBOCAN_MONITOR_SECRET"`
	Issuer  string   `env:"ROBOCAN_MONITOR_ISSUER" envDefault:"robocan-monitor"`
	Origins []string `env:"ROBOCAN_MONITOR_ORIGINS" envSeparator:","`
}

func main() {
	simulated := flag.Bool("sim", false, "Capture a simulated robot instead of SocketCAN")
	ifname := flag.String("bus", "", "SocketCAN interface, defaults to ROBOCAN_BUS or can0")
	dbFile := flag.String("db", "./tmp/monitor.db", "Capture database file")
	listen := flag.String("listen", "0.0.0.0:8080", "Specify the ip:port to listen on")
	addUser := flag.String("adduser", "", "Create an operator with this email and exit")
	password := flag.String("password", "", "Password for -adduser")
	flag.Parse()

	envCfg, err := onboard.LoadEnv()
	if err != nil {
		panic(err)
	}
	var authCfg monitorEnv
	if err := env.Parse(&authCfg); err != nil {
		panic(err)
	}
	logger := logging.Init("robocan-monitor", logging.Options{Level: envCfg.LogLevel})

	if *ifname == "" {
		*ifname = envCfg.Bus
	}
	if *ifname == "" {
		*ifname = "can0"
	}

	if err := os.MkdirAll(filepath.Dir(*dbFile), 0755); err != nil {
		logger.Fatal().Err(err).Msg("unable to create database directory")
	}
	store, err := monitor.OpenStore(*dbFile)
	if err != nil {
		logger.Fatal().Err(err).Str("db", *dbFile).Msg("unable to open database")
	}
	defer store.Close()

	if *addUser != "" {
		user := &monitor.User{Email: *addUser}
		if err := user.SetPassword([]byte(*password)); err != nil {
			logger.Fatal().Err(err).Msg("unable to hash password")
		}
		if err := store.SaveUser(user); err != nil {
			logger.Fatal().Err(err).Msg("unable to create user")
		}
		logger.Info().Str("email", user.Email).Msg("user created")
		return
	}

	hub := monitor.NewHub(logger)
	hub.AllowOrigins(authCfg.Origins...)
	m := monitor.New(catalog.Default(), store, hub, logger)
	if authCfg.Secret != "" {
		m.EnableAuth([]byte(authCfg.Secret), authCfg.Issuer)
	} else {
		logger.Warn().Msg("ROBOCAN_MONITOR_SECRET not set, authentication disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *simulated || envCfg.Sim {
		bus := canbus.NewSimBus()
		m.TapSim(ctx, bus)
		if _, err := onboard.StartSimulatedModules(ctx, bus, onboard.SimulatedModules, logger); err != nil {
			logger.Fatal().Err(err).Msg("unable to start simulated robot")
		}
		logger.Info().Strs("modules", onboard.SimulatedModules).Msg("capturing simulated robot")
	} else {
		capture, err := monitor.NewCapture(*ifname, m)
		if err != nil {
			logger.Fatal().Err(err).Str("bus", *ifname).Msg("unable to open capture")
		}
		defer capture.Close()

		go func() {
			if err := capture.Run(); err != nil {
				logger.Error().Err(err).Msg("capture stopped")
				stop()
			}
		}()
		logger.Info().Str("bus", *ifname).Msg("capturing")
	}

	srv := &http.Server{Addr: *listen, Handler: m.Router()}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	logger.Info().Str("listen", *listen).Msg("monitor listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("http server failed")
	}
}
