package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	. "github.com/CodedInternet/robocan/onboard"
	"github.com/CodedInternet/robocan/onboard/canbus"
	"github.com/CodedInternet/robocan/onboard/catalog"
	"github.com/CodedInternet/robocan/onboard/hardware"
	"github.com/CodedInternet/robocan/onboard/logging"
	"github.com/CodedInternet/robocan/onboard/registry"
	"github.com/abiosoft/ishell"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

func main() {
	simulated := flag.Bool("sim", false, "Run the device on a simulated bus with the rest of the robot")
	configFile := flag.String("config", "", "Node config file, defaults to ROBOCAN_CONFIG")
	noShell := flag.Bool("noshell", false, "Run without the development shell")
	metricsAddr := flag.String("metrics", "", "Serve transport metrics on this ip:port, defaults to ROBOCAN_METRICS_ADDR")
	flag.Parse()

	envCfg, err := LoadEnv()
	if err != nil {
		panic(err)
	}
	logger := logging.Init("robocan", logging.Options{Level: envCfg.LogLevel})
	sim := *simulated || envCfg.Sim

	if *configFile == "" {
		*configFile = envCfg.Config
	}
	config, err := LoadConfig(*configFile)
	if err != nil {
		if !sim || !errors.Is(err, os.ErrNotExist) {
			logger.Fatal().Err(err).Str("config", *configFile).Msg("unable to load config")
		}
		logger.Info().Str("config", *configFile).Msg("no config file, simulating the controller")
		config = DefaultConfig("CONTROLLER")
	}
	config.ApplyEnv(envCfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *metricsAddr == "" {
		*metricsAddr = envCfg.Metrics
	}
	if *metricsAddr != "" {
		go serveMetrics(ctx, *metricsAddr, logger)
	}

	var bus *canbus.SimBus
	if sim {
		bus = canbus.NewSimBus()
	}
	ctrl := OpenController(config, bus, logger)
	if closer, ok := ctrl.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	var battery Battery
	if profile, err := config.Profile(); sim && err == nil && profile.Address != registry.Controller {
		battery = NewSimulatedBattery(time.Now().UnixNano())
	}
	device, err := NewDevice(config, ctrl, battery, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("unable to create device")
	}
	if err := device.Start(); err != nil {
		logger.Fatal().Err(err).Msg("unable to start device")
	}

	if sim {
		var others []string
		for _, name := range SimulatedModules {
			if name != device.Profile.Name {
				others = append(others, name)
			}
		}
		if _, err := StartSimulatedModules(ctx, bus, others, logger); err != nil {
			logger.Fatal().Err(err).Msg("unable to start simulated robot")
		}
	}

	done := make(chan error, 1)
	go func() { done <- device.Run(ctx) }()

	if !*noShell {
		shell := newShell(ctx, device, logger)
		shell.Start()
		stop()
	}

	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("device stopped")
	}
}

// serveMetrics exports the transport counters until ctx is done.
func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) {
	canbus.RegisterMetrics()
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: r}
	go func() {
		<-ctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdown)
	}()

	logger.Info().Str("listen", addr).Msg("serving metrics")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server failed")
	}
}

// newShell builds the development shell. Every command touches the device
// through Do so it runs on the control loop.
func newShell(ctx context.Context, device *Device, logger zerolog.Logger) *ishell.Shell {
	jointNames := func([]string) []string {
		names := make([]string, 0, 4)
		for _, j := range hardware.JointsFor(device.Profile) {
			names = append(names, j.Name)
		}
		return names
	}
	do := func(c *ishell.Context, fn func()) bool {
		if err := device.Do(ctx, fn); err != nil {
			c.Err(err)
			return false
		}
		return true
	}

	shell := ishell.New()
	shell.Println("robocan development shell on", device.Profile)
	shell.ShowPrompt(true)

	shell.AddCmd(&ishell.Cmd{
		Name: "send",
		Help: "send <dst> <type> [hex payload]",
		Func: func(c *ishell.Context) {
			if len(c.Args) < 2 {
				c.Err(errors.New("usage: send <dst> <type> [hex payload]"))
				return
			}
			dst, err := registry.ParseAddress(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}
			typ, err := parseType(device.Transport.Catalog(), c.Args[1])
			if err != nil {
				c.Err(err)
				return
			}
			var payload []byte
			if len(c.Args) > 2 {
				payload, err = hex.DecodeString(strings.Join(c.Args[2:], ""))
				if err != nil {
					c.Err(err)
					return
				}
			}

			var sendErr error
			if do(c, func() { sendErr = device.Node.SendTo(dst, typ, payload) }) {
				if sendErr != nil {
					c.Err(sendErr)
					return
				}
				c.Printf("Sent %s to %s\n", typ, dst)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "recv",
		Help: "recv - show the most recent frames received",
		Func: func(c *ishell.Context) {
			var recent []canbus.Frame
			if !do(c, func() { recent = device.Recent() }) {
				return
			}
			if len(recent) == 0 {
				c.Println("No frames received")
			}
			for _, f := range recent {
				c.Println(f)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "filters",
		Help: "filters - show the acceptance filters installed at startup",
		Func: func(c *ishell.Context) {
			var filters []canbus.FilterSpec
			if !do(c, func() { filters = device.Transport.Filters() }) {
				return
			}
			for _, f := range filters {
				c.Println(f)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "catalog",
		Help: "catalog - list the packet types this build knows",
		Func: func(c *ishell.Context) {
			cat := device.Transport.Catalog()
			c.Printf("Catalog %s\n", cat.Version())
			for _, e := range cat.Entries() {
				mark := " "
				if device.Profile.Supports(e.Type) {
					mark = "*"
				}
				c.Printf("%s 0x%02X %-24s %-9s len %d\n", mark, uint8(e.Type), e.Name, e.Kind, e.Length)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "status",
		Help: "status - transport counters, peers and battery reports",
		Func: func(c *ishell.Context) {
			var (
				state     canbus.State
				stats     canbus.Stats
				dropped   uint64
				peers     []hardware.PeerStatus
				alive     = make(map[registry.ModuleAddress]bool)
				telemetry = make(map[registry.ModuleAddress]BatteryReading)
			)
			ok := do(c, func() {
				state = device.Transport.State()
				stats = device.Transport.Stats()
				dropped = device.Node.Dropped()
				peers = device.Node.Peers()
				for _, p := range peers {
					alive[p.Address] = device.Node.Alive(p.Address)
				}
				for k, v := range device.Telemetry {
					telemetry[k] = v
				}
			})
			if !ok {
				return
			}

			c.Printf("%s %s: sent %d, received %d, malformed %d, dropped %d, tx errors %d, rx errors %d\n",
				device.Profile, state, stats.Sent, stats.Received, stats.Malformed, dropped, stats.TxErrors, stats.RxErrors)
			for _, p := range peers {
				version := "unknown"
				if p.Version != nil {
					version = p.Version.String()
				}
				c.Printf("  %s frames %d alive %v catalog %s compatible %v\n", p.Address, p.Frames, alive[p.Address], version, p.Compatible)
				if r, ok := telemetry[p.Address]; ok {
					c.Printf("    battery %.2f V %.0f%% %.1f C\n", r.Voltage, r.Percent, r.Temperature)
				}
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "handshake",
		Help: "handshake <dst> - exchange catalog versions with a module",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Err(errors.New("usage: handshake <dst>"))
				return
			}
			dst, err := registry.ParseAddress(c.Args[0])
			if err != nil {
				c.Err(err)
				return
			}

			var reply string
			var handshakeErr error
			if do(c, func() {
				v, err := device.Node.Handshake(ctx, dst)
				handshakeErr = err
				if v != nil {
					reply = v.String()
				}
			}) {
				if handshakeErr != nil {
					c.Err(handshakeErr)
					return
				}
				c.Printf("%s speaks catalog %s\n", dst, reply)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name:      "move",
		Completer: jointNames,
		Help:      "move <joint> <dst> <value>",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 3 {
				c.Err(errors.New("usage: move <joint> <dst> <value>"))
				return
			}
			joint, ok := hardware.JointByName(c.Args[0])
			if !ok {
				c.Err(fmt.Errorf("unknown joint %q", c.Args[0]))
				return
			}
			dst, err := registry.ParseAddress(c.Args[1])
			if err != nil {
				c.Err(err)
				return
			}
			target, err := strconv.ParseFloat(c.Args[2], 64)
			if err != nil {
				c.Err(err)
				return
			}

			c.Printf("Moving %s on %s to %.2f %s\n", joint.Name, dst, target, joint.Unit)
			var state hardware.MotorState
			var moveErr error
			if do(c, func() {
				remote := hardware.NewRemoteActuator(device.Node, dst, joint)
				moveErr = remote.SetTarget(ctx, target)
				state = remote.GetState()
			}) {
				if moveErr != nil {
					c.Err(moveErr)
					return
				}
				c.Printf("%s reached %.2f %s\n", joint.Name, state.Current, joint.Unit)
			}
		},
	})

	shell.AddCmd(&ishell.Cmd{
		Name: "loglevel",
		Help: "loglevel <level>",
		Func: func(c *ishell.Context) {
			if len(c.Args) != 1 {
				c.Println(zerolog.GlobalLevel())
				return
			}
			level, ok := logging.ParseLevel(c.Args[0])
			if !ok {
				c.Err(fmt.Errorf("unknown log level %q", c.Args[0]))
				return
			}
			zerolog.SetGlobalLevel(level)
			logger.Info().Stringer("level", level).Msg("log level changed")
		},
	})

	return shell
}

// parseType accepts a catalog name such as MOTOR_SETPOINT or a numeric code.
func parseType(cat *catalog.Catalog, s string) (catalog.PacketType, error) {
	for _, e := range cat.Entries() {
		if strings.EqualFold(e.Name, s) {
			return e.Type, nil
		}
	}
	code, err := strconv.ParseUint(s, 0, 8)
	if err != nil {
		return 0, fmt.Errorf("unknown packet type %q", s)
	}
	return catalog.PacketType(code), nil
}
