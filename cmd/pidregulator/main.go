package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Agrid-Dev/pidregulator/cmd/app"
	httpctrl "github.com/Agrid-Dev/pidregulator/internal/controllers/http"
	modbusctrl "github.com/Agrid-Dev/pidregulator/internal/controllers/modbus"
	mqttctrl "github.com/Agrid-Dev/pidregulator/internal/controllers/mqtt"
	"github.com/Agrid-Dev/pidregulator/internal/device"
	"github.com/Agrid-Dev/pidregulator/internal/loop"
	"github.com/Agrid-Dev/pidregulator/internal/plant"
	"github.com/Agrid-Dev/pidregulator/internal/ports"
	"github.com/Agrid-Dev/pidregulator/internal/simulation"
)

var _ ports.RegulatorService = (*loop.Loop)(nil)

var (
	configPath string

	simIterations int
	simOutput     string
	simPlot       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "pidregulator",
		Short:        "PID regulator device exposed over HTTP, MQTT and Modbus",
		SilenceUsage: true,
		RunE:         runServe,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file (.yaml/.yml/.json)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "run the control loop and its controllers",
		RunE:  runServe,
	}

	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "run the loop offline against the plant model",
		RunE:  runSimulate,
	}
	simulateCmd.Flags().IntVar(&simIterations, "iterations", 0, "number of ticks (overrides simulation.iterations)")
	simulateCmd.Flags().StringVar(&simOutput, "output", "", "csv output path (overrides simulation.output)")
	simulateCmd.Flags().BoolVar(&simPlot, "plot", true, "print ascii charts (overrides simulation.plot)")

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "print the effective configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig(configPath)
			if err != nil {
				return err
			}
			return app.DumpYAML(cmd.OutOrStdout(), cfg)
		},
	}

	rootCmd.AddCommand(serveCmd, simulateCmd, configCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func load() (app.Config, *logrus.Logger, error) {
	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return app.Config{}, nil, err
	}
	logger, err := app.NewLogger(cfg.Log)
	if err != nil {
		return app.Config{}, nil, err
	}
	return cfg, logger, nil
}

func newLoop(cfg app.Config, logger logrus.FieldLogger) (*loop.Loop, error) {
	snap, err := cfg.Snapshot()
	if err != nil {
		return nil, err
	}
	opts := []loop.Option{loop.WithLogger(logger)}
	if cfg.Plant.Enabled {
		p, err := plant.NewFirstOrder(cfg.Plant.Params())
		if err != nil {
			return nil, fmt.Errorf("plant: %w", err)
		}
		opts = append(opts, loop.WithPlant(p))
	}
	l, err := loop.New(snap, cfg.Regulator.Config(), opts...)
	if err != nil {
		return nil, fmt.Errorf("loop: %w", err)
	}
	return l, nil
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}

	l, err := newLoop(cfg, logger)
	if err != nil {
		return err
	}
	dev := device.New(cfg.DeviceID, l)
	log := logger.WithField("device_id", dev.ID)
	defer func() {
		if err := dev.Loop.Close(); err != nil {
			log.WithError(err).Warn("closing loop")
		}
	}()

	ctrls := cfg.Controllers
	runners, err := newControllers(ctrls, dev, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return dev.Loop.Run(ctx, cfg.Regulator.Interval) })
	for _, r := range runners {
		g.Go(func() error { return r.Run(ctx) })
	}

	log.WithFields(logrus.Fields{
		"interval": cfg.Regulator.Interval,
		"http":     ctrls.HTTP.Enabled,
		"mqtt":     ctrls.MQTT.Enabled,
		"modbus":   ctrls.Modbus.Enabled,
	}).Info("pidregulator started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("exited")
		return err
	}
	log.Info("stopped")
	return nil
}

type runner interface {
	Run(ctx context.Context) error
}

// newControllers builds every enabled controller up front so a bad section
// fails before anything is started.
func newControllers(ctrls app.ControllersConfig, dev *device.Device, log logrus.FieldLogger) ([]runner, error) {
	var runners []runner
	if ctrls.HTTP.Enabled {
		runners = append(runners, httpctrl.New(dev.Loop, ctrls.HTTP.Addr, dev.ID, log))
	}
	if ctrls.MQTT.Enabled {
		clientID := ctrls.MQTT.ClientID
		if clientID == "" {
			clientID = dev.Label("pidregulator")
		}
		mc, err := mqttctrl.New(dev.Loop, mqttctrl.Config{
			DeviceID:        dev.ID,
			BrokerURL:       ctrls.MQTT.BrokerURL,
			ClientID:        clientID,
			BaseTopic:       ctrls.MQTT.BaseTopic,
			QoS:             ctrls.MQTT.QoS,
			RetainSnapshot:  ctrls.MQTT.RetainSnapshot,
			PublishInterval: ctrls.MQTT.PublishInterval,
			Username:        ctrls.MQTT.Username,
			Password:        ctrls.MQTT.Password,
			Logger:          log,
		})
		if err != nil {
			return nil, err
		}
		runners = append(runners, mc)
	}
	if ctrls.Modbus.Enabled {
		mb, err := modbusctrl.New(dev.Loop, modbusctrl.Config{
			DeviceID: dev.ID,
			Addr:     ctrls.Modbus.Addr,
			UnitID:   ctrls.Modbus.UnitID,
			Logger:   log,
		})
		if err != nil {
			return nil, err
		}
		runners = append(runners, mb)
	}
	return runners, nil
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	sim := cfg.Simulation
	if cmd.Flags().Changed("iterations") {
		sim.Iterations = simIterations
	}
	if cmd.Flags().Changed("output") {
		sim.Output = simOutput
	}
	if cmd.Flags().Changed("plot") {
		sim.Plot = simPlot
	}
	if !cfg.Plant.Enabled {
		return errors.New("simulate: plant.enabled must be true")
	}

	l, err := newLoop(cfg, logger)
	if err != nil {
		return err
	}
	defer l.Close()

	commands := make([]simulation.SetpointCommand, 0, len(sim.SetpointCommands))
	for _, c := range sim.SetpointCommands {
		commands = append(commands, simulation.SetpointCommand{Iteration: c.Iteration, Value: c.Value})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	samples, err := simulation.Run(ctx, l, simulation.Params{
		Iterations:       sim.Iterations,
		Step:             sim.Step,
		SetpointCommands: commands,
	})
	if err != nil {
		return err
	}

	if sim.Output != "" {
		if err := writeCSVFile(sim.Output, samples); err != nil {
			return err
		}
		logger.WithField("path", sim.Output).Info("samples written")
	}

	summary, err := simulation.Summarize(samples)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if sim.Plot {
		fmt.Fprintln(out, simulation.Plot(samples, 100, 15))
		fmt.Fprintln(out)
	}
	fmt.Fprint(out, summary)
	return nil
}

func writeCSVFile(path string, samples []simulation.Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := simulation.WriteCSV(f, samples); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
