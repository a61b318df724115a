// Command patchbayd runs a headless engine session: it opens the configured
// audio device, starts the realtime callback, connects the configured MIDI
// ports and keeps running until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/shaban/patchbay"
	"github.com/shaban/patchbay/driver"
	"github.com/shaban/patchbay/driver/malgodriver"
	"github.com/shaban/patchbay/graph"
	"github.com/shaban/patchbay/session"
)

// lastSession is the snapshot name the daemon restores from and saves to
// when no explicit config file is given.
const lastSession = "last"

type fileConfig struct {
	Driver      string        `yaml:"driver"`
	Device      string        `yaml:"device"`
	SampleRate  float64       `yaml:"sample_rate"`
	BufferSize  uint32        `yaml:"buffer_size"`
	Mode        string        `yaml:"mode"`
	LogLevel    string        `yaml:"log_level"`
	MidiInputs  []string      `yaml:"midi_inputs"`
	MidiOutputs []string      `yaml:"midi_outputs"`
	StatsEvery  time.Duration `yaml:"stats_every"`
}

func loadConfig(path string) (fileConfig, error) {
	cfg := fileConfig{
		SampleRate: 48000,
		BufferSize: 512,
		Mode:       "patchbay",
		LogLevel:   "info",
		StatsEvery: 30 * time.Second,
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

func processMode(s string) (patchbay.ProcessMode, error) {
	switch s {
	case "rack":
		return patchbay.ProcessModeRack, nil
	case "patchbay":
		return patchbay.ProcessModePatchbay, nil
	}
	return patchbay.ProcessModeNone, fmt.Errorf("unknown process mode %q (want rack or patchbay)", s)
}

// logNotifier forwards engine events to the logger.
type logNotifier struct {
	lg *log.Logger
}

func (n *logNotifier) Notify(ev patchbay.Event) {
	n.lg.Debug("engine event",
		"action", ev.Action,
		"id", ev.ID,
		"value1", ev.Value1,
		"value2", ev.Value2,
		"valueF", ev.ValueF,
		"text", ev.Text)
}

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	listDevices := flag.Bool("list", false, "list audio and MIDI devices, then exit")
	flag.Parse()

	lg := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "patchbayd",
	})

	if err := run(lg, *configPath, *listDevices); err != nil {
		lg.Fatal("exiting", "err", err)
	}
}

func run(lg *log.Logger, configPath string, listDevices bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	var store *session.Store
	if st, err := session.DefaultStore(); err == nil {
		store = st
	} else {
		lg.Warn("session persistence disabled", "err", err)
	}

	// Without an explicit config the previous session is restored.
	if configPath == "" && store != nil {
		if snap, err := store.Load(lastSession); err == nil {
			cfg.Driver = snap.Driver
			cfg.Device = snap.Device
			cfg.SampleRate = snap.SampleRate
			cfg.BufferSize = snap.BufferSize
			if snap.Mode != "" {
				cfg.Mode = snap.Mode
			}
			cfg.MidiInputs = snap.MidiInputs
			cfg.MidiOutputs = snap.MidiOutputs
			lg.Info("restored previous session", "saved", snap.SavedAt)
		}
	}
	if lvl, err := log.ParseLevel(cfg.LogLevel); err == nil {
		lg.SetLevel(lvl)
	}

	mode, err := processMode(cfg.Mode)
	if err != nil {
		return err
	}

	audioType, err := malgodriver.New(lg.WithPrefix("audio"))
	if err != nil {
		return err
	}
	if err := driver.Register(audioType); err != nil {
		return err
	}
	defer driver.Shutdown()

	midiDrv, err := rtmididrv.New()
	if err != nil {
		return fmt.Errorf("initializing MIDI driver: %w", err)
	}
	defer midiDrv.Close()

	engine, err := patchbay.New(patchbay.Config{
		DriverName:  cfg.Driver,
		DeviceName:  cfg.Device,
		SampleRate:  cfg.SampleRate,
		BufferSize:  cfg.BufferSize,
		ProcessMode: mode,
		Processor:   graph.ForMode(mode, lg.WithPrefix("graph")),
		MidiDriver:  midiDrv,
		Host:        &logNotifier{lg: lg.WithPrefix("event")},
		Logger:      lg.WithPrefix("engine"),
	})
	if err != nil {
		return err
	}

	if listDevices {
		return printDevices(engine, audioType)
	}

	if err := engine.Open(); err != nil {
		return err
	}
	defer engine.Close()

	if err := engine.Start(); err != nil {
		return err
	}
	lg.Info("engine running",
		"driver", engine.DriverName(),
		"bufferSize", engine.GetBufferSize(),
		"sampleRate", engine.GetSampleRate())

	pool := engine.Pool()
	for _, name := range cfg.MidiInputs {
		if err := pool.ConnectInput(name); err != nil {
			lg.Warn("cannot connect MIDI input", "port", name, "err", err)
		}
	}
	for _, name := range cfg.MidiOutputs {
		if err := pool.ConnectOutput(name); err != nil {
			lg.Warn("cannot connect MIDI output", "port", name, "err", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(cfg.StatsEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				stats := session.Collect(engine)
				lg.Info("session stats",
					"xruns", stats.Xruns,
					"droppedEvents", stats.DroppedEvents,
					"anomalies", stats.Anomalies,
					"midiIns", stats.MidiInputs,
					"midiOuts", stats.MidiOutputs)
			}
		}
	})

	err = g.Wait()
	lg.Info("shutting down")

	if store != nil {
		if saveErr := store.Save(lastSession, session.Capture(engine)); saveErr != nil {
			lg.Warn("cannot save session", "err", saveErr)
		}
	}
	return err
}

func printDevices(engine *patchbay.Engine, audioType driver.Type) error {
	names, err := audioType.DeviceNames()
	if err != nil {
		return err
	}
	def, _ := audioType.DefaultDeviceName()
	fmt.Printf("Audio devices (%s):\n", audioType.Name())
	for _, name := range names {
		marker := "  "
		if name == def {
			marker = "* "
		}
		fmt.Printf("  %s%s\n", marker, name)
	}

	ins, err := engine.Pool().AvailableInputs()
	if err != nil {
		return err
	}
	fmt.Println("MIDI inputs:")
	for _, p := range ins {
		fmt.Printf("    %s\n", p.Identifier)
	}

	outs, err := engine.Pool().AvailableOutputs()
	if err != nil {
		return err
	}
	fmt.Println("MIDI outputs:")
	for _, p := range outs {
		fmt.Printf("    %s\n", p.Identifier)
	}
	return nil
}
