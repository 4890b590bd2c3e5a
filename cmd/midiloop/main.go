package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/coreos/go-systemd/v22/daemon"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"midiloop/api"
	"midiloop/config"
	"midiloop/logx"
	"midiloop/midi"
	"midiloop/sequencer"
	"midiloop/supervisor"
	"midiloop/theme"
	"midiloop/tui"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  = flag.String("config", "", "config file (.json or .yaml), default ~/.config/midiloop/config.json")
		addrFlag    = flag.String("addr", "", "listen address, overrides http.addr")
		tuiFlag     = flag.Bool("tui", false, "show the status console")
		writeConfig = flag.Bool("write-config", false, "write the default config to the config path and exit")
	)
	flag.Parse()

	path := *configPath
	if path == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return err
		}
		path = p
	}

	if *writeConfig {
		if err := config.DefaultConfig().SaveFile(path); err != nil {
			return err
		}
		fmt.Println("wrote", path)
		return nil
	}

	cfgMgr := config.NewManager(path)
	cfg, err := cfgMgr.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	addr := cfg.HTTP.Addr
	if *addrFlag != "" {
		addr = *addrFlag
	}
	withTUI := *tuiFlag || cfg.TUI.Enabled
	tm := cfg.Timings()

	logSvc, log := logx.New(logSettings(cfg, withTUI))
	defer logSvc.Close()
	cfgMgr.SetLogger(log.With(logx.String("comp", "config")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := midi.NewOutput(midi.SystemPorts, tm.ScanTimeout)
	defer out.Close()
	devices := midi.NewDeviceManager(out, tm.PollInterval, log.With(logx.String("comp", "midi")))
	player := sequencer.NewPlayer(out, sequencer.Options{
		MinPassInterval: tm.MinPassInterval,
		ErrorLogRate:    cfg.Playback.ErrorLogRate,
		Log:             log.With(logx.String("comp", "player")),
	})
	server := api.NewServer(player, out, log.With(logx.String("comp", "http")))

	sup := supervisor.New(ctx,
		supervisor.WithLogger(log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)
	sup.Go("http", func(ctx context.Context) error {
		return server.ListenAndServe(ctx, addr)
	})
	sup.GoRestart("midi.devices", time.Second, 30*time.Second, devices.Run)

	if _, err := os.Stat(path); err == nil {
		sup.Go("config.watch", cfgMgr.Watch)
		sup.Go0("config.apply", func(ctx context.Context) {
			applyConfig(ctx, cfgMgr, logSvc, player, withTUI, log)
		})
	} else {
		log.Info("no config file, using defaults", logx.String("path", path))
	}

	if withTUI {
		palette, err := theme.LoadOrDefault(cfg.TUI.Palette)
		if err != nil {
			log.Warn("palette not loaded, using default", logx.String("path", cfg.TUI.Palette), logx.Err(err))
			palette = theme.DefaultPalette()
		}
		model := tui.NewModel(player, devices, theme.New(palette), addr)
		sup.Go("tui", func(ctx context.Context) error {
			// quitting the console ends the process
			defer sup.Cancel()
			prog := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := prog.Run(); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warn("sd_notify failed", logx.Err(err))
	} else if ok {
		log.Debug("sd_notify ready sent")
	}
	log.Info("midiloop started",
		logx.String("addr", addr),
		logx.Bool("tui", withTUI),
		logx.Duration("min_pass_interval", tm.MinPassInterval),
	)

	<-sup.Context().Done()
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), tm.ShutdownTimeout)
	defer cancel()
	if err := player.Shutdown(shutdownCtx); err != nil {
		log.Warn("playback cleanup did not finish", logx.Err(err))
	}
	err = sup.Stop(shutdownCtx)
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("goroutines still running at exit", logx.Any("counters", sup.Counters()))
		return nil
	}
	return err
}

// logSettings keeps log lines off the terminal while the console owns it.
func logSettings(cfg *config.Config, withTUI bool) logx.Config {
	lc := cfg.LogConfig()
	if withTUI {
		lc.Console = false
		lc.File.Enabled = true
	}
	return lc
}

// applyConfig applies the hot-reloadable sections of every published config.
func applyConfig(ctx context.Context, m *config.Manager, logSvc *logx.Service, player *sequencer.Player, withTUI bool, log logx.Logger) {
	updates := m.Subscribe(1)
	defer m.Unsubscribe(updates)

	prev := m.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			logSvc.Apply(logSettings(cfg, withTUI))
			player.SetMinPassInterval(cfg.Timings().MinPassInterval)
			log.Info("config applied",
				logx.String("logging.level", cfg.Logging.Level),
				logx.Duration("min_pass_interval", cfg.Timings().MinPassInterval),
			)
			if sections := config.RestartRequired(prev, cfg); len(sections) > 0 {
				log.Warn("config changes need a restart", logx.String("sections", strings.Join(sections, ",")))
			}
			prev = cfg
		}
	}
}
