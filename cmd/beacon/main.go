package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/meszmate/beacon/internal/app"
	"github.com/meszmate/beacon/internal/config"
	"github.com/meszmate/beacon/internal/logging"
	"github.com/meszmate/beacon/internal/ui"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML or YAML config file")
	headless := flag.Bool("headless", false, "read commands from stdin instead of drawing the status view")
	version := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *version {
		fmt.Println("beacon", app.Version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *headless {
		cfg.UI.Headless = true
	}

	logger, err := logging.Init(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console && cfg.UI.Headless,
		JSON:    cfg.Logging.JSON,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logger.Close()

	application, err := app.New(cfg, app.Options{Logger: logger})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize app")
	}
	defer application.Close()

	if cfg.UI.Headless {
		runHeadless(application)
		return
	}

	model := ui.NewModel(application, cfg.Account.JID, cfg.UI.Theme, filepath.Join(cfg.Storage.DataDir, "themes"))
	p := tea.NewProgram(model, tea.WithAltScreen())

	// Store program reference for sending events from other goroutines
	application.SetProgram(p)
	application.Run()

	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Load()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if cfg.Storage.DataDir == "" {
		paths, err := config.GetPaths()
		if err != nil {
			return nil, err
		}
		cfg.Storage.DataDir = paths.DataDir
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.Storage.DataDir, "beacon.log")
	}
	return cfg, nil
}

// runHeadless prints events and executes one command per stdin line until
// EOF or a signal
func runHeadless(a *app.App) {
	a.Bus().SubscribeAll(func(ev app.EventMsg) {
		fmt.Printf("%s %s\n", ev.Time.Format("15:04:05"), ui.FormatEvent(ev))
	})
	a.Run()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	for {
		select {
		case <-sig:
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if line == "exit" {
				return
			}
			if err := a.Execute(line); err != nil {
				fmt.Fprintln(os.Stderr, err)
			}
		}
	}
}
