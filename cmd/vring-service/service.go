package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/kardianos/service"
	"github.com/sirupsen/logrus"
	"github.com/slackhq/vring"
	"github.com/slackhq/vring/config"
)

var logger service.Logger

type program struct {
	configPath *string
	configTest *bool
	build      string
	control    *vring.Control
}

func (p *program) Start(s service.Service) error {
	// Start should not block.
	logger.Info("vring service starting.")

	l := logrus.New()
	HookLogger(l)

	c := config.NewC(l)
	err := c.Load(*p.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %s", err)
	}

	p.control, err = vring.Main(c, *p.configTest, p.build, l)
	if err != nil {
		return err
	}
	if p.control == nil {
		// Config test mode, there is nothing to run.
		return nil
	}

	p.control.Start()
	return nil
}

func (p *program) Stop(s service.Service) error {
	logger.Info("vring service stopping.")
	if p.control != nil {
		p.control.Stop()
	}
	return nil
}

func doService(configPath *string, configTest *bool, build string, serviceFlag *string) {
	if *configPath == "" {
		ex, err := os.Executable()
		if err != nil {
			panic(err)
		}
		*configPath = filepath.Dir(ex) + "/config.yml"
	}

	svcConfig := &service.Config{
		Name:        "vring",
		DisplayName: "vring virtio device",
		Description: "Emulated virtio audio device driven over split virtqueues",
		Arguments:   []string{"-service", "run", "-config", *configPath},
	}

	prg := &program{
		configPath: configPath,
		configTest: configTest,
		build:      build,
	}

	// Here are what the different loggers are doing:
	// - `log` is the standard go log utility, meant to be used while the process is still attached to stdout/stderr
	// - `logger` is the service log utility that may be attached to a special place depending on OS (Windows will have it attached to the event log)
	// - above, in `Start` we create a logrus logger which is routed through `logger` by HookLogger
	s, err := service.New(prg, svcConfig)
	if err != nil {
		log.Fatal(err)
	}

	errs := make(chan error, 5)
	logger, err = s.Logger(errs)
	if err != nil {
		log.Fatal(err)
	}

	go func() {
		for {
			err := <-errs
			if err != nil {
				// Route any errors from the system logger to stdout as a best effort to notice issues there
				log.Print(err)
			}
		}
	}()

	switch *serviceFlag {
	case "run":
		err = s.Run()
		if err != nil {
			// Route any errors to the system logger
			logger.Error(err)
		}
	default:
		err := service.Control(s, *serviceFlag)
		if err != nil {
			log.Printf("Valid actions: %q\n", service.ControlAction)
			log.Fatal(err)
		}
		return
	}
}
