package main

import (
	"flag"
	"os"
	"path/filepath"

	"github.com/RoanBrand/gopubsub/internal/bridge"
	"github.com/kardianos/service"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// configNames are tried in order next to the executable when -c is not given.
var configNames = []string{"config.json", "config.yaml", "config.yml"}

type program struct {
	bridge     bridge.Bridge
	configPath string
}

func (p *program) Start(s service.Service) error {
	if err := p.bridge.LoadFromFile(p.configPath); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"config": p.configPath,
	}).Info("Loaded config")

	go func() {
		if err := p.bridge.Run(); err != nil {
			log.Fatal(err)
		}
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	p.bridge.Shutdown()
	return nil
}

func findConfig(dir string) (string, error) {
	for _, n := range configNames {
		fPath := filepath.Join(dir, n)
		if info, err := os.Stat(fPath); err == nil && !info.IsDir() {
			return fPath, nil
		}
	}
	return "", errors.Errorf("no config file specified or found in %s", dir)
}

// defaultLogging applies until the config file overrides it.
func defaultLogging(execDir string) error {
	if service.Interactive() {
		log.SetFormatter(&prefixed.TextFormatter{FullTimestamp: true})
		log.SetLevel(log.DebugLevel)
		return nil
	}

	f, err := os.OpenFile(filepath.Join(execDir, "gopubsub.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	log.SetOutput(f)
	return nil
}

func main() {
	svcFlag := flag.String("service", "", "Control the system service.")
	cnfFlag := flag.String("c", "", "Path of config file.")
	flag.Parse()

	ePath, err := os.Executable()
	if err != nil {
		log.Fatal(err)
	}
	eDir := filepath.Dir(ePath)

	if err = defaultLogging(eDir); err != nil {
		log.Fatal(err)
	}

	prg := program{configPath: *cnfFlag}
	s, err := service.New(&prg, &service.Config{
		Name:        "gopubsub",
		DisplayName: "gopubsub MQTT device bridge",
		Description: "Mirrors turnout and sensor pins to an MQTT broker.",
		Arguments:   serviceArgs(*cnfFlag),
	})
	if err != nil {
		log.Fatal(err)
	}

	if *svcFlag != "" {
		if err = service.Control(s, *svcFlag); err != nil {
			log.WithFields(log.Fields{
				"valid": service.ControlAction,
			}).Fatal(err)
		}
		return
	}

	if prg.configPath == "" {
		if prg.configPath, err = findConfig(eDir); err != nil {
			log.Fatal(err)
		}
	}

	if err = s.Run(); err != nil {
		log.Fatal(err)
	}
}

// serviceArgs makes an installed service load the same config file.
func serviceArgs(cPath string) []string {
	if cPath == "" {
		return nil
	}
	if abs, err := filepath.Abs(cPath); err == nil {
		cPath = abs
	}
	return []string{"-c", cPath}
}
