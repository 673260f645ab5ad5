package main

import (
	"flag"
	"fmt"
	"log"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "/etc/procws/agent.yaml", "Path to config file")
	bindFlag := flag.String("bind", "", "Override bind address")
	portFlag := flag.Int("port", 0, "Override port")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("procws-agent %s\n", version)
		return
	}

	config, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Apply flag overrides
	if *bindFlag != "" {
		config.Bind = *bindFlag
	}
	if *portFlag != 0 {
		config.Port = *portFlag
	}
	if err := config.validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logger, err := newLogger(config.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Run blocks until SIGINT/SIGTERM and exits non-zero if startup fails.
	newApp(config, logger).Run()
}
