package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docserve/docserve/config"
	"github.com/docserve/docserve/engines"
	"github.com/docserve/docserve/engines/local"
	"github.com/docserve/docserve/engines/rq"
	"github.com/docserve/docserve/pipelines"
	"github.com/docserve/docserve/services"
)

// Prints usage info.
func usage() {
	fmt.Fprintf(os.Stderr, "%s: usage:\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "%s <config_file>\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "See README.md for details on config files.\n")
	os.Exit(1)
}

// registers the engine backends and the built-in pipeline provider
func registerProviders() error {
	if err := engines.RegisterEngine("local", local.NewOrchestrator); err != nil {
		return err
	}
	if err := engines.RegisterEngine("rq", rq.NewOrchestrator); err != nil {
		return err
	}
	return pipelines.RegisterPipeline("markdown", pipelines.NewMarkdownPipeline)
}

func main() {

	// The only argument is the configuration filename.
	if len(os.Args) < 2 {
		usage()
	}
	configFile := os.Args[1]

	// Read the configuration file.
	log.Printf("Reading configuration from '%s'...\n", configFile)
	b, err := os.ReadFile(configFile)
	if err != nil {
		log.Panicf("Couldn't read %s: %s\n", configFile, err.Error())
	}

	// Initialize our configuration and create the service.
	if err = config.Init(b); err != nil {
		log.Panicf("Couldn't initialize the configuration: %s\n", err.Error())
	}
	if err = registerProviders(); err != nil {
		log.Panicf("Couldn't register task engines: %s\n", err.Error())
	}
	service, err := services.NewDocServe()
	if err != nil {
		log.Panicf("Couldn't create the service: %s\n", err.Error())
	}

	// Start the service in a goroutine so it doesn't block.
	go func() {
		err = service.Start(config.Service.Port)
		if err != nil {
			log.Println(err.Error())
		}
	}()

	// Intercept the SIGINT, SIGHUP, SIGTERM, and SIGQUIT signals, shutting down
	// the service as gracefully as possible if they are encountered.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGQUIT)

	// Block till we receive one of the above signals.
	<-sigChan

	// Create a deadline to wait for.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Wait for connections to close until the deadline elapses.
	service.Shutdown(ctx)
	log.Println("Shutting down")
	os.Exit(0)
}
