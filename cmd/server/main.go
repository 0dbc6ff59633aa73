package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crystal-mush/cmdhost/pkg/server"
)

func main() {
	confFile := flag.String("conf", os.Getenv("CMDHOST_CONF"), "Path to YAML config file (env: CMDHOST_CONF)")
	dataDir := flag.String("data", "", "Data directory, overrides config")
	telnetPort := flag.Int("port", -1, "Telnet port, overrides config (0 disables)")
	tlsPort := flag.Int("tls-port", -1, "Telnet-over-TLS port, overrides config (0 disables)")
	sshPort := flag.Int("ssh-port", -1, "SSH port, overrides config (0 disables)")
	webPort := flag.Int("web-port", -1, "HTTP/WebSocket port, overrides config (0 disables)")
	cmdsetDir := flag.String("cmdsets", "", "Command set definition directory, overrides config")
	wizPass := flag.String("wizpass", os.Getenv("CMDHOST_WIZPASS"), "Wizard password for a new world (env: CMDHOST_WIZPASS)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Println(server.VersionString())
		return
	}

	gc := server.DefaultGameConf()
	if *confFile != "" {
		var err error
		if gc, err = server.LoadGameConf(*confFile); err != nil {
			log.Fatalf("Error loading game config: %v", err)
		}
	}
	if err := gc.ApplyEnv(); err != nil {
		log.Fatalf("Error reading environment: %v", err)
	}
	if *dataDir != "" {
		gc.DataDir = *dataDir
	}
	for _, o := range []struct {
		flag int
		dst  *int
	}{{*telnetPort, &gc.TelnetPort}, {*tlsPort, &gc.TLSPort}, {*sshPort, &gc.SSHPort}, {*webPort, &gc.WebPort}} {
		if o.flag >= 0 {
			*o.dst = o.flag
		}
	}
	if *cmdsetDir != "" {
		gc.CmdSetDir = *cmdsetDir
	}
	if *debug {
		gc.Debug = true
	}
	if err := gc.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logs := server.SetupLogging(gc, false)
	defer logs.Close()
	log.Printf("Welcome to %s", server.VersionString())
	if *confFile != "" {
		log.Printf("Loaded game config from %s", *confFile)
	}

	store, err := server.OpenWorld(gc, *wizPass)
	if err != nil {
		log.Fatalf("Error opening world: %v", err)
	}
	defer store.Close()

	game, err := server.NewGame(gc, store)
	if err != nil {
		log.Fatalf("Error starting game: %v", err)
	}
	defer game.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	game.Start(ctx)

	srv := server.NewServer(game)
	log.Printf("Starting %s: %s", gc.Name, gc.Summary())
	if err := srv.Start(); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	<-ctx.Done()
	log.Printf("Shutting down...")
	srv.Stop()
	done := make(chan struct{})
	go func() {
		srv.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Printf("WARNING: listeners did not stop in time")
	}
}
