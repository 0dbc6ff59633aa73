// Command console runs the world in-process and reads command lines from
// the terminal as one actor, with completion from that actor's current
// command table. With -restore it unpacks a backup instead. It opens the
// bolt file directly, so stop the server first.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/chzyer/readline"

	"github.com/crystal-mush/cmdhost/pkg/dispatch"
	"github.com/crystal-mush/cmdhost/pkg/gamedb"
	"github.com/crystal-mush/cmdhost/pkg/server"
)

func main() {
	confFile := flag.String("conf", os.Getenv("CMDHOST_CONF"), "Path to YAML config file (env: CMDHOST_CONF)")
	dataDir := flag.String("data", "", "Data directory, overrides config")
	as := flag.String("as", "", "Account to act as (default: the wizard)")
	verbose := flag.Bool("v", false, "Show log output and line outcomes")
	restore := flag.String("restore", "", "Restore a backup archive (path or \"latest\") and exit")
	restoreConf := flag.Bool("restore-conf", false, "With -restore, also replace a differing config file")
	flag.Parse()

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
	logs := server.SetupLogging(gc, !*verbose && *restore == "")
	defer logs.Close()

	if *restore != "" {
		res, err := server.RestoreBackup(gc, *restore, *restoreConf)
		if err != nil {
			log.Fatalf("Restore failed: %v", err)
		}
		fmt.Printf("Restored %d files from a backup of %s taken %s.\n", res.FilesRestored, res.Manifest.Name, res.Manifest.Timestamp)
		return
	}

	store, err := server.OpenWorld(gc, "")
	if err != nil {
		log.Fatalf("Error opening world: %v", err)
	}
	defer store.Close()
	game, err := server.NewGame(gc, store)
	if err != nil {
		log.Fatalf("Error starting game: %v", err)
	}
	defer game.Close()

	name := *as
	if name == "" {
		name = gc.WizardName
	}
	acct, err := store.GetAccount(name)
	if err != nil {
		log.Fatalf("No account %q: %v", name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	game.Start(ctx)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          fmt.Sprintf("%s> ", game.Name(acct.Actor)),
		InterruptPrompt: "^C",
		EOFPrompt:       "QUIT",
	})
	if err != nil {
		log.Fatalf("readline: %v", err)
	}
	defer rl.Close()

	out := rl.Stdout()
	d := game.InternalSession(acct.Actor, acct.Name, func(msg string) {
		fmt.Fprintln(out, msg)
	})
	game.Bus.Subscribe(acct.Actor, d)
	defer game.Bus.Unsubscribe(acct.Actor, d)

	rl.Config.AutoComplete = readline.NewPrefixCompleter(
		readline.PcItemDynamic(func(string) []string { return completions(game, d, acct.Actor) }),
	)

	fmt.Fprintf(out, "%s console, acting as %s. Ctrl-D quits.\n", server.VersionString(), game.Name(acct.Actor))
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			log.Printf("readline: %v", err)
			return
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		res, ok := game.Exec(ctx, d, line)
		if !ok {
			fmt.Fprintln(out, "(line dropped)")
			continue
		}
		if *verbose {
			fmt.Fprintf(out, "-- %s/%s in %v\n", res.State, res.Reason, res.Elapsed)
		}
		if d.IsClosed() {
			return
		}
	}
}

// completions lists every key the actor could type right now.
func completions(game *server.Game, d *server.Descriptor, actor gamedb.DBRef) []string {
	call := &dispatch.Call{
		ID:      d.ID,
		Caller:  d,
		Sources: game.CallingContext(d),
		Env:     &server.Env{Game: game, Session: d, Actor: actor},
	}
	return game.Engine.Table(call).Keys()
}
