package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/crystal-mush/cmdhost/pkg/cmdset"
)

func TestLoadGameConf(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "game.yaml")
	if err := os.WriteFile(path, []byte(`
name: testworld
telnet_port: 4201
ssh_port: 4202
data_dir: state
actor_sets: [actor, emotes]
duplicate_policy: first_wins
`), 0644); err != nil {
		t.Fatal(err)
	}
	gc, err := LoadGameConf(path)
	if err != nil {
		t.Fatal(err)
	}
	if gc.Name != "testworld" || gc.TelnetPort != 4201 || gc.SSHPort != 4202 {
		t.Errorf("loaded = %+v", gc)
	}
	if gc.DataDir != filepath.Join(dir, "state") {
		t.Errorf("DataDir = %q, want it resolved next to the file", gc.DataDir)
	}
	if gc.Source != path {
		t.Errorf("Source = %q", gc.Source)
	}
	if diff := cmp.Diff([]string{"actor", "emotes"}, gc.ActorSets); diff != "" {
		t.Errorf("ActorSets (-want +got):\n%s", diff)
	}
	if gc.Duplicates() != cmdset.FirstWins {
		t.Errorf("Duplicates = %v", gc.Duplicates())
	}
	// Unset keys keep their defaults.
	if gc.QueueLimit != DefaultGameConf().QueueLimit || gc.BoltPath != "world.bolt" {
		t.Errorf("defaults lost: queue %d bolt %q", gc.QueueLimit, gc.BoltPath)
	}
	if got := gc.Path("world.bolt"); got != filepath.Join(dir, "state", "world.bolt") {
		t.Errorf("Path = %q", got)
	}
	if got := gc.Path("/abs/file"); got != "/abs/file" {
		t.Errorf("Path(abs) = %q", got)
	}

	if _, err := LoadGameConf(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("missing file loaded")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("CMDHOST_TELNET_PORT", "7000")
	t.Setenv("CMDHOST_ACTOR_SETS", "actor,builder")
	t.Setenv("CMDHOST_HIDE_DENIED", "true")
	gc := DefaultGameConf()
	gc.Name = "kept"
	if err := gc.ApplyEnv(); err != nil {
		t.Fatal(err)
	}
	if gc.TelnetPort != 7000 || !gc.HideDenied || gc.Name != "kept" {
		t.Errorf("after env: port %d hide %v name %q", gc.TelnetPort, gc.HideDenied, gc.Name)
	}
	if diff := cmp.Diff([]string{"actor", "builder"}, gc.ActorSets); diff != "" {
		t.Errorf("ActorSets (-want +got):\n%s", diff)
	}

	t.Setenv("CMDHOST_WEB_PORT", "lots")
	if err := DefaultGameConf().ApplyEnv(); err == nil {
		t.Error("non-numeric port accepted")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		tweak func(*GameConf)
		ok    bool
	}{
		{"defaults", func(*GameConf) {}, true},
		{"bad policy", func(c *GameConf) { c.DuplicatePolicy = "coinflip" }, false},
		{"port range", func(c *GameConf) { c.WebPort = 70000 }, false},
		{"half a key pair", func(c *GameConf) { c.TLSPort = 4203; c.TLSCert = "c.pem" }, false},
		{"autocert", func(c *GameConf) { c.TLSPort = 4203; c.WebDomain = "example.org" }, true},
		{"no bolt", func(c *GameConf) { c.BoltPath = "" }, false},
		{"negative keep", func(c *GameConf) { c.BackupKeep = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gc := DefaultGameConf()
			tt.tweak(gc)
			if err := gc.Validate(); (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestSummary(t *testing.T) {
	gc := DefaultGameConf()
	gc.SSHPort = 2222
	s := gc.Summary()
	for _, want := range []string{"telnet:6250", "ssh:2222", "duplicates=multi_match"} {
		if !strings.Contains(s, want) {
			t.Errorf("Summary %q lacks %q", s, want)
		}
	}
}

func TestHelpFile(t *testing.T) {
	hf := ParseHelp(`& help
Try "help <topic>".
& say
& "
Say something to the room.

& score
Shows your score.
`)
	tests := []struct {
		topic, want string
	}{
		{"", `Try "help <topic>".`},
		{"say", "Say something to the room."},
		{`"`, "Say something to the room."},
		{"SCO", "Shows your score."},
		{"s*", "Here are the entries which match 's*':\n  say  score"},
		{"nope", ""},
	}
	for _, tt := range tests {
		if got := hf.Lookup(tt.topic); got != tt.want {
			t.Errorf("Lookup(%q) = %q, want %q", tt.topic, got, tt.want)
		}
	}
}

func TestTextFilesReload(t *testing.T) {
	dir := t.TempDir()
	writeDefs(t, filepath.Join(dir, "motd.txt"), "Be excellent.\n")
	tf := LoadTextFiles(dir)
	if tf.GetMotd() != "Be excellent.\n" || tf.GetHelp() != nil {
		t.Errorf("motd %q help %v", tf.GetMotd(), tf.GetHelp())
	}
	writeDefs(t, filepath.Join(dir, "help.txt"), "& help\nNo help for you.\n")
	tf.Reload()
	if hf := tf.GetHelp(); hf == nil || hf.Lookup("") != "No help for you." {
		t.Errorf("help after reload = %+v", tf.GetHelp())
	}
}

func TestStripTelnet(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"look", "look"},
		{"\xff\xfb\x01look", "look"},
		{"say hi\x07\r", "say hi"},
		{"tab\there", "tab\there"},
		{"tail\xff\xf1", "tail"},
		{"\xff\xf1look", "look"},
		{"\xff\xf9say hi", "say hi"},
		{"\xff\xfd\x18look", "look"},
		{"\xff\xfa\x18\x00xterm\xff\xf0look", "look"},
		{"\xff\xfa\x1f\x00\x50", ""},
		{"a\xff\xffb", "ab"},
		{"cut\xff\xfb", "cut"},
		{"end\xff", "end"},
	}
	for _, tt := range tests {
		if got := stripTelnet(tt.in); got != tt.want {
			t.Errorf("stripTelnet(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatTimes(t *testing.T) {
	tests := []struct {
		d          time.Duration
		idle, conn string
	}{
		{30 * time.Second, "30s", "00:00"},
		{5 * time.Minute, "5m", "00:05"},
		{3*time.Hour + 7*time.Minute, "3h", "03:07"},
		{50 * time.Hour, "2d", "50:00"},
	}
	for _, tt := range tests {
		if got := FormatIdleTime(tt.d); got != tt.idle {
			t.Errorf("FormatIdleTime(%v) = %q, want %q", tt.d, got, tt.idle)
		}
		if got := FormatConnTime(tt.d); got != tt.conn {
			t.Errorf("FormatConnTime(%v) = %q, want %q", tt.d, got, tt.conn)
		}
	}
}
