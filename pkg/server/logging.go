package server

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupLogging points the standard logger at stderr and, when log_file is
// set, a size-rotated file as well. The returned closer flushes the file.
func SetupLogging(conf *GameConf, quiet bool) io.Closer {
	SetDebug(conf.Debug)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var stderr io.Writer = os.Stderr
	if quiet {
		stderr = io.Discard
	}
	if conf.LogFile == "" {
		log.SetOutput(stderr)
		return io.NopCloser(nil)
	}
	path := conf.Path(conf.LogFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Printf("WARNING: log dir: %v", err)
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    conf.LogMaxSize,
		MaxBackups: conf.LogMaxBackups,
		MaxAge:     conf.LogMaxAge,
		Compress:   conf.LogCompress,
	}
	log.SetOutput(io.MultiWriter(stderr, lj))
	return lj
}
