package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	offlinecache "github.com/offlinecache/offlinecache"
	"github.com/offlinecache/offlinecache/cachestore"
	"github.com/offlinecache/offlinecache/syncqueue"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	versionFlag        string
	dbFilenameFlag     string
	queueDirFlag       string
	installRetriesFlag int
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to (overrides config)")
	flag.IntVar(&portFlag, "port", 8080, "Port to listen on")
	flag.StringVar(&versionFlag, "version", "", "Cache generation version tag (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "cache.db", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&queueDirFlag, "queue", "queue.db", "Sync queue directory")
	flag.IntVar(&installRetriesFlag, "install-retries", 3, "Retries for a failed install before giving up")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config := offlinecache.FileConfig{
		Port:    portFlag,
		Origin:  originFlag,
		Version: versionFlag,
		DB:      dbFilenameFlag,
	}
	if configFilenameFlag != "" {
		var err error
		config, err = offlinecache.LoadConfig(configFilenameFlag)
		if err != nil {
			log.Fatal().Err(err).Msg("Could not load config")
		}
		if originFlag != "" {
			config.Origin = originFlag
		}
		if versionFlag != "" {
			config.Version = versionFlag
		}
	}
	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	if config.Version == "" {
		log.Fatal().Msg("Please specify cache generation version")
	}

	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}

	dbFilename := config.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	provider, err := cachestore.NewSQLiteProvider(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache db")
	}

	queueDir := config.QueueDir
	if queueDir == "" {
		queueDir = queueDirFlag
	}
	queue, err := syncqueue.Open(queueDir, syncqueue.Options{
		MaxAttempts: config.MaxReplayAttempts,
		Logger:      &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open sync queue")
	}
	defer queue.Close()

	gateway := offlinecache.New(offlinecache.Config{
		Provider:     provider,
		OriginURL:    *originURL,
		Version:      config.Version,
		Manifest:     config.Manifest,
		APIPrefixes:  config.APIPrefixes,
		PagePatterns: config.PagePatterns,
		SkipWaiting:  config.SkipWaiting,
		Queue:        queue,
		Logger:       &log.Logger,
	})

	// install retries are a caller-level policy; the lifecycle itself only
	// reports failure and leaves prior generations serving
	ctx := context.Background()
	for attempt := 0; ; attempt++ {
		err = gateway.Run(ctx)
		if err == nil {
			break
		}
		if attempt >= installRetriesFlag {
			log.Fatal().Err(err).Msg("Could not install cache generation")
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("Install failed, retrying")
		time.Sleep(time.Second << attempt)
	}

	log.Info().Msgf("Proxying port %v to %s", config.Port, originURL)
	err = http.ListenAndServe(fmt.Sprintf(":%d", config.Port), gateway)

	if err != nil {
		panic(err)
	}
}
