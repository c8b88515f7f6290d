package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/jmoiron/sqlx"
	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/prometheus/client_golang/prometheus"

	"vizql/cache"
	"vizql/comms"
	"vizql/core"
	"vizql/datasource"
	"vizql/metrics"
	"vizql/util/signals"
	"vizql/web"
)

type Config struct {
	Address         string
	Port            int
	DBFile          string
	MetadataFile    string
	DefinitionsDir  string
	Watch           bool
	RowLimit        int
	MaxRowLimit     int
	QueryTimeout    time.Duration
	CaseInsensitive bool
	Location        *time.Location
	Cache           string
	CacheTimeout    int
	CacheCapacity   uint64
	NatsURL         string
	NatsHost        string
	NatsPort        int
	NatsDir         string
	NatsDontListen  bool
	NatsCacheBucket string
	JWTSecret       []byte
	MapboxAPIKey    string
	MapIconPath     string
	ShowStacktrace  bool
}

func main() {
	config := loadConfig()
	signals.HandleInterrupt(Run(config))
}

func loadConfig() Config {
	flags := ff.NewFlagSet("vizql")
	help := flags.Bool('h', "help", "show help")
	addr := flags.StringLong("addr", "localhost", "server address")
	port := flags.Int('p', "port", 5000, "port to listen on")
	dbFile := flags.String('d', "duckdb", "", "path to duckdb file (default: use in-memory db)")
	metadataFile := flags.StringLong("metadata", "vizql.sqlite", "path to the sqlite file storing datasource definitions")
	definitionsDir := flags.StringLong("definitions", "", "directory of YAML datasource definitions to load on start")
	watch := flags.BoolLong("watch", "reload definitions when files in --definitions change")
	rowLimit := flags.IntLong("row-limit", 10000, "row limit when form data sets none")
	maxRowLimit := flags.IntLong("max-row-limit", 50000, "upper bound for requested row limits")
	queryTimeout := flags.DurationLong("query-timeout", time.Minute, "statement timeout")
	caseInsensitive := flags.BoolLong("case-insensitive", "compare string values of in / not in filters in lower case")
	timezone := flags.StringLong("timezone", "UTC", "timezone used to resolve relative dates and render series timestamps")
	cacheBackend := flags.StringLong("cache", "memory", "result cache backend: memory, nats or none")
	cacheTimeout := flags.IntLong("cache-timeout", 86400, "default cache timeout in seconds")
	cacheCapacity := flags.IntLong("cache-capacity", 1000, "maximum number of results in the memory cache")
	natsURL := flags.StringLong("nats-url", "", "URL of an external NATS server (default: embedded server)")
	natsHost := flags.StringLong("nats-host", "0.0.0.0", "embedded NATS server host")
	natsPort := flags.IntLong("nats-port", 4222, "embedded NATS server port")
	natsDir := flags.StringLong("nats-dir", "", "JetStream storage directory (default: temporary directory)")
	natsDontListen := flags.BoolLong("nats-dont-listen", "Disable NATS from listening on any port")
	natsCacheBucket := flags.StringLong("nats-cache-bucket", "vizql-cache", "JetStream key-value bucket of the result cache")
	jwtSecret := flags.StringLong("jwtsecret", "", "JWT secret to verify bearer tokens (default: no authentication)")
	mapboxAPIKey := flags.StringLong("mapbox-api-key", "", "Mapbox API key passed to map charts")
	mapIconPath := flags.StringLong("map-icon-path", "", "URL prefix of bubble map marker icons")
	showStacktrace := flags.BoolLong("stacktrace", "include stacktraces of failed queries in payloads")
	_ = flags.StringLong("config", "", "config file (optional)")

	err := ff.Parse(flags, os.Args[1:],
		ff.WithEnvVarPrefix("VIZQL"),
		ff.WithConfigFileFlag("config"),
		ff.WithConfigFileParser(ff.PlainParser),
	)
	var loc *time.Location
	if err == nil {
		loc, err = time.LoadLocation(*timezone)
	}
	if err == nil && *cacheBackend != "memory" && *cacheBackend != "nats" && *cacheBackend != "none" {
		err = fmt.Errorf("--cache must be memory, nats or none")
	}
	if err == nil && *watch && *definitionsDir == "" {
		err = fmt.Errorf("--watch needs --definitions")
	}
	if err != nil {
		fmt.Printf("%s\n", ffhelp.Flags(flags))
		fmt.Printf("err=%v\n", err)
		os.Exit(1)
	}
	if *help {
		fmt.Printf("%s\n", ffhelp.Flags(flags))
		os.Exit(0)
	}

	return Config{
		Address:         *addr,
		Port:            *port,
		DBFile:          *dbFile,
		MetadataFile:    *metadataFile,
		DefinitionsDir:  *definitionsDir,
		Watch:           *watch,
		RowLimit:        *rowLimit,
		MaxRowLimit:     *maxRowLimit,
		QueryTimeout:    *queryTimeout,
		CaseInsensitive: *caseInsensitive,
		Location:        loc,
		Cache:           *cacheBackend,
		CacheTimeout:    *cacheTimeout,
		CacheCapacity:   uint64(max(*cacheCapacity, 0)),
		NatsURL:         *natsURL,
		NatsHost:        *natsHost,
		NatsPort:        *natsPort,
		NatsDir:         *natsDir,
		NatsDontListen:  *natsDontListen,
		NatsCacheBucket: *natsCacheBucket,
		JWTSecret:       []byte(*jwtSecret),
		MapboxAPIKey:    *mapboxAPIKey,
		MapIconPath:     *mapIconPath,
		ShowStacktrace:  *showStacktrace,
	}
}

func Run(config Config) func(context.Context) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	ctx := context.Background()

	// connect to duckdb
	dbConnector, err := duckdb.NewConnector(config.DBFile, nil)
	if err != nil {
		panic(err)
	}
	db := sqlx.NewDb(sql.OpenDB(dbConnector), "duckdb")
	if config.DBFile != "" {
		fmt.Println("⇨ connected to duckdb", config.DBFile)
	} else {
		fmt.Println("⇨ connected to in-memory duckdb")
	}

	metaDB, err := sqlx.Open("sqlite", config.MetadataFile)
	if err != nil {
		panic(err)
	}
	// SQLite allows a single writer
	metaDB.SetMaxOpenConns(1)
	store, err := datasource.NewStore(ctx, metaDB)
	if err != nil {
		panic(err)
	}

	var watcher *datasource.Watcher
	if config.DefinitionsDir != "" {
		n, err := datasource.LoadDir(ctx, store, config.DefinitionsDir, logger.WithGroup("definitions"))
		if err != nil {
			panic(err)
		}
		fmt.Println("⇨ loaded", n, "datasources from", config.DefinitionsDir)
		if config.Watch {
			watcher, err = datasource.Watch(config.DefinitionsDir, store, logger.WithGroup("definitions"))
			if err != nil {
				panic(err)
			}
		}
	}

	var c *comms.Comms
	var backend cache.Backend
	switch config.Cache {
	case "memory":
		backend = cache.NewMemory(time.Duration(config.CacheTimeout)*time.Second, config.CacheCapacity)
	case "nats":
		natsDir := config.NatsDir
		if natsDir == "" {
			natsDir = filepath.Join(os.TempDir(), "vizql-nats")
		}
		c, err = comms.New(comms.Config{
			URL:        config.NatsURL,
			Host:       config.NatsHost,
			Port:       config.NatsPort,
			Dir:        natsDir,
			DontListen: config.NatsDontListen,
			Logger:     logger.WithGroup("nats"),
		})
		if err != nil {
			panic(err)
		}
		kv, err := cache.NewKV(ctx, c.JetStream, config.NatsCacheBucket, time.Duration(config.CacheTimeout)*time.Second)
		if err != nil {
			panic(err)
		}
		backend = kv
	}
	var cacheLayer *cache.Layer
	if backend != nil {
		cacheLayer = cache.New(backend, logger.WithGroup("cache"))
	}

	metricsPath := "."
	if config.DBFile != "" {
		metricsPath = filepath.Dir(config.DBFile)
	}
	if err := metrics.Init(prometheus.DefaultRegisterer, metricsPath); err != nil {
		panic(err)
	}

	app, err := core.New(db, store, cacheLayer, logger, core.Config{
		CacheTimeout:    config.CacheTimeout,
		RowLimit:        config.RowLimit,
		MaxRowLimit:     config.MaxRowLimit,
		QueryTimeout:    config.QueryTimeout,
		CaseInsensitive: config.CaseInsensitive,
		Location:        config.Location,
		MapboxAPIKey:    config.MapboxAPIKey,
		MapIconPath:     config.MapIconPath,
		ShowStacktrace:  config.ShowStacktrace,
		JWTSecret:       config.JWTSecret,
	})
	if err != nil {
		panic(err)
	}

	e := web.Start(fmt.Sprintf("%s:%d", config.Address, config.Port), app, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)

	return func(ctx context.Context) {
		logger.Info("initiating shutdown...")
		logger.Info("stopping web server...")
		if err := e.Shutdown(ctx); err != nil {
			logger.ErrorContext(ctx, "error stopping server", slog.Any("error", err))
		}
		if watcher != nil {
			watcher.Stop()
		}
		if mem, ok := backend.(*cache.Memory); ok {
			mem.Close()
		}
		if c != nil {
			logger.Info("stopping NATS...")
			c.Close()
		}
		logger.Info("closing DB connections...")
		if err := app.Close(); err != nil {
			logger.ErrorContext(ctx, "error closing database connections", slog.Any("error", err))
		}
		if err := metaDB.Close(); err != nil {
			logger.ErrorContext(ctx, "error closing metadata database", slog.Any("error", err))
		}
		if err := db.Close(); err != nil {
			logger.ErrorContext(ctx, "error closing database connection", slog.Any("error", err))
		}
	}
}
