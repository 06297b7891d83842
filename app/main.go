package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jessevdk/go-flags"

	"github.com/umputun/collector/app/server"
	"github.com/umputun/collector/app/store"
)

var opts struct {
	DataDir     string `long:"data-dir" env:"DATA_DIR" default:"/run/collector" description:"directory for project log files"`
	MaxFileSize int64  `long:"max-file-size" env:"MAX_JSONL_FILE_SIZE" default:"52428800" description:"log rotation threshold in bytes"`

	Server struct {
		Address        string `long:"address" env:"ADDRESS" default:":8000" description:"server listen address"`
		ReadTimeout    int    `long:"read-timeout" env:"READ_TIMEOUT" default:"5" description:"read timeout in seconds"`
		WriteTimeout   int    `long:"write-timeout" env:"WRITE_TIMEOUT" default:"30" description:"write timeout in seconds"`
		BodyLimit      int64  `long:"body-limit" env:"BODY_LIMIT" default:"1048576" description:"max request body size in bytes"`
		RequestsPerSec int64  `long:"requests-per-sec" env:"REQUESTS_PER_SEC" default:"1000" description:"max requests per second"`
	} `group:"server" namespace:"server" env-namespace:"SERVER"`

	Auth struct {
		TokensFile  string `long:"tokens-file" env:"AUTHORIZED_TOKENS_FILE" description:"JSON file mapping usernames to tokens (enables auth)"`
		TokenHeader string `long:"token-header" env:"TOKEN_HEADER_NAME" default:"X-JSON-Collector-Token" description:"header checked for the token"`
		HotReload   bool   `long:"hot-reload" env:"AUTH_HOT_RELOAD" description:"watch tokens file for changes and reload"`
	} `group:"auth" namespace:"auth"`

	Debug   bool `long:"dbg" env:"DEBUG" description:"debug mode"`
	Version bool `long:"version" description:"show version and exit"`
}

var revision = "unknown"

func main() {
	fmt.Printf("collector %s\n", revision)

	p := flags.NewParser(&opts, flags.PassDoubleDash|flags.HelpFlag)
	if _, err := p.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			p.WriteHelp(os.Stderr)
			os.Exit(2)
		}
		fmt.Printf("%v\n", err)
		os.Exit(1)
	}

	if opts.Version {
		os.Exit(0)
	}

	setupLogs(opts.Debug)

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel)

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] failed: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	log.Printf("[INFO] starting json collector on %s, data dir %s", opts.Server.Address, opts.DataDir)
	if opts.Auth.TokensFile != "" {
		log.Printf("[INFO] token authentication enabled, header %s", opts.Auth.TokenHeader)
	}

	if err := os.MkdirAll(opts.DataDir, 0o750); err != nil {
		return fmt.Errorf("failed to create data dir %s: %w", opts.DataDir, err)
	}

	journal := store.NewJournal(opts.DataDir, opts.MaxFileSize)

	srv, err := server.New(journal, server.Config{
		Address:        opts.Server.Address,
		ReadTimeout:    time.Duration(opts.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(opts.Server.WriteTimeout) * time.Second,
		Version:        revision,
		AuthTokensFile: opts.Auth.TokensFile,
		TokenHeader:    opts.Auth.TokenHeader,
		AuthHotReload:  opts.Auth.HotReload,
		BodySizeLimit:  opts.Server.BodyLimit,
		RequestsPerSec: opts.Server.RequestsPerSec,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

func setupLogs(dbg bool) io.Writer {
	log.Setup(log.Msec)
	if dbg {
		log.Setup(log.Debug, log.CallerFunc, log.CallerPkg, log.CallerFile)
	}
	return os.Stdout
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			switch sig {
			case syscall.SIGQUIT:
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
			case syscall.SIGTERM, syscall.SIGINT:
				cancel()
			}
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGINT)
}
