package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/odvcencio/marionette/pkg/cdp/network"
	"github.com/odvcencio/marionette/pkg/config"
	"github.com/odvcencio/marionette/pkg/devtools"
	"github.com/odvcencio/marionette/pkg/logging"
)

// Version information - set via ldflags during build
var (
	version   = "1.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		endpoint    = flag.String("endpoint", "", "websocket debugger URL (overrides config)")
		expr        = flag.String("eval", "", "JavaScript expression to evaluate in the default context")
		watch       = flag.Bool("watch", false, "enable interception and log every paused request until interrupted")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("marionette %s (%s, built %s)\n", version, commit, buildDate)
		return
	}

	if err := run(*configPath, *endpoint, *expr, *watch); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, endpoint, expr string, watch bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if endpoint != "" {
		cfg.Session.Endpoint = endpoint
	}
	if cfg.Session.Endpoint == "" {
		return fmt.Errorf("no endpoint configured; pass -endpoint or set session.endpoint")
	}
	if watch {
		cfg.Interception.Enabled = true
	}

	var log *logging.Logger
	if cfg.Logging.Dir != "" {
		log, err = logging.NewLogger(cfg.Logging.Dir, uuid.NewString())
		if err != nil {
			return err
		}
		defer log.Close()
		log.SetMinLevel(logging.Level(cfg.Logging.Level))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.Session.DialTimeout)
	defer cancel()
	client, err := devtools.Connect(dialCtx, &cfg, log, devtools.Options{})
	if err != nil {
		return err
	}
	defer client.Close()

	if watch {
		client.OnRequest(func(r *network.Request) {
			fmt.Printf("%s %s [%s]\n", r.Method(), r.URL(), r.ResourceType())
			if err := r.Continue(ctx, nil); err != nil {
				fmt.Fprintf(os.Stderr, "continue %s: %v\n", r.RequestID(), err)
			}
		})
	}

	if expr != "" {
		opCtx, cancel := context.WithTimeout(ctx, cfg.Session.OperationTimeout)
		defer cancel()
		if _, err := client.WaitForDefaultContext(opCtx); err != nil {
			return fmt.Errorf("no execution context announced: %w", err)
		}
		v, err := client.Evaluate(opCtx, expr)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}

	if !watch {
		return nil
	}

	fmt.Fprintln(os.Stderr, "watching intercepted requests; ctrl-c to stop")
	<-ctx.Done()
	return nil
}
