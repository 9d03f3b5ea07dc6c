package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/chroma/v2/quick"
	"github.com/alecthomas/hcl/v2"
	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/po4yka/gitout/internal/config"
	"github.com/po4yka/gitout/internal/healthcheck"
	"github.com/po4yka/gitout/internal/logging"
	"github.com/po4yka/gitout/internal/metrics"
	"github.com/po4yka/gitout/internal/sched"
	"github.com/po4yka/gitout/internal/syncer"
	"github.com/po4yka/gitout/internal/version"
)

type CLI struct {
	Config string `help:"Configuration file path." default:"gitout.hcl" type:"path"`

	Sync    SyncCmd    `cmd:"" help:"Mirror all configured repositories once and exit."`
	Daemon  DaemonCmd  `cmd:"" help:"Run continuously, mirroring on a cron schedule."`
	Schema  SchemaCmd  `cmd:"" help:"Print the configuration file schema."`
	Version VersionCmd `cmd:"" help:"Print the version."`
}

type SyncCmd struct {
	Destination string `arg:"" help:"Directory to mirror repositories into." type:"path"`
	DryRun      bool   `help:"Print the git commands that would run without executing them."`
	Workers     int    `help:"Override the configured worker count." placeholder:"N"`
}

func (c *SyncCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config, config.ParseEnvars())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	_, ctx = logging.Configure(ctx, cfg.Log)

	recorder, err := metrics.NewSyncMetrics()
	if err != nil {
		return err
	}
	ctx = metrics.ContextWithSync(ctx, recorder)

	pinger := healthcheck.New(cfg.Healthcheck)
	pinger.Start(ctx)
	_, err = syncer.PerformSync(ctx, cfg, syncer.Options{
		DestinationRoot: c.Destination,
		DryRun:          c.DryRun,
		Workers:         c.Workers,
	})
	if err != nil {
		pinger.Fail(ctx)
		return err
	}
	pinger.Success(ctx)
	return nil
}

type DaemonCmd struct {
	Destination string `arg:"" help:"Directory to mirror repositories into." type:"path"`
	Workers     int    `help:"Override the configured worker count." placeholder:"N"`
}

func (c *DaemonCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config, config.ParseEnvars())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger, ctx := logging.Configure(ctx, cfg.Log)

	metricsClient, err := metrics.New(ctx, cfg.Metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := metricsClient.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close metrics client", "error", err)
		}
	}()
	if err := metricsClient.ServeMetrics(ctx); err != nil {
		return err
	}

	recorder, err := metrics.NewSyncMetrics()
	if err != nil {
		return err
	}
	ctx = metrics.ContextWithSync(ctx, recorder)

	daemon := &sched.Daemon{
		ConfigPath: cli.Config,
		Options: syncer.Options{
			DestinationRoot: c.Destination,
			Workers:         c.Workers,
		},
	}
	return daemon.Run(ctx)
}

type SchemaCmd struct{}

func (c *SchemaCmd) Run(*CLI) error {
	text, err := hcl.MarshalAST(config.Schema())
	if err != nil {
		return err
	}

	if fileInfo, err := os.Stdout.Stat(); err == nil && (fileInfo.Mode()&os.ModeCharDevice) != 0 {
		return quick.Highlight(os.Stdout, string(text), "terraform", "terminal256", "solarized")
	}
	fmt.Printf("%s\n", text) //nolint:forbidigo
	return nil
}

type VersionCmd struct{}

func (c *VersionCmd) Run(*CLI) error {
	fmt.Println(version.Version) //nolint:forbidigo
	return nil
}

func main() {
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("gitout"),
		kong.Description("Mirror GitHub and other git repositories for backup."),
		kong.DefaultEnvars("GITOUT"),
	)
	err := kctx.Run(&cli)
	kctx.FatalIfErrorf(err)
}
