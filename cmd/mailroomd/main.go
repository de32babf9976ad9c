package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/mailroom/mailroom/framework/log"
	"github.com/mailroom/mailroom/relay"
)

func main() {
	app := cli.NewApp()
	app.Name = "mailroomd"
	app.Usage = "mailroom SMTP/LMTP routing daemon"
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			fmt.Fprintln(os.Stderr, "mailroomd:", err)
			cli.OsExiter(1)
		}
	}

	app.Commands = []*cli.Command{
		{
			Name:  "run",
			Usage: "load a config file and start serving",
			Flags: []cli.Flag{
				&cli.PathFlag{Name: "config", Aliases: []string{"c"}, Required: true, Usage: "path to the directive file"},
			},
			Action: runCommand,
		},
		{
			Name:  "send",
			Usage: "relay a single message, equivalent to salmon's sendmail command",
			Flags: []cli.Flag{
				&cli.StringFlag{Name: "host", Required: true, Usage: "smart host to relay through"},
				&cli.StringFlag{Name: "port", Value: "25"},
				&cli.BoolFlag{Name: "starttls"},
				&cli.BoolFlag{Name: "ssl"},
				&cli.StringFlag{Name: "user"},
				&cli.StringFlag{Name: "password"},
				&cli.StringFlag{Name: "to", Required: true},
				&cli.StringFlag{Name: "from", Required: true},
				&cli.StringFlag{Name: "subject"},
				&cli.StringFlag{Name: "body"},
			},
			Action: sendCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "mailroomd:", err)
		os.Exit(1)
	}
}

func runCommand(ctx *cli.Context) error {
	cfg, err := LoadConfig(ctx.String("config"))
	if err != nil {
		return err
	}

	out, name, err := openLogOutput(cfg.LogTarget)
	if err != nil {
		return err
	}
	logger := log.Logger{Out: log.WriterOutput(out, name != "stderr"), Debug: cfg.Debug}

	if cfg.PIDFile != "" {
		if err := os.WriteFile(cfg.PIDFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("mailroomd: pidfile: %w", err)
		}
		defer os.Remove(cfg.PIDFile)
	}

	d, err := Bootstrap(cfg, logger)
	if err != nil {
		return err
	}

	if err := d.DropPrivileges(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	go waitForShutdownSignal(logger, cancel)

	logger.Printf("mailroomd ready")
	return d.Serve(runCtx)
}

// waitForShutdownSignal mirrors the teacher's handleSignals: SIGINT, SIGTERM
// and SIGHUP all request a graceful shutdown; a second signal forces an
// immediate exit rather than waiting on in-flight deliveries.
func waitForShutdownSignal(logger log.Logger, cancel context.CancelFunc) {
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGINT)

	s := <-sig
	logger.Printf("signal received (%s), shutting down", s)
	cancel()

	s = <-sig
	logger.Printf("signal received (%s) again, forcing shutdown", s)
	os.Exit(1)
}

func sendCommand(ctx *cli.Context) error {
	r, err := relay.New(relay.Config{
		Host:     ctx.String("host"),
		Port:     ctx.String("port"),
		SSL:      ctx.Bool("ssl"),
		StartTLS: ctx.Bool("starttls"),
		Username: ctx.String("user"),
		Password: ctx.String("password"),
	})
	if err != nil {
		return err
	}

	return r.Send(context.Background(), ctx.String("to"), ctx.String("from"), ctx.String("subject"), ctx.String("body"))
}
