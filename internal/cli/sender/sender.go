// Package sender implements `fan send`, `fan msg` and `fan status`, the
// controller side of the CLI.
package sender

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/sheerbytes/fanrelay/internal/config"
	"github.com/sheerbytes/fanrelay/internal/controller"
	"github.com/sheerbytes/fanrelay/internal/logging"
	"github.com/sheerbytes/fanrelay/internal/progress"
	"github.com/sheerbytes/fanrelay/internal/relay"
	"github.com/sheerbytes/fanrelay/internal/scheduler"
	"github.com/sheerbytes/fanrelay/internal/session"
)

const (
	presenceWait = 3 * time.Second
	settleWait   = 30 * time.Second
)

// Run uploads one file to a set of destinations and returns the exit code.
// Lines read from stdin steer the transfer while it runs.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fan send", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { printSendUsage(stderr, fs) }
	cfg, err := config.ParseClientConfig(fs, args, relay.DefaultControllerName)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if fs.NArg() < 1 {
		fs.Usage()
		return 2
	}
	path := fs.Arg(0)
	targets := config.SplitList(strings.Join(fs.Args()[1:], ","))
	policy, err := scheduler.ParsePausePolicy(cfg.PausePolicy)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger := logging.NewWithWriter(stderr, "fan-send", cfg.LogLevel)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctl, runErr, err := connect(ctx, cfg, logger, controller.Options{
		ChunkSize:   cfg.ChunkSize,
		PausePolicy: policy,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, presenceWait)
	if len(targets) > 0 {
		err = ctl.WaitOnline(waitCtx, targets...)
	} else {
		err = ctl.WaitAnyOnline(waitCtx)
	}
	waitCancel()
	if err != nil && ctx.Err() == nil {
		logger.Warn("destinations not all online, sending anyway", "targets", targets, "online", ctl.Online())
	}

	id, err := ctl.Upload(ctx, path, targets)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger.Info("upload started", "transfer", id, "file", path)

	go readCommands(ctx, ctl, stdin, stdout, logger)
	stopRender := progress.Render(ctx, stdout, ctl.View)

	var snap scheduler.Snapshot
	select {
	case err := <-runErr:
		stopRender()
		fmt.Fprintf(stderr, "relay connection lost: %v\n", err)
		return 1
	case <-waitDone(ctx, ctl):
	}
	settleCtx, settleCancel := context.WithTimeout(ctx, settleWait)
	snap, err = ctl.WaitSettled(settleCtx)
	settleCancel()
	stopRender()
	if err != nil {
		snap, _ = ctl.Transfer()
		logger.Warn("not every destination reported back", "error", err)
	}
	printSummary(stdout, snap)
	if ctx.Err() != nil {
		return 130
	}
	return 0
}

// RunMessage sends one text message and exits.
func RunMessage(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fan msg", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var to string
	fs.StringVar(&to, "to", "", "comma-separated destinations (default: every online destination)")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: fan msg [-to dest,dest] [flags] <text...>")
		fs.PrintDefaults()
	}
	cfg, err := config.ParseClientConfig(fs, args, relay.DefaultControllerName)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	text := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if text == "" {
		fs.Usage()
		return 2
	}
	logger := logging.NewWithWriter(stderr, "fan-msg", cfg.LogLevel)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	ctl, _, err := connect(ctx, cfg, logger, controller.Options{Logger: logger})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	if err := ctl.SendText(config.SplitList(to), text); err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, "message sent")
	return 0
}

// connect dials the relay as the controller and starts dispatching inbound
// frames. The returned channel yields the read loop's error if it ends.
func connect(ctx context.Context, cfg config.ClientConfig, logger *slog.Logger, opts controller.Options) (*controller.Controller, <-chan error, error) {
	sess, err := session.Dial(ctx, session.Options{
		URL:       cfg.ServerURL,
		Transport: cfg.Transport,
		Name:      cfg.Name,
		Logger:    logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to relay: %w", err)
	}
	go func() {
		<-ctx.Done()
		_ = sess.Close()
	}()
	ctl := controller.New(sess, opts)
	runErr := make(chan error, 1)
	go func() {
		err := ctl.Run(ctx)
		if err == nil && ctx.Err() == nil {
			err = errors.New("relay closed the connection")
		}
		if err != nil {
			runErr <- err
		}
	}()
	return ctl, runErr, nil
}

func waitDone(ctx context.Context, ctl *controller.Controller) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_, _ = ctl.Wait(ctx)
		close(done)
	}()
	return done
}

func readCommands(ctx context.Context, ctl *controller.Controller, stdin io.Reader, out io.Writer, logger *slog.Logger) {
	if stdin == nil {
		return
	}
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		cmd, err := parseCommand(scanner.Text())
		if err == nil {
			err = apply(ctl, cmd, out)
		}
		if err != nil {
			fmt.Fprintln(out, err)
			continue
		}
		if cmd.verb != "" && cmd.verb != "status" && cmd.verb != "help" {
			logger.Info("command applied", "command", cmd.verb, "target", cmd.target)
		}
	}
}

func printSummary(w io.Writer, snap scheduler.Snapshot) {
	fmt.Fprintf(w, "%s (%s):\n", snap.FileName, progress.FormatBytes(snap.Size))
	for _, d := range snap.Dests {
		outcome := d.State.String()
		if d.Report != "" && d.Report != outcome {
			outcome += ", reported " + d.Report
		}
		if d.RouteErrors > 0 {
			outcome += fmt.Sprintf(", %d chunks undelivered", d.RouteErrors)
		}
		fmt.Fprintf(w, "  %-12s %s\n", d.Name, outcome)
	}
}

func printSendUsage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "usage: fan send [flags] <file> [destination ...]")
	fmt.Fprintln(w, "  with no destinations the file goes to every online destination")
	fmt.Fprintln(w, "  while running, type: pause <dest> | resume <dest> | cancel <dest> | msg <dest,dest|*> <text> | status | abort")
	fs.PrintDefaults()
}
