// Package receiver implements `fan recv`, a destination that stays connected
// and writes whatever the controller sends under its download root.
package receiver

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/sheerbytes/fanrelay/internal/config"
	"github.com/sheerbytes/fanrelay/internal/destination"
	"github.com/sheerbytes/fanrelay/internal/logging"
	"github.com/sheerbytes/fanrelay/internal/session"
	"github.com/sheerbytes/fanrelay/internal/storage"
	"github.com/sheerbytes/fanrelay/pkg/protocol"
)

// Run serves one destination identity until ctx ends or the relay hangs up,
// and returns the exit code.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fan recv", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "usage: fan recv -name <destination> [flags]")
		fs.PrintDefaults()
	}
	cfg, err := config.ParseClientConfig(fs, args, "")
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	logger := logging.NewWithWriter(stderr, "fan-recv", cfg.LogLevel)

	sess, err := session.Dial(ctx, session.Options{
		URL:       cfg.ServerURL,
		Transport: cfg.Transport,
		Name:      cfg.Name,
		Logger:    logger,
	})
	var rejected *session.RejectedError
	if errors.As(err, &rejected) {
		fmt.Fprintf(stderr, "relay refused %q: %s\n", cfg.Name, rejected.Message)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "connect to relay: %v\n", err)
		return 1
	}
	defer sess.Close()

	store := storage.NewDisk(cfg.Out)
	agent := destination.New(sess, destination.Options{
		Store:      store,
		MaxPending: cfg.MaxPending,
		Logger:     logger,
		OnText: func(msg protocol.TextMessage) {
			fmt.Fprintf(stdout, "[%s] %s\n", msg.From, msg.Text)
		},
	})
	fmt.Fprintf(stdout, "connected as %s, saving to %s\n", sess.Name(), store.Root())

	err = agent.Run(ctx)
	st := agent.Status()
	logger.Info("disconnected", "state", st.State, "file", st.FileName, "written", st.Written)
	if err != nil && ctx.Err() == nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}
