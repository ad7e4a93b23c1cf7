package sender

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/sheerbytes/fanrelay/internal/clienthttp"
	"github.com/sheerbytes/fanrelay/internal/config"
	"github.com/sheerbytes/fanrelay/internal/relay"
)

// RunStatus prints relay health and destination presence without
// identifying to the relay.
func RunStatus(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("fan status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	cfg, err := config.ParseClientConfig(fs, args, relay.DefaultControllerName)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	base, err := clienthttp.BaseURL(cfg.ServerURL)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if err := clienthttp.Health(ctx, base); err != nil {
		fmt.Fprintf(stderr, "relay at %s unhealthy: %v\n", base, err)
		return 1
	}
	list, err := clienthttp.Presence(ctx, base)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintf(stdout, "relay %s ok\n", base)
	for _, st := range list {
		state := "offline"
		if st.Online {
			state = "online"
		}
		fmt.Fprintf(stdout, "  %-12s %s\n", st.Name, state)
	}
	return 0
}
