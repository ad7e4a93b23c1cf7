package sender

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sheerbytes/fanrelay/internal/config"
	"github.com/sheerbytes/fanrelay/internal/controller"
	"github.com/sheerbytes/fanrelay/internal/progress"
)

var errUnknownCommand = errors.New("unknown command")

// command is one line typed at the sender prompt.
type command struct {
	verb    string
	target  string
	targets []string
	text    string
}

// parseCommand understands:
//
//	pause <dest> | resume <dest> | cancel <dest>
//	msg <dest,dest|*> <text>
//	status | abort | help
func parseCommand(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, nil
	}
	cmd := command{verb: strings.ToLower(fields[0])}
	switch cmd.verb {
	case "pause", "resume", "cancel":
		if len(fields) != 2 {
			return cmd, fmt.Errorf("usage: %s <destination>", cmd.verb)
		}
		cmd.target = fields[1]
	case "msg":
		if len(fields) < 3 {
			return cmd, errors.New("usage: msg <dest,dest|*> <text>")
		}
		if fields[1] != "*" {
			cmd.targets = config.SplitList(fields[1])
		}
		rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
		cmd.text = strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))
	case "status", "abort", "help":
		if len(fields) != 1 {
			return cmd, fmt.Errorf("usage: %s", cmd.verb)
		}
	default:
		return cmd, fmt.Errorf("%w %q (try help)", errUnknownCommand, fields[0])
	}
	return cmd, nil
}

// apply runs cmd against ctl and writes any feedback to out.
func apply(ctl *controller.Controller, cmd command, out io.Writer) error {
	switch cmd.verb {
	case "":
		return nil
	case "pause":
		return ctl.Pause(cmd.target)
	case "resume":
		return ctl.Resume(cmd.target)
	case "cancel":
		return ctl.Cancel(cmd.target)
	case "msg":
		return ctl.SendText(cmd.targets, cmd.text)
	case "abort":
		return ctl.Abort()
	case "status":
		for _, st := range ctl.Presence() {
			state := "offline"
			if st.Online {
				state = "online"
			}
			fmt.Fprintf(out, "%s: %s\n", st.Name, state)
		}
		for _, row := range ctl.View().Rows {
			fmt.Fprintf(out, "%s: %s %.1f%% (%s)\n", row.Name, row.Status, row.Stats.Percent, progress.FormatBytes(row.Stats.BytesDone))
		}
		return nil
	case "help":
		fmt.Fprintln(out, "commands: pause <dest>, resume <dest>, cancel <dest>, msg <dest,dest|*> <text>, status, abort")
		return nil
	}
	return fmt.Errorf("%w %q", errUnknownCommand, cmd.verb)
}
