package main

import (
	"fmt"
	"os"
	"strings"

	cli "github.com/spf13/pflag"

	"jarvis/internal/ipc"
)

func main() {
	socket := cli.StringP("socket", "s", ipc.DefaultSocketPath, "Control socket of the running console")
	cli.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: jarvis-ctl [-s socket] toggle | say <text...>")
		cli.PrintDefaults()
	}
	cli.Parse()

	msg, err := message(cli.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		cli.Usage()
		os.Exit(2)
	}

	if err := ipc.SendCommand(*socket, msg); err != nil {
		fmt.Fprintln(os.Stderr, "jarvis not running:", err)
		os.Exit(1)
	}
}

func message(args []string) (ipc.ControlMessage, error) {
	if len(args) == 0 {
		return ipc.ControlMessage{}, fmt.Errorf("missing command")
	}

	switch args[0] {
	case ipc.CmdToggle:
		return ipc.ControlMessage{Cmd: ipc.CmdToggle}, nil
	case ipc.CmdSay:
		text := strings.Join(args[1:], " ")
		if strings.TrimSpace(text) == "" {
			return ipc.ControlMessage{}, fmt.Errorf("say needs text")
		}
		return ipc.ControlMessage{Cmd: ipc.CmdSay, Text: text}, nil
	default:
		return ipc.ControlMessage{}, fmt.Errorf("unknown command %q", args[0])
	}
}
