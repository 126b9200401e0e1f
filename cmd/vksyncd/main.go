package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/vksync/internal/daemon"
	"github.com/matheus3301/vksync/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	configFlag := flag.String("config", "", "config file (default $VKSYNC_HOME/config.toml)")
	socketFlag := flag.String("socket", "", "control socket path (default per session)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			SocketPath:  *socketFlag,
			ConfigPath:  *configFlag,
		}),
	)

	app.Run()
}
