// Authnode is the server binary of the SDK. It runs a node hosting the
// authority chain scheduler and the DID registry, using onet as the
// network and overlay library.
//
// Set up a config file for the server with:
//
// 	./authnode setup
//
// Then launch the daemon with:
//
// 	./authnode
package main

import (
	"os"

	"github.com/urfave/cli"
	"go.dedis.ch/onet/v3/app"
	"go.dedis.ch/onet/v3/log"

	"github.com/sekmet/sdk"
	_ "github.com/sekmet/sdk/authority"
	_ "github.com/sekmet/sdk/did"
)

const (
	// DefaultName is the name of the binary and of its configuration
	// directory.
	DefaultName = "authnode"

	// Version of this binary.
	Version = "0.1"
)

func main() {
	cliApp := cli.NewApp()
	cliApp.Name = DefaultName
	cliApp.Usage = "run an SDK server node"
	cliApp.Version = Version
	serverFlags := []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Value: app.GetDefaultConfigFile(DefaultName),
			Usage: "configuration file of the server",
		},
		cli.IntFlag{
			Name:  "debug, d",
			Value: 0,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
	}

	cliApp.Commands = []cli.Command{
		{
			Name:    "setup",
			Aliases: []string{"s"},
			Usage:   "Setup server configuration (interactive)",
			Action: func(c *cli.Context) error {
				if c.String("config") != "" {
					log.Fatal("[-] Configuration file option cannot be used for the 'setup' command")
				}
				if c.String("debug") != "" {
					log.Fatal("[-] Debug option cannot be used for the 'setup' command")
				}
				app.InteractiveConfig(sdk.Suite, DefaultName)
				return nil
			},
		},
		{
			Name:  "server",
			Usage: "Start SDK server",
			Action: func(c *cli.Context) error {
				runServer(c)
				return nil
			},
			Flags: serverFlags,
		},
	}
	cliApp.Flags = serverFlags
	cliApp.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
	// default action
	cliApp.Action = func(c *cli.Context) error {
		runServer(c)
		return nil
	}

	err := cliApp.Run(os.Args)
	log.ErrFatal(err)
}

func runServer(ctx *cli.Context) {
	config := ctx.String("config")
	app.RunServer(config)
}
