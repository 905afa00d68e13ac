// This is a command line interface for administrating an authority chain:
// creating it, inspecting epochs and validators, and running the admission
// protocol to add or remove validators.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"
	"go.dedis.ch/onet/v3"
	"go.dedis.ch/onet/v3/app"
	"go.dedis.ch/onet/v3/log"

	"github.com/sekmet/sdk/authority"
)

var cliApp = cli.NewApp()

var gitTag = "dev"

func init() {
	cliApp.Name = "authadm"
	cliApp.Usage = "Manage authority chains and their validator sets."
	cliApp.Version = gitTag
	cliApp.Commands = []cli.Command{
		{
			Name:      "create",
			Usage:     "create an authority chain on all nodes of the roster",
			ArgsUsage: "roster.toml validator...",
			Flags: []cli.Flag{
				cli.DurationFlag{
					Name:  "slot",
					Value: time.Second,
					Usage: "duration of a slot",
				},
				cli.Uint64Flag{
					Name:  "epoch-length",
					Value: 10,
					Usage: "minimum number of slots per epoch",
				},
			},
			Action: create,
		},
		{
			Name:      "chaindata",
			Usage:     "show the current epoch of the chain",
			ArgsUsage: "roster.toml",
			Action:    chainData,
		},
		{
			Name:      "validators",
			Usage:     "list the active validators",
			ArgsUsage: "roster.toml",
			Action:    validators,
		},
		{
			Name:      "add",
			Usage:     "add a validator and confirm it authors a block",
			ArgsUsage: "roster.toml validator",
			Flags:     admissionFlags,
			Action:    add,
		},
		{
			Name:      "remove",
			Usage:     "remove a validator and confirm it stops authoring",
			ArgsUsage: "roster.toml validator",
			Flags:     admissionFlags,
			Action:    remove,
		},
		{
			Name:      "stream",
			Usage:     "follow the chain and print new headers",
			ArgsUsage: "roster.toml",
			Flags: []cli.Flag{
				cli.IntFlag{
					Name:  "count",
					Usage: "stop after this many headers (0 = forever)",
				},
			},
			Action: stream,
		},
	}
	cliApp.Flags = []cli.Flag{
		cli.IntFlag{
			Name:  "debug, d",
			Value: 0,
			Usage: "debug-level: 1 for terse, 5 for maximal",
		},
	}
	cliApp.Before = func(c *cli.Context) error {
		log.SetDebugVisible(c.Int("debug"))
		return nil
	}
}

var admissionFlags = []cli.Flag{
	cli.BoolFlag{
		Name:  "short-circuit",
		Usage: "wait for the next epoch boundary and submit exactly once",
	},
	cli.IntFlag{
		Name:  "retries",
		Value: authority.DefaultRetries,
		Usage: "submission attempts in non-short-circuit mode",
	},
}

func main() {
	err := cliApp.Run(os.Args)
	if err != nil {
		log.Fatalf("error: %+v", err)
	}
}

// readRoster reads a group toml file and returns its roster.
func readRoster(file string) (*onet.Roster, error) {
	if file == "" {
		return nil, errors.New("roster file argument is required")
	}
	in, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("could not open roster %v: %v", file, err)
	}
	defer in.Close()

	group, err := app.ReadGroupDescToml(in)
	if err != nil {
		return nil, err
	}
	if len(group.Roster.List) == 0 {
		return nil, errors.New("empty roster")
	}
	return group.Roster, nil
}

func newClient(c *cli.Context) (*authority.Client, error) {
	roster, err := readRoster(c.Args().First())
	if err != nil {
		return nil, err
	}
	return authority.NewClient(roster), nil
}

func create(c *cli.Context) error {
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	args := c.Args().Tail()
	if len(args) == 0 {
		return errors.New("at least one validator is required")
	}
	validators := make([]authority.ValidatorID, len(args))
	for i, a := range args {
		validators[i] = authority.ValidatorID(a)
	}
	err = cl.CreateChain(validators, c.Duration("slot"), c.Uint64("epoch-length"))
	if err != nil {
		return err
	}
	log.Info("Created authority chain with validators:", args)
	return nil
}

func chainData(c *cli.Context) error {
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	cd, err := cl.ChainData()
	if err != nil {
		return err
	}
	fmt.Printf("          Epoch: %d\n", cd.Epoch)
	fmt.Printf("   Epoch ends at: slot %d\n", cd.EpochEndsAt)
	fmt.Printf("Min epoch length: %d\n", cd.MinEpochLength)
	return nil
}

func validators(c *cli.Context) error {
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	list, err := cl.Validators()
	if err != nil {
		return err
	}
	for _, v := range list {
		fmt.Println(v)
	}
	return nil
}

func add(c *cli.Context) error {
	return mutate(c, false)
}

func remove(c *cli.Context) error {
	return mutate(c, true)
}

func mutate(c *cli.Context, remove bool) error {
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	target := authority.ValidatorID(c.Args().Get(1))
	if target == "" {
		return errors.New("validator argument is required")
	}
	adm := authority.NewAdmission(cl)
	adm.Retries = c.Int("retries")
	if remove {
		err = adm.RemoveAndConfirm(target, c.Bool("short-circuit"))
	} else {
		err = adm.AddAndConfirm(target, c.Bool("short-circuit"))
	}
	if err != nil {
		return fmt.Errorf("admission ended in state %v: %v", adm.State(), err)
	}
	log.Infof("Validator %v confirmed, final state: %v", target, adm.State())
	return nil
}

func stream(c *cli.Context) error {
	cl, err := newClient(c)
	if err != nil {
		return err
	}
	headers, err := cl.StreamHeaders()
	if err != nil {
		return err
	}
	defer headers.Close()

	count := c.Int("count")
	seen := 0
	for h := range headers.Headers() {
		fmt.Printf("block %d slot %d author %v\n", h.BlockNumber, h.SlotNo, h.Author)
		seen++
		if count > 0 && seen >= count {
			return nil
		}
	}
	return errors.New("header stream closed")
}
