package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"dead-mans-switch/internal/api"
	"dead-mans-switch/internal/core"
	"dead-mans-switch/internal/crypto"
	"dead-mans-switch/internal/ledger"
)

func main() {
	app := &cli.App{
		Name:  "dms",
		Usage: "dead man's switch client",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Value:   "http://localhost:8080",
				EnvVars: []string{"DMS_SERVER"},
			},
			&cli.StringFlag{
				Name:    "key",
				Usage:   "file holding the signing key",
				Value:   "dms.key",
				EnvVars: []string{"DMS_KEY"},
			},
			&cli.StringFlag{
				Name:  "contacts",
				Usage: "local address book",
				Value: "dms_contacts.json",
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "print JSON even on a terminal",
			},
		},
		Commands: []*cli.Command{
			keygenCmd,
			whoamiCmd,
			contactsCmd,
			createCmd,
			pingCmd,
			revokeCmd,
			setBeneficiaryCmd,
			setDelayCmd,
			actAsCmd,
			statusCmd,
			trustorsCmd,
			balanceCmd,
			chainCmd,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

var keygenCmd = &cli.Command{
	Name:  "keygen",
	Usage: "generate a signing key, your identity is its public half",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "force", Usage: "overwrite an existing key file"},
	},
	Action: func(cctx *cli.Context) error {
		path := cctx.String("key")
		if _, err := os.Stat(path); err == nil && !cctx.Bool("force") {
			return fmt.Errorf("%s already exists, use --force to replace it", path)
		}
		pub, priv, err := crypto.GenerateIdentity()
		if err != nil {
			return err
		}
		if err := crypto.SaveKey(path, priv); err != nil {
			return err
		}
		id := crypto.IdentityOf(pub)
		return output(cctx, map[string]any{"identity": id, "key_file": path}, func() {
			fmt.Printf("Key saved to %s\n", path)
			fmt.Printf("Identity: %s\n", id)
			fmt.Println("(Send this identity to whoever should name you as beneficiary)")
		})
	},
}

var whoamiCmd = &cli.Command{
	Name:  "whoami",
	Usage: "print the identity of the signing key",
	Action: func(cctx *cli.Context) error {
		c, err := signingClient(cctx)
		if err != nil {
			return err
		}
		id := c.Identity()
		return output(cctx, map[string]any{"identity": id}, func() {
			fmt.Println(id)
		})
	},
}

var contactsCmd = &cli.Command{
	Name:  "contacts",
	Usage: "manage the local address book",
	Subcommands: []*cli.Command{
		{
			Name:      "add",
			ArgsUsage: "<name> <identity>",
			Action: func(cctx *cli.Context) error {
				if cctx.NArg() != 2 {
					return incorrectNumArgs(cctx)
				}
				path := cctx.String("contacts")
				db, err := loadDB(path)
				if err != nil {
					return err
				}
				if err := db.add(cctx.Args().Get(0), core.Identity(cctx.Args().Get(1))); err != nil {
					return err
				}
				if err := saveDB(path, db); err != nil {
					return err
				}
				fmt.Println("Contact saved.")
				return nil
			},
		},
		{
			Name: "list",
			Action: func(cctx *cli.Context) error {
				db, err := loadDB(cctx.String("contacts"))
				if err != nil {
					return err
				}
				return output(cctx, db.Contacts, func() {
					if len(db.Contacts) == 0 {
						fmt.Println("No contacts yet.")
						return
					}
					for _, n := range db.names() {
						fmt.Printf("%-15s | %s\n", n, db.Contacts[n])
					}
				})
			},
		},
	},
}

var createCmd = &cli.Command{
	Name:      "create",
	Usage:     "create a switch naming a beneficiary",
	ArgsUsage: "<beneficiary> <delay>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 2 {
			return incorrectNumArgs(cctx)
		}
		c, db, err := setup(cctx)
		if err != nil {
			return err
		}
		beneficiary, err := db.resolve(cctx.Args().Get(0))
		if err != nil {
			return err
		}
		delay, err := parseTick(cctx.Args().Get(1))
		if err != nil {
			return err
		}
		res, err := c.CreateSwitch(cctx.Context, beneficiary, delay)
		if err != nil {
			return err
		}
		return output(cctx, res, func() {
			fmt.Println("SUCCESS: Switch created!")
			printContract(db, res.Contract)
		})
	},
}

var pingCmd = &cli.Command{
	Name:  "ping",
	Usage: "prove you are alive, restarting the countdown",
	Action: func(cctx *cli.Context) error {
		c, db, err := setup(cctx)
		if err != nil {
			return err
		}
		res, err := c.Ping(cctx.Context)
		if err != nil {
			return err
		}
		return output(cctx, res, func() {
			fmt.Printf("Pinged at tick %d.\n", res.Contract.LastPing)
			printContract(db, res.Contract)
		})
	},
}

var revokeCmd = &cli.Command{
	Name:      "revoke",
	Usage:     "delete your switch",
	ArgsUsage: "[trustor]",
	Action: func(cctx *cli.Context) error {
		c, db, err := setup(cctx)
		if err != nil {
			return err
		}
		trustor := c.Identity()
		if cctx.NArg() > 0 {
			if trustor, err = db.resolve(cctx.Args().First()); err != nil {
				return err
			}
		}
		res, err := c.Revoke(cctx.Context, trustor)
		if err != nil {
			return err
		}
		return output(cctx, res, func() {
			fmt.Printf("Switch of %s revoked.\n", db.name(trustor))
		})
	},
}

var setBeneficiaryCmd = &cli.Command{
	Name:      "set-beneficiary",
	Usage:     "name a different beneficiary, the countdown is kept",
	ArgsUsage: "<beneficiary>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return incorrectNumArgs(cctx)
		}
		c, db, err := setup(cctx)
		if err != nil {
			return err
		}
		beneficiary, err := db.resolve(cctx.Args().First())
		if err != nil {
			return err
		}
		res, err := c.SetBeneficiary(cctx.Context, beneficiary)
		if err != nil {
			return err
		}
		return output(cctx, res, func() { printContract(db, res.Contract) })
	},
}

var setDelayCmd = &cli.Command{
	Name:      "set-delay",
	Usage:     "change the delay, this also counts as a ping",
	ArgsUsage: "<delay>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return incorrectNumArgs(cctx)
		}
		c, db, err := setup(cctx)
		if err != nil {
			return err
		}
		delay, err := parseTick(cctx.Args().First())
		if err != nil {
			return err
		}
		res, err := c.SetDelay(cctx.Context, delay)
		if err != nil {
			return err
		}
		return output(cctx, res, func() { printContract(db, res.Contract) })
	},
}

var actAsCmd = &cli.Command{
	Name:      "act-as",
	Usage:     "transfer funds out of an expired trustor's account",
	ArgsUsage: "<trustor> <dest> <amount>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 3 {
			return incorrectNumArgs(cctx)
		}
		c, db, err := setup(cctx)
		if err != nil {
			return err
		}
		trustor, err := db.resolve(cctx.Args().Get(0))
		if err != nil {
			return err
		}
		dest, err := db.resolve(cctx.Args().Get(1))
		if err != nil {
			return err
		}
		amount, err := strconv.ParseUint(cctx.Args().Get(2), 10, 64)
		if err != nil {
			return fmt.Errorf("amount: %w", err)
		}
		res, err := c.Transfer(cctx.Context, trustor, dest, ledger.Balance(amount))
		if err != nil {
			return err
		}
		return output(cctx, res, func() {
			fmt.Printf("Moved %d from %s to %s at tick %d.\n", amount, db.name(trustor), db.name(dest), res.Tick)
		})
	},
}

var statusCmd = &cli.Command{
	Name:      "status",
	Usage:     "show a switch and how long it has left",
	ArgsUsage: "[trustor]",
	Action: func(cctx *cli.Context) error {
		c, db, err := setup(cctx)
		if err != nil {
			return err
		}
		trustor, err := argOrSelf(cctx, c, db)
		if err != nil {
			return err
		}
		res, err := c.Status(cctx.Context, trustor)
		if err != nil {
			return err
		}
		return output(cctx, res, func() {
			state := "ACTIVE"
			if res.Status == core.StatusExpired {
				state = "EXPIRED (RELAY OPEN)"
			}
			fmt.Printf("%-15s | %s | ticks left: %d | expires at: %d | now: %d\n",
				db.name(trustor), state, res.Remaining, res.ExpiresAt, res.Now)
			printContract(db, res.Contract)
		})
	},
}

var trustorsCmd = &cli.Command{
	Name:      "trustors",
	Usage:     "list the trustors naming a beneficiary",
	ArgsUsage: "[beneficiary]",
	Action: func(cctx *cli.Context) error {
		c, db, err := setup(cctx)
		if err != nil {
			return err
		}
		beneficiary, err := argOrSelf(cctx, c, db)
		if err != nil {
			return err
		}
		res, err := c.Trustors(cctx.Context, beneficiary)
		if err != nil {
			return err
		}
		return output(cctx, res, func() {
			if len(res.Trustors) == 0 {
				fmt.Printf("Nobody names %s as beneficiary.\n", db.name(beneficiary))
				return
			}
			for _, t := range res.Trustors {
				fmt.Println(db.name(t))
			}
		})
	},
}

var balanceCmd = &cli.Command{
	Name:      "balance",
	Usage:     "show the balance of an account",
	ArgsUsage: "[account]",
	Action: func(cctx *cli.Context) error {
		c, db, err := setup(cctx)
		if err != nil {
			return err
		}
		account, err := argOrSelf(cctx, c, db)
		if err != nil {
			return err
		}
		res, err := c.Balance(cctx.Context, account)
		if err != nil {
			return err
		}
		return output(cctx, res, func() {
			fmt.Printf("%s: %d\n", db.name(account), res.Balance)
		})
	},
}

var chainCmd = &cli.Command{
	Name:  "chain",
	Usage: "show the current tick and the delay bounds",
	Action: func(cctx *cli.Context) error {
		c := api.NewClient(cctx.String("server"), nil)
		res, err := c.Chain(cctx.Context)
		if err != nil {
			return err
		}
		return output(cctx, res, func() {
			fmt.Printf("Tick: %d\nDelay bounds: [%d, %d]\n", res.Tick, res.Policy.MinDelay, res.Policy.MaxDelay)
		})
	},
}

// Helpers

func signingClient(cctx *cli.Context) (*api.Client, error) {
	key, err := crypto.LoadKey(cctx.String("key"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no key at %s, run keygen first", cctx.String("key"))
	}
	if err != nil {
		return nil, err
	}
	return api.NewClient(cctx.String("server"), key), nil
}

func setup(cctx *cli.Context) (*api.Client, *LocalDB, error) {
	c, err := signingClient(cctx)
	if err != nil {
		return nil, nil, err
	}
	db, err := loadDB(cctx.String("contacts"))
	if err != nil {
		return nil, nil, err
	}
	return c, db, nil
}

func argOrSelf(cctx *cli.Context, c *api.Client, db *LocalDB) (core.Identity, error) {
	if cctx.NArg() == 0 {
		return c.Identity(), nil
	}
	return db.resolve(cctx.Args().First())
}

func parseTick(s string) (core.Tick, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("delay must be a number of ticks: %w", err)
	}
	return core.Tick(n), nil
}

func incorrectNumArgs(cctx *cli.Context) error {
	return fmt.Errorf("incorrect number of arguments, usage: %s %s", cctx.Command.FullName(), cctx.Command.ArgsUsage)
}

func printContract(db *LocalDB, c core.Contract) {
	fmt.Printf("  beneficiary: %s\n  delay:       %d\n  last ping:   %d\n", db.name(c.Beneficiary), c.Delay, c.LastPing)
}

// output prints v as JSON when piped, or calls human on a terminal.
func output(cctx *cli.Context, v any, human func()) error {
	if !cctx.Bool("json") && term.IsTerminal(int(os.Stdout.Fd())) {
		human()
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
