package main

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/pkg/errors"
	"gopkg.in/urfave/cli.v1"

	"github.com/satsbox/satsbox/api"
	"github.com/satsbox/satsbox/asyncutil"
	"github.com/satsbox/satsbox/config"
	"github.com/satsbox/satsbox/db"
	"github.com/satsbox/satsbox/ln"
	"github.com/satsbox/satsbox/models/users"
	"github.com/satsbox/satsbox/nwc"
	"github.com/satsbox/satsbox/payments"
)

var (
	serveCancelMu sync.Mutex
	serveCancel   context.CancelFunc
)

// stopServe cancels the background tasks on shutdown
func stopServe() {
	serveCancelMu.Lock()
	defer serveCancelMu.Unlock()
	if serveCancel != nil {
		serveCancel()
	}
}

func serveCommand() cli.Command {
	return cli.Command{
		Name:  "serve",
		Usage: "Run the wallet server",
		Action: func(c *cli.Context) error {
			return serve(c.GlobalString("config"), c.GlobalString("migrations"))
		},
	}
}

func serve(configPath, migrationsPath string) error {
	settings, err := config.Watch(configPath)
	if err != nil {
		return err
	}
	snapshot := settings.Get()

	database, err := db.Open(snapshot.DbURL, migrationsPath)
	if err != nil {
		return err
	}
	if err := database.MigrateUp(); err != nil {
		return err
	}

	node, err := connectNode(snapshot)
	if err != nil {
		return err
	}

	service := payments.NewService(database, node, string(snapshot.Lightning))
	if snapshot.Donation.Privkey != "" {
		pubkey, err := nostr.GetPublicKey(snapshot.Donation.Privkey)
		if err != nil {
			return errors.Wrap(err, "invalid donation private key")
		}
		decoded, err := hex.DecodeString(pubkey)
		if err != nil {
			return errors.Wrap(err, "invalid donation pubkey")
		}
		service.DonationPubkey = decoded
		// make sure the donation account exists before its first invoice
		if _, err := users.GetOrCreate(database, decoded); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	serveCancelMu.Lock()
	serveCancel = cancel
	serveCancelMu.Unlock()

	go payments.NewReconciler(service).Run(ctx)

	if snapshot.Lnurl.Privkey != "" {
		publisher := payments.NewZapReceiptPublisher(service,
			snapshot.Lnurl.Privkey, snapshot.Lnurl.Relays)
		go publisher.Run(ctx)
	}

	if snapshot.Nwc.Support() {
		walletConnect, err := nwc.New(service, settings)
		if err != nil {
			return err
		}
		go walletConnect.Run(ctx)
	}

	server := api.NewServer(database, service, settings)
	return server.Run()
}

// connectNode dials the configured backend, retrying while the node
// finishes starting up
func connectNode(settings config.Settings) (ln.Node, error) {
	var node ln.Node
	err := asyncutil.Retry(5, time.Second, func() error {
		var err error
		switch settings.Lightning {
		case config.BackendCln:
			node, err = ln.ConnectCln(settings.Cln.URL)
		case config.BackendLnd, "":
			node, err = ln.ConnectLnd(settings.Lnd.URL, settings.Lnd.Cert, settings.Lnd.Macaroon)
		default:
			return errors.Errorf("unknown lightning backend %q", settings.Lightning)
		}
		return err
	})
	return node, err
}

func dbCommand() cli.Command {
	openDB := func(c *cli.Context) (*db.DB, error) {
		settings, err := config.Read(c.GlobalString("config"))
		if err != nil {
			return nil, err
		}
		return db.Open(settings.DbURL, c.GlobalString("migrations"))
	}

	return cli.Command{
		Name:  "db",
		Usage: "Manage the database schema",
		Subcommands: []cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: func(c *cli.Context) error {
					database, err := openDB(c)
					if err != nil {
						return err
					}
					return database.MigrateUp()
				},
			},
			{
				Name:  "down",
				Usage: "Roll back one migration",
				Action: func(c *cli.Context) error {
					database, err := openDB(c)
					if err != nil {
						return err
					}
					return database.MigrateDown(1)
				},
			},
			{
				Name:  "status",
				Usage: "Show the migration status",
				Action: func(c *cli.Context) error {
					database, err := openDB(c)
					if err != nil {
						return err
					}
					status, err := database.Status()
					if err != nil {
						return err
					}
					log.WithField("version", status.Version).
						WithField("dirty", status.Dirty).Info("migration status")
					return nil
				},
			},
		},
	}
}
