// Command central runs CentralIntake and Tally: the terminus of the
// delivery pipeline, deduplicating ballots by ballotId and maintaining
// the durable per-candidate count.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/tomasquin2003/ballot-delivery/central/intake"
	"github.com/tomasquin2003/ballot-delivery/central/tally"
	"github.com/tomasquin2003/ballot-delivery/config"
	"github.com/tomasquin2003/ballot-delivery/delivery/admin"
	"github.com/tomasquin2003/ballot-delivery/delivery/wire"
	"github.com/tomasquin2003/ballot-delivery/logging"
)

var (
	configPath   string
	tunablesPath string
	dataDir      string
	listenAddr   string
	adminAddr    string
	postgresDSN  string
	debug        bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "path to central's JSON roster file")
	flag.StringVar(&tunablesPath, "tunables", "", "path to a .properties file overriding tally checkpoint tunables")
	flag.StringVar(&dataDir, "data-dir", "./data/central", "directory for durable received-log and fallback checkpoint storage")
	flag.StringVar(&listenAddr, "port", ":7003", "address central listens on")
	flag.StringVar(&adminAddr, "admin", config.DefaultAdminBindAddress, "loopback-only admin bind address")
	flag.StringVar(&postgresDSN, "postgres-dsn", "", "optional Postgres DSN for tally checkpoints; empty uses a local JSON file")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
}

// transportConfirmer sends a Confirm envelope back to the broker that
// forwards it on to the originating station — central serves exactly
// one broker's worth of traffic, so the reply destination is fixed
// rather than derived per-connection.
type transportConfirmer struct {
	listener   *wire.Listener
	brokerAddr string
}

func (c *transportConfirmer) Confirm(ballotID string, status wire.Status) {
	if err := c.listener.Send(c.brokerAddr, wire.NewConfirmEnvelope(ballotID, status, "")); err != nil {
		logging.Warnf("replying to broker for %s: %v", ballotID, err)
	}
}

func main() {
	flag.Parse()
	logging.ShowDebug = debug

	roster, err := config.LoadRoster(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "central: %v\n", err)
		os.Exit(1)
	}
	dataDir = config.DataDir(dataDir)

	tunables, err := config.LoadTunables(tunablesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "central: %v\n", err)
		os.Exit(1)
	}

	var checkpointer tally.Checkpointer
	ctx := context.Background()
	if postgresDSN != "" {
		checkpointer, err = tally.NewPostgresCheckpointer(ctx, postgresDSN)
	} else {
		checkpointer = tally.NewFileCheckpointer(filepath.Join(dataDir, "tally-checkpoint.json"))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "central: opening tally checkpoint store: %v\n", err)
		os.Exit(1)
	}
	t, err := tally.Open(ctx, checkpointer,
		tunables.Int("tally.checkpointEvery", config.DefaultTallyCheckpointEvery),
		tunables.Duration("tally.checkpointInterval", config.DefaultTallyCheckpointInterval))
	if err != nil {
		fmt.Fprintf(os.Stderr, "central: %v\n", err)
		os.Exit(1)
	}
	defer t.Close(ctx)

	in, err := intake.Open(filepath.Join(dataDir, "received"), t)
	if err != nil {
		fmt.Fprintf(os.Stderr, "central: opening intake log: %v\n", err)
		os.Exit(1)
	}
	defer in.Close()
	if err := in.Replay(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "central: replaying intake log: %v\n", err)
		os.Exit(1)
	}

	confirmer := &transportConfirmer{brokerAddr: roster.BrokerAddr}
	listener, err := wire.Listen(listenAddr, config.DefaultMaxConnectionHandlers, func(from net.Addr, env wire.Envelope) {
		if env.Kind != wire.KindOffer || env.Offer == nil {
			return
		}
		b := env.Offer.Ballot
		if err := b.Validate(); err != nil {
			logging.Warnf("rejecting malformed offer from %s: %v", from, err)
			return
		}
		if _, err := in.Receive(context.Background(), b, confirmer); err != nil {
			logging.Warnf("receiving %s: %v", b.BallotID, err)
		}
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "central: %v\n", err)
		os.Exit(1)
	}
	confirmer.listener = listener
	go listener.Run()
	defer listener.Close()

	if _, _, err := admin.Listen(adminAddr, &admin.Server{}); err != nil {
		logging.Warnf("admin surface disabled: %v", err)
	}

	logging.Tracef("central listening on %s", listenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Tracef("central shutting down")
}
