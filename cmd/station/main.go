// Command station runs a single polling station: RollAuthorizer,
// StationOutbox, and StationSender wired together, serving cast
// requests and periodically retrying unconfirmed ballots toward its
// configured broker.
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
	"time"

	"github.com/tomasquin2003/ballot-delivery/config"
	"github.com/tomasquin2003/ballot-delivery/delivery/admin"
	"github.com/tomasquin2003/ballot-delivery/delivery/wire"
	"github.com/tomasquin2003/ballot-delivery/logging"
	"github.com/tomasquin2003/ballot-delivery/station/outbox"
	"github.com/tomasquin2003/ballot-delivery/station/roll"
	"github.com/tomasquin2003/ballot-delivery/station/sender"
)

var (
	configPath   string
	tunablesPath string
	dataDir      string
	listenAddr   string
	adminAddr    string
	stationID    string
	debug        bool
)

func init() {
	flag.StringVar(&configPath, "config", "", "path to the station's JSON roster file")
	flag.StringVar(&tunablesPath, "tunables", "", "path to a .properties file overriding sender retry tunables")
	flag.StringVar(&dataDir, "data-dir", "./data/station", "directory for durable outbox storage")
	flag.StringVar(&listenAddr, "port", ":7001", "address this station listens on for confirmations")
	flag.StringVar(&adminAddr, "admin", config.DefaultAdminBindAddress, "loopback-only admin bind address")
	flag.StringVar(&stationID, "id", "", "station identifier, overrides the roster file's stationId")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
}

func main() {
	flag.Parse()
	logging.ShowDebug = debug

	roster, err := config.LoadRoster(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "station: %v\n", err)
		os.Exit(1)
	}
	if stationID != "" {
		roster.StationID = stationID
	}
	dataDir = config.DataDir(dataDir)

	tunables, err := config.LoadTunables(tunablesPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "station: %v\n", err)
		os.Exit(1)
	}
	retryPollInterval := tunables.Duration("sender.retryPollInterval", time.Second)

	ob, err := outbox.Open(filepath.Join(dataDir, "outbox"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "station: opening outbox: %v\n", err)
		os.Exit(1)
	}
	defer ob.Close()

	authorizer, err := roll.NewAuthorizer(roster.EligibleIDs, func() ([]string, error) {
		return ob.VoterIDs(), nil
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "station: refusing to open, roll scan failed: %v\n", err)
		os.Exit(1)
	}

	// the handler needs a reference to snd to apply confirmations, and
	// snd needs the transport to send on: built with a nil handler
	// first, then wired together before Run starts.
	transport, err := wire.Listen(listenAddr, config.DefaultMaxConnectionHandlers, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "station: %v\n", err)
		os.Exit(1)
	}
	snd := sender.New(roster.StationID, roster.BrokerAddr, authorizer, ob, transport)
	transport.SetHandler(func(from net.Addr, env wire.Envelope) {
		if env.Kind == wire.KindConfirm && env.Confirm != nil {
			logging.Tracef("confirmation received from %s for %s: %s", from, env.Confirm.BallotID, env.Confirm.Status)
			snd.OnConfirmation(env.Confirm.BallotID, env.Confirm.Status)
		}
	})
	go transport.Run()
	defer transport.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go snd.Run(ctx, retryPollInterval)

	if _, _, err := admin.Listen(adminAddr, &admin.Server{Caster: snd}); err != nil {
		logging.Warnf("admin surface disabled: %v", err)
	}

	logging.Tracef("station %s listening on %s, broker %s", roster.StationID, listenAddr, roster.BrokerAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logging.Tracef("station %s shutting down", roster.StationID)
	cancel()
	snd.Stop()
}
