package main

import (
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/blockpulse/pulsd/blockchain"
	"github.com/blockpulse/pulsd/config"
	"github.com/blockpulse/pulsd/logger"
	"github.com/blockpulse/pulsd/netsync"
	"github.com/blockpulse/pulsd/peer"
	"github.com/blockpulse/pulsd/signal"
	"github.com/blockpulse/pulsd/util/panics"
	"github.com/blockpulse/pulsd/version"
)

const chainDbName = "chain"

// pulsdMain is the real main function for pulsd. It is necessary to work
// around the fact that deferred functions do not run when os.Exit() is
// called.
func pulsdMain() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	defer logger.Close()
	defer panics.HandlePanic(log, nil)

	// Get a channel that will be closed when a shutdown signal has been
	// triggered from an OS signal such as SIGINT (Ctrl+C).
	interrupt := signal.InterruptListener()

	log.Infof("Version %s", version.Version())
	log.Infof("Synchronizing %s from %s", cfg.NetParams().Name, cfg.Connect)

	chain, err := blockchain.New(filepath.Join(cfg.DataDir, chainDbName), cfg.NetParams())
	if err != nil {
		return errors.Wrap(err, "failed to open the chain store")
	}
	defer func() {
		log.Infof("Gracefully shutting down the chain store...")
		err := chain.Close()
		if err != nil {
			log.Errorf("Error closing the chain store: %s", err)
		}
	}()

	tipHash, tipHeight := chain.Tip()
	log.Infof("Chain tip %s (height %d)", tipHash, tipHeight)

	if signal.InterruptRequested(interrupt) {
		return nil
	}

	conn, err := cfg.Dial("tcp", cfg.Connect, config.DefaultConnectTimeout)
	if err != nil {
		return errors.Wrapf(err, "failed to connect to %s", cfg.Connect)
	}

	p := peer.NewOutbound(conn, &peer.Config{
		NetParams:        cfg.NetParams(),
		UserAgentName:    "pulsd",
		UserAgentVersion: version.Version(),
	})
	err = p.Connect()
	if err != nil {
		return errors.Wrapf(err, "version negotiation with %s failed", cfg.Connect)
	}
	log.Infof("Connected to %s", p)

	syncer := netsync.New(chain, p)
	syncer.Start()

	<-interrupt

	syncer.Stop()
	p.Disconnect()
	p.WaitForDisconnect()
	return nil
}
