package main

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/checkmarx-ts/cxone-flow/go/broker"
	"github.com/checkmarx-ts/cxone-flow/go/config"
	"github.com/checkmarx-ts/cxone-flow/go/cxflog"
)

type cmdSetup struct {
	baseConfig
}

func (cmd cmdSetup) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)
	cxflog.Bootstrap()

	var cfg, err = config.LoadServer(cmd.Config)
	if err != nil {
		return err
	}
	client, err := broker.Connect(cfg.AMQP.ClientConfig(), &broker.Topology{
		ResolverTags: cfg.ResolverTags(),
		ScanTimeout:  cfg.ScanTimeout(),
	})
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer client.Close()

	log.WithField("resolverTags", cfg.ResolverTags()).Info("broker topology declared")
	return nil
}
