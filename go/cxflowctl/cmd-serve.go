package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/checkmarx-ts/cxone-flow/go/broker"
	"github.com/checkmarx-ts/cxone-flow/go/config"
	"github.com/checkmarx-ts/cxone-flow/go/cxflog"
)

type cmdServe struct {
	baseConfig
}

func (cmd cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	mbp.InitLog(cmd.Log)
	cxflog.Bootstrap()

	log.WithFields(log.Fields{
		"config":    cmd.Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("cxflowctl configuration")

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

	services, err := buildServer(cfg, client)
	if err != nil {
		return err
	}

	var tasks = task.NewGroup(context.Background())
	var consume = func(name, queue string, handler broker.Handler) {
		tasks.Queue(name, func() error {
			return client.Consume(tasks.Context(), queue, handler)
		})
	}
	consume("poll consumer", broker.QueuePollingScans, services.polling.HandleDelivery)
	consume("pr feedback consumer", broker.QueuePRFeedback, services.prFeedback.HandleFeedback)
	consume("pr annotate consumer", broker.QueuePRAnnotate, services.prFeedback.HandleAnnotation)
	consume("push feedback consumer", broker.QueuePushSarifGen, services.pushFeedback.HandleFeedback)
	consume("resolver result consumer", broker.QueueResolverDone, services.resolver.HandleResult)
	consume("resolver timeout consumer", broker.QueueResolverTimeout, services.resolver.HandleTimeout)

	var httpServer = &http.Server{Addr: cfg.ListenAddress, Handler: services.web.Router()}
	tasks.Queue("http server", func() error {
		log.WithField("addr", cfg.ListenAddress).Info("serving webhook frontend")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Install signal handler & start tasks.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
		case <-tasks.Context().Done():
		}
		tasks.Cancel()
		return httpServer.Shutdown(context.Background())
	})
	tasks.GoRun()

	// Block until all tasks complete.
	if err = tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}

	log.Info("goodbye")
	return nil
}
