// Copyright © 2018 Niko Carpenter <nikoacarpenter@gmail.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package commands

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/n0ot/relayd/pkg/broker"
	"github.com/n0ot/relayd/pkg/metrics"
	"github.com/n0ot/relayd/pkg/server"
)

const shutdownTimeout = 5 * time.Second

// startCmd represents the start command
var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Starts the relay server",
	RunE:  runServer,
}

func init() {
	RootCmd.AddCommand(startCmd)

	startCmd.Flags().StringP("bind", "b", "", "Bind the server to host. Leave empty to bind to all interfaces.")
	viper.BindPFlag("bind", startCmd.Flags().Lookup("bind"))
	startCmd.Flags().IntP("port", "P", 6838, "TCP port for relay clients")
	viper.BindPFlag("port", startCmd.Flags().Lookup("port"))
	startCmd.Flags().Int("http-port", 6839, "HTTP port for WebSocket clients, publishing, stats and metrics (0 disables)")
	viper.BindPFlag("http.port", startCmd.Flags().Lookup("http-port"))
	startCmd.Flags().String("broker", "", "Broker URL (redis://, rediss://, nats://); empty runs a single process")
	viper.BindPFlag("broker.url", startCmd.Flags().Lookup("broker"))
	startCmd.Flags().IntP("time-between-pings", "t", 30, "How often pings should be sent in seconds (0 disables)")
	viper.BindPFlag("server.timeBetweenPings", startCmd.Flags().Lookup("time-between-pings"))
	startCmd.Flags().IntP("pings-until-timeout", "p", 2, "Number of pings that can pass before inactive clients are dropped (0 disables timeout)")
	viper.BindPFlag("server.pingsUntilTimeout", startCmd.Flags().Lookup("pings-until-timeout"))
	startCmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	viper.BindPFlag("log.level", startCmd.Flags().Lookup("log-level"))
}

func newLogger() (*logrus.Logger, error) {
	log := logrus.New()
	log.Out = os.Stderr

	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return nil, errors.Wrap(err, "Parse log level")
	}
	log.Level = level

	switch format := viper.GetString("log.format"); format {
	case "json":
		log.Formatter = new(logrus.JSONFormatter)
	case "text", "":
		log.Formatter = new(logrus.TextFormatter)
	default:
		return nil, errors.Errorf("Unknown log format %q", format)
	}
	return log, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	log, err := newLogger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	nodeID := uuid.NewString()
	var b broker.Broker
	if url := viper.GetString("broker.url"); url != "" {
		b, err = broker.Open(ctx, url, "relayd-"+nodeID, log.WithField("node", nodeID))
		if err != nil {
			return errors.Wrap(err, "Connect to broker")
		}
		defer b.Close()
	}

	srv := server.New(server.Config{
		TimeBetweenPings:     time.Duration(viper.GetInt("server.timeBetweenPings")) * time.Second,
		PingsUntilTimeout:    viper.GetInt("server.pingsUntilTimeout"),
		SendQueue:            viper.GetInt("server.sendQueue"),
		MaxRecordSize:        viper.GetInt("server.maxRecordSize"),
		MaxMessagesPerSecond: viper.GetFloat64("server.maxMessagesPerSecond"),
		StatsPassword:        viper.GetString("server.statsPassword"),
		Broker:               b,
		PublishQueue:         viper.GetInt("broker.publishQueue"),
		NodeID:               nodeID,
		Log:                  log,
		Metrics:              metrics.New(reg),
		Gatherer:             reg,
	})

	bind := viper.GetString("bind")
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })
	g.Go(func() error {
		return srv.ListenAndServe(ctx, net.JoinHostPort(bind, strconv.Itoa(viper.GetInt("port"))))
	})

	if httpPort := viper.GetInt("http.port"); httpPort > 0 {
		httpSrv := &http.Server{
			Addr:              net.JoinHostPort(bind, strconv.Itoa(httpPort)),
			Handler:           srv.HTTPHandler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.WithField("addr", httpSrv.Addr).Info("Listening for HTTP and WebSocket connections")
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrap(err, "HTTP server")
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			// Hijacked WebSocket connections are not tracked by Shutdown; Serve stops those clients.
			return httpSrv.Shutdown(shutdownCtx)
		})
	}

	log.WithFields(logrus.Fields{
		"node": nodeID,
		"mode": srv.Mode(),
	}).Info("Starting relayd")
	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("relayd stopped")
	return nil
}
