// Command sender transfers a single file to a waiting receiver over the
// reliable-UDP protocol implemented in internal/sender.
package main

import (
	"net"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nullbyte-dev/rudpxfer/internal/config"
	"github.com/nullbyte-dev/rudpxfer/internal/filestore"
	"github.com/nullbyte-dev/rudpxfer/internal/metrics"
	"github.com/nullbyte-dev/rudpxfer/internal/sender"
	"github.com/nullbyte-dev/rudpxfer/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		hostname   string
		sendPort   int
		listenPort int
		metricsAddr string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "sender <file>",
		Short: "Send a file to a receiver over the reliable-UDP transfer protocol",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], hostname, sendPort, listenPort, metricsAddr, logLevel)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&hostname, "hostname", config.DefaultServerIP, "receiver's IP address")
	flags.IntVar(&sendPort, "port", config.DefaultServerRecvPort, "receiver's listening UDP port")
	flags.IntVar(&listenPort, "listen-port", config.DefaultClientRecvPort, "local UDP port to receive ACKs on")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
	flags.StringVar(&logLevel, "log-level", "info", "logrus level: debug, info, warn, error")

	return cmd
}

func run(path, hostname string, sendPort, listenPort int, metricsAddr, logLevel string) error {
	log := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return errors.Wrap(err, "parse log level")
	}
	log.SetLevel(level)

	sessionID := xid.New().String()
	entry := log.WithField("session", sessionID)

	peerAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(hostname, strconv.Itoa(sendPort)))
	if err != nil {
		return errors.Wrap(err, "resolve receiver address")
	}
	localAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort("0.0.0.0", strconv.Itoa(listenPort)))
	if err != nil {
		return errors.Wrap(err, "resolve local address")
	}

	tp, err := transport.NewUDPTransport(localAddr, peerAddr)
	if err != nil {
		return errors.Wrap(err, "open transport")
	}
	defer tp.Close()

	source, err := filestore.OpenSource(afero.NewOsFs(), path)
	if err != nil {
		return errors.Wrap(err, "open source file")
	}
	defer source.Close()

	var m *metrics.Sender
	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		m = metrics.NewSender(registry, sessionID)
		go func() {
			if err := metrics.Serve(metricsAddr, registry); err != nil {
				entry.WithError(err).Error("metrics server exited")
			}
		}()
	}

	entry.WithFields(logrus.Fields{"file": path, "peer": peerAddr}).Info("starting transfer")

	if err := sender.SendFile(source, tp, sender.Options{Log: entry, Metrics: m}); err != nil {
		return errors.Wrap(err, "send file")
	}

	entry.Info("transfer finished")
	return nil
}
