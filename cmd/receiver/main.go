// Command receiver waits for one sender and writes the transferred file to
// disk using the reliable-UDP protocol implemented in internal/receiver.
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
	"github.com/nullbyte-dev/rudpxfer/internal/receiver"
	"github.com/nullbyte-dev/rudpxfer/internal/transport"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		hostname    string
		recvPort    int
		sendBackPort int
		outputPath  string
		metricsAddr string
		logLevel    string
	)

	cmd := &cobra.Command{
		Use:   "receiver",
		Short: "Receive a single file sent over the reliable-UDP transfer protocol",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(hostname, recvPort, sendBackPort, outputPath, metricsAddr, logLevel)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&hostname, "hostname", config.DefaultServerIP, "sender's IP address, for the reply socket")
	flags.IntVar(&recvPort, "listen-port", config.DefaultServerRecvPort, "local UDP port to receive data on")
	flags.IntVar(&sendBackPort, "sender-port", config.DefaultClientRecvPort, "sender's port to send ACKs to")
	flags.StringVar(&outputPath, "output", config.DefaultOutputFile, "path to write the received file to")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "if set, serve Prometheus metrics on this address")
	flags.StringVar(&logLevel, "log-level", "info", "logrus level: debug, info, warn, error")

	return cmd
}

func run(hostname string, recvPort, sendBackPort int, outputPath, metricsAddr, logLevel string) error {
	log := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return errors.Wrap(err, "parse log level")
	}
	log.SetLevel(level)

	sessionID := xid.New().String()
	entry := log.WithField("session", sessionID)

	localAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort("0.0.0.0", strconv.Itoa(recvPort)))
	if err != nil {
		return errors.Wrap(err, "resolve local address")
	}
	peerAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(hostname, strconv.Itoa(sendBackPort)))
	if err != nil {
		return errors.Wrap(err, "resolve sender address")
	}

	tp, err := transport.NewUDPTransport(localAddr, peerAddr)
	if err != nil {
		return errors.Wrap(err, "open transport")
	}
	defer tp.Close()

	sink, err := filestore.CreateSink(afero.NewOsFs(), outputPath)
	if err != nil {
		return errors.Wrap(err, "create output file")
	}
	defer sink.Close()

	var m *metrics.Receiver
	if metricsAddr != "" {
		registry := prometheus.NewRegistry()
		m = metrics.NewReceiver(registry, sessionID)
		go func() {
			if err := metrics.Serve(metricsAddr, registry); err != nil {
				entry.WithError(err).Error("metrics server exited")
			}
		}()
	}

	entry.WithField("output", outputPath).Info("waiting for sender")

	if err := receiver.ReceiveFile(sink, tp, receiver.Options{Log: entry, Metrics: m}); err != nil {
		return errors.Wrap(err, "receive file")
	}

	entry.Info("transfer finished")
	return nil
}
