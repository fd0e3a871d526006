// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Command mqttquicctl is an operator tool for exercising the QUIC
// client transport end to end: connect, open a stream, write a
// payload, read whatever comes back, close. It exists to drive the
// façade the same way a real MQTT-over-QUIC binding would, without
// requiring that binding.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/arusatech/capacitor-mqtt-quic/pkg/quicclient"
)

var (
	host       string
	connectTo  string
	port       int
	alpn       string
	payloadHex string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "mqttquicctl",
	Short: "Exercise the MQTT-over-QUIC client transport",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVar(&host, "host", "", "host presented via SNI and checked against the peer certificate")
	rootCmd.Flags().StringVar(&connectTo, "connect", "", "address to dial; defaults to --host")
	rootCmd.Flags().IntVar(&port, "port", 4433, "UDP port")
	rootCmd.Flags().StringVar(&alpn, "alpn", "mqtt", "ALPN protocol identifier")
	rootCmd.Flags().StringVar(&payloadHex, "payload", "", "hex-encoded bytes to write on the opened stream")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "enable debug logging")

	_ = rootCmd.MarkFlagRequired("host")
}

func run(cmd *cobra.Command, args []string) error {
	if verbose {
		log.SetLevel(log.DebugLevel)
	}

	fileCfg, err := quicclient.LoadFileConfig()
	if err != nil {
		return fmt.Errorf("loading config overlay: %w", err)
	}
	fileCfg.ApplyDefaults()

	dial := connectTo
	if dial == "" {
		dial = host
	}

	client := quicclient.NewWithAddress(host, dial, port)

	ctx, cancel := context.WithTimeout(context.Background(), fileCfg.ConnectTimeout())
	defer cancel()

	if err := client.Connect(ctx, alpn); err != nil {
		return fmt.Errorf("connect: %w (last_error=%s)", err, client.LastError())
	}
	defer client.Close()

	fmt.Printf("connected; resolved address = %s\n", client.LastResolvedAddress())

	streamID, err := client.OpenStream(ctx)
	if err != nil {
		return fmt.Errorf("open_stream: %w", err)
	}
	fmt.Printf("opened stream %d\n", streamID)

	if payloadHex != "" {
		payload, err := hex.DecodeString(payloadHex)
		if err != nil {
			return fmt.Errorf("decoding --payload: %w", err)
		}
		if err := client.WriteStream(streamID, payload); err != nil {
			return fmt.Errorf("write_stream: %w", err)
		}

		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			data, fin, err := client.ReadStream(streamID)
			if err != nil {
				return fmt.Errorf("read_stream: %w", err)
			}
			if len(data) > 0 {
				fmt.Printf("received %d bytes: %x\n", len(data), data)
			}
			if fin {
				break
			}
			time.Sleep(50 * time.Millisecond)
		}
	}

	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
