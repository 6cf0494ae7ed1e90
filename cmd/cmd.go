// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/TheThingsNetwork/go-utils/handlers/cli"
	"github.com/TheThingsNetwork/telemetry-gateway/backend/amqp"
	"github.com/TheThingsNetwork/telemetry-gateway/backend/dummy"
	"github.com/TheThingsNetwork/telemetry-gateway/backend/mqtt"
	"github.com/TheThingsNetwork/telemetry-gateway/enddevice"
	"github.com/TheThingsNetwork/telemetry-gateway/exchange"
	"github.com/TheThingsNetwork/telemetry-gateway/middleware"
	"github.com/TheThingsNetwork/telemetry-gateway/middleware/debug"
	"github.com/TheThingsNetwork/telemetry-gateway/middleware/inject"
	"github.com/TheThingsNetwork/telemetry-gateway/status"
	"github.com/apex/log"
	"github.com/apex/log/handlers/json"
	"github.com/apex/log/handlers/multi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// GatewayCmd is the main command that is executed when running telemetry-gateway
var GatewayCmd = &cobra.Command{
	Use:   "telemetry-gateway",
	Short: "Serial to MQTT telemetry gateway",
	Long:  `telemetry-gateway reads JSON telemetry lines from a serial end-device and publishes them to an MQTT broker`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		var logHandlers []log.Handler

		logHandlers = append(logHandlers, cli.New(os.Stdout))

		if logFileLocation := config.GetString("log-file"); logFileLocation != "" {
			absLogFileLocation, err := filepath.Abs(logFileLocation)
			if err != nil {
				panic(err)
			}
			logFile, err = os.OpenFile(absLogFileLocation, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
			if err != nil {
				panic(err)
			}
			logHandlers = append(logHandlers, json.New(logFile))
		}

		level := log.InfoLevel
		if config.GetBool("debug") {
			level = log.DebugLevel
		}

		ctx = &log.Logger{
			Level:   level,
			Handler: multi.New(logHandlers...),
		}
	},
	Run: runGateway,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logFile != nil {
			time.Sleep(100 * time.Millisecond)
			logFile.Close()
		}
	},
}

func runGateway(cmd *cobra.Command, args []string) {
	if envFileErr != nil {
		ctx.WithField("EnvFile", envFile).WithError(envFileErr).Debug("Not using env file")
	}

	cfg, err := LoadConfig(config)
	if err != nil {
		ctx.WithError(err).Fatal("Invalid configuration")
	}

	if err := run(cfg); err != nil {
		ctx.WithError(err).Fatal("Gateway stopped")
	}
	ctx.Info("Gateway stopped")
}

// run owns the end-device and the publishers and releases them on every return path
func run(cfg Config) error {
	done := make(chan struct{})
	defer close(done)

	gateway := exchange.New(ctx)

	chain := middleware.Chain{inject.NewInject(inject.Fields{})}
	if config.GetBool("debug") {
		chain = append(chain, debug.New(ctx))
	}
	gateway.SetMiddleware(chain)

	if !cfg.MQTTEnabled {
		ctx.Warn("MQTT is disabled, messages are only logged")
		gateway.AddPublisher(dummy.New(ctx))
	} else {
		mqttConfig := mqtt.Config{
			Brokers:  []string{cfg.BrokerAddress()},
			Username: cfg.BrokerUsername,
			Password: cfg.BrokerPassword,
		}
		if cfg.BrokerTLS {
			tlsConfig, err := mqtt.NewTLSConfig(mqtt.TLSOptions{
				InsecureSkipVerify: cfg.BrokerTLSInsecure,
				RootCAFile:         cfg.RootCAFile,
			})
			if err != nil {
				return err
			}
			if cfg.BrokerTLSInsecure {
				ctx.Warn("Broker certificate verification is disabled")
			}
			mqttConfig.TLSConfig = tlsConfig
		}
		ctx.WithField("Username", cfg.BrokerUsername).WithField("Address", cfg.BrokerAddress()).Info("Initializing MQTT")
		broker, err := mqtt.New(mqttConfig, ctx)
		if err != nil {
			return err
		}
		gateway.AddPublisher(broker)
	}

	if amqpBroker := config.GetString("amqp"); amqpBroker != "" && amqpBroker != "disable" {
		credentials, err := parseBroker(amqpBroker)
		if err != nil {
			return err
		}
		ctx.WithField("Username", credentials.Username).WithField("Address", credentials.Address).Info("Initializing AMQP")
		mirror, err := amqp.New(amqp.Config{
			Address:  credentials.Address,
			Username: credentials.Username,
			Password: credentials.Password,
		}, ctx)
		if err != nil {
			return err
		}
		gateway.AddPublisher(mirror)
	}

	defer gateway.Disconnect()
	if err := gateway.Connect(); err != nil {
		return err
	}

	device, err := enddevice.Open(enddevice.Config{Port: cfg.EndDevicePort}, ctx)
	if err != nil {
		return err
	}
	defer device.Close()

	if address := config.GetString("http-address"); address != "" {
		srv := serveStatus(address)
		defer srv.Close()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go handleSignals(ctx, sigChan, done, func() {
		cancel()
		device.Close()
	}, func() {
		os.Exit(1)
	})

	return gateway.Run(runCtx, device)
}

// handleSignals calls stop on the first signal and abort on the second, until
// done is closed. The second signal cuts short the disconnect from the brokers.
func handleSignals(logger log.Interface, signals <-chan os.Signal, done <-chan struct{}, stop, abort func()) {
	stopping := false
	for {
		select {
		case sig := <-signals:
			if stopping {
				logger.WithField("signal", sig).Warn("signal received again, exiting")
				abort()
				return
			}
			logger.WithField("signal", sig).Info("signal received, stopping")
			stopping = true
			stop()
		case <-done:
			return
		}
	}
}

func serveStatus(address string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/status", status.Handler())
	srv := &http.Server{Addr: address, Handler: mux}
	go func() {
		ctx.WithField("Address", address).Info("Serving status")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			ctx.WithError(err).Warn("Status server stopped")
		}
	}()
	return srv
}

func init() {
	GatewayCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Location of the config file")
	GatewayCmd.PersistentFlags().StringVar(&envFile, "env-file", "../.env", "Location of the dotenv file")

	GatewayCmd.Flags().String("log-file", "", "Location of the log file")
	GatewayCmd.Flags().Bool("debug", false, "Log debug messages")

	GatewayCmd.Flags().String("end-device-port", "", "Serial port of the end-device [END_DEVICE_PORT]")

	GatewayCmd.Flags().String("broker-url", "", "MQTT broker host [BROKER_URL]")
	GatewayCmd.Flags().String("broker-port", "", "MQTT broker port [BROKER_PORT]")
	GatewayCmd.Flags().String("broker-username", "", "MQTT broker username [BROKER_USERNAME]")
	GatewayCmd.Flags().String("broker-password", "", "MQTT broker password [BROKER_PASSWORD]")
	GatewayCmd.Flags().Bool("broker-tls", true, "Use TLS for the MQTT broker connection")
	GatewayCmd.Flags().Bool("broker-tls-insecure", false, "Do not verify the certificate of the MQTT broker")
	GatewayCmd.Flags().String("root-ca-file", "", "Location of the file containing Root CA certificates")

	GatewayCmd.Flags().String("mqtt", "enable", "Publish to the MQTT broker (\"disable\" logs messages instead; the BROKER_* settings are then not required)")
	GatewayCmd.Flags().String("amqp", "disable", "AMQP broker to mirror messages to (user:pass@host:port)")

	GatewayCmd.Flags().String("http-address", "", "Address to serve /metrics and /status on")

	viper.BindPFlags(GatewayCmd.Flags())
}
