// Copyright © 2016 The Things Network
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package cmd

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var cfgFile string

var envFile string

// envFileErr is logged once logging is set up
var envFileErr error

func initConfig() {
	envFileErr = loadEnvFile(envFile)
	configureEnv(viper.GetViper())
	if cfgFile != "" {
		if err := readConfigFile(viper.GetViper(), cfgFile); err != nil {
			fmt.Println("Error when reading config file:", err)
		} else {
			fmt.Println("Using config file:", viper.ConfigFileUsed())
		}
	}
	viper.BindEnv("debug")
}

func readConfigFile(v *viper.Viper, file string) error {
	v.SetConfigFile(file)
	return v.ReadInConfig()
}

// loadEnvFile adds the variables of a dotenv file to the environment.
// Variables that are already set are not overwritten.
func loadEnvFile(file string) error {
	if file == "" {
		return nil
	}
	return godotenv.Load(file)
}

// configureEnv makes config keys readable from environment variables:
// "broker-port" is read from BROKER_PORT.
func configureEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

var config = viper.GetViper()

func envName(key string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(key))
}

// Config holds the connection parameters of the gateway. It is loaded once at startup.
type Config struct {
	EndDevicePort string

	BrokerUsername string
	BrokerPassword string
	BrokerHost     string
	BrokerPort     int

	BrokerTLS         bool
	BrokerTLSInsecure bool
	RootCAFile        string

	// MQTTEnabled is false for dry runs; the broker fields are then empty
	MQTTEnabled bool
}

// BrokerAddress returns the broker URL for the MQTT client
func (c Config) BrokerAddress() string {
	scheme := "tcp"
	if c.BrokerTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(c.BrokerHost, strconv.Itoa(c.BrokerPort)))
}

var requiredConfig = []string{
	"end-device-port",
}

var requiredBrokerConfig = []string{
	"broker-username",
	"broker-password",
	"broker-url",
	"broker-port",
}

// LoadConfig reads the connection parameters. None of them has a default.
// With MQTT disabled, only the end-device port is required.
func LoadConfig(v *viper.Viper) (Config, error) {
	mqttEnabled := v.GetString("mqtt") != "disable"

	required := requiredConfig
	if mqttEnabled {
		required = append(append([]string(nil), requiredConfig...), requiredBrokerConfig...)
	}
	var missing []string
	for _, key := range required {
		if strings.TrimSpace(v.GetString(key)) == "" {
			missing = append(missing, envName(key))
		}
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}

	if !mqttEnabled {
		return Config{EndDevicePort: v.GetString("end-device-port")}, nil
	}

	port, err := strconv.Atoi(strings.TrimSpace(v.GetString("broker-port")))
	if err != nil {
		return Config{}, fmt.Errorf("%s is not a number: %q", envName("broker-port"), v.GetString("broker-port"))
	}
	if port < 1 || port > 65535 {
		return Config{}, fmt.Errorf("%s is out of range: %d", envName("broker-port"), port)
	}

	return Config{
		EndDevicePort:     v.GetString("end-device-port"),
		BrokerUsername:    v.GetString("broker-username"),
		BrokerPassword:    v.GetString("broker-password"),
		BrokerHost:        strings.TrimSpace(v.GetString("broker-url")),
		BrokerPort:        port,
		BrokerTLS:         v.GetBool("broker-tls"),
		BrokerTLSInsecure: v.GetBool("broker-tls-insecure"),
		RootCAFile:        v.GetString("root-ca-file"),
		MQTTEnabled:       true,
	}, nil
}

// brokerRegexp matches user:pass@host:port
var brokerRegexp = regexp.MustCompile(`^(?:([0-9a-z_-]+)(?::([0-9A-Za-z-!"#$%&'()*+,.:;<=>?@[\]^_{|}~]+))?@)?([0-9a-z.-]+:[0-9]+)$`)

type brokerCredentials struct {
	Username string
	Password string
	Address  string
}

func parseBroker(broker string) (brokerCredentials, error) {
	parts := brokerRegexp.FindStringSubmatch(broker)
	if parts == nil {
		return brokerCredentials{}, errors.New("broker should be formatted as user:pass@host:port")
	}
	return brokerCredentials{Username: parts[1], Password: parts[2], Address: parts[3]}, nil
}
