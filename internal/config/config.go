package config

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Broker to connect to, in the form "host:port". If no port is given,
	// 1883 is used, or 80 for websocket connections.
	Broker struct {
		Address   string `json:"address" yaml:"address"`
		Websocket bool   `json:"websocket" yaml:"websocket"`

		// ClientID defaults to a random id when empty.
		ClientID string `json:"client_id" yaml:"client_id"`
		Username string `json:"username" yaml:"username"`
		Password string `json:"password" yaml:"password"`

		// Protocol level, 3 (MQTT 3.1) or 4 (MQTT 3.1.1). Default 4.
		ProtocolVersion uint8 `json:"protocol_version" yaml:"protocol_version"`

		// Keep Alive in s. Default 15. Set to -1 to disable.
		KeepAlive int `json:"keep_alive" yaml:"keep_alive"`
		// Time in s to wait for CONNACK and for each byte of an incoming packet.
		// Default 15.
		SocketTimeout int `json:"socket_timeout" yaml:"socket_timeout"`
		// Time in s between connection attempts. Default 5.
		ReconnectInterval int `json:"reconnect_interval" yaml:"reconnect_interval"`

		// Largest packet body that can be sent or received. Default 256.
		MaxPacketSize int `json:"max_packet_size" yaml:"max_packet_size"`
		// Split outbound packets into writes of at most this many bytes.
		// 0 writes each packet at once.
		MaxTransferSize int `json:"max_transfer_size" yaml:"max_transfer_size"`
	} `json:"broker" yaml:"broker"`

	// Device maps a block of virtual pins onto MQTT topics. Turnouts come
	// first, sensors follow directly after.
	Device struct {
		FirstVpin int `json:"first_vpin" yaml:"first_vpin"`
		NPins     int `json:"n_pins" yaml:"n_pins"`
		NTurnouts int `json:"n_turnouts" yaml:"n_turnouts"`
		NSensors  int `json:"n_sensors" yaml:"n_sensors"`

		TurnoutTopic string `json:"turnout_topic" yaml:"turnout_topic"`
		SensorTopic  string `json:"sensor_topic" yaml:"sensor_topic"`

		// Loop interval in ms. Default 10.
		PollInterval int `json:"poll_interval" yaml:"poll_interval"`
	} `json:"device" yaml:"device"`

	// Store optionally keeps the last known sensor states on disk.
	// If Dir is empty, nothing is persisted.
	Store struct {
		Dir string `json:"dir" yaml:"dir"`
		// Value log GC interval in s. Default 600.
		GCInterval int `json:"gc_interval" yaml:"gc_interval"`
	} `json:"store" yaml:"store"`

	// Log configures optional log output file as well as the log level setting.
	Log struct {
		File  string `json:"file" yaml:"file"`
		Level string `json:"level" yaml:"level"`
	} `json:"log" yaml:"log"`
}

// LoadFromFile reads a JSON config, or YAML if the file ends in .yaml/.yml.
func (c *Config) LoadFromFile(fPath string) error {
	f, err := os.Open(fPath)
	if err != nil {
		return errors.Wrap(err, "error opening config file")
	}

	defer f.Close()

	if err = c.decode(f, filepath.Ext(fPath)); err != nil {
		return errors.Wrap(err, "error reading config file")
	}

	return c.validate()
}

func (c *Config) decode(r io.Reader, ext string) error {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.NewDecoder(r).Decode(c)
	default:
		return json.NewDecoder(r).Decode(c)
	}
}

func (c *Config) validate() error {
	b := &c.Broker
	if b.Address == "" {
		return errors.New("no broker address configured")
	}
	if !strings.Contains(b.Address, ":") {
		if b.Websocket {
			b.Address += ":80"
		} else {
			b.Address += ":1883" // if just ip/host specified
		}
	}

	if b.Password != "" && b.Username == "" {
		return errors.New("broker password set without username")
	}

	switch b.ProtocolVersion {
	case 0:
		b.ProtocolVersion = 4
	case 3, 4:
	default:
		return errors.Errorf("unsupported protocol version %d", b.ProtocolVersion)
	}

	if b.KeepAlive == 0 {
		b.KeepAlive = 15
	} else if b.KeepAlive > 0xFFFF {
		return errors.Errorf("keep alive %ds too large", b.KeepAlive)
	}
	if b.SocketTimeout <= 0 {
		b.SocketTimeout = 15
	}
	if b.ReconnectInterval <= 0 {
		b.ReconnectInterval = 5
	}
	if b.MaxPacketSize == 0 {
		b.MaxPacketSize = 256
	}
	if b.MaxTransferSize < 0 {
		return errors.New("negative max transfer size")
	}

	d := &c.Device
	if d.NTurnouts < 0 || d.NSensors < 0 || d.FirstVpin < 0 {
		return errors.New("invalid device pin setup")
	}
	if d.NPins == 0 {
		d.NPins = d.NTurnouts + d.NSensors
	}
	if d.NPins < d.NTurnouts+d.NSensors {
		return errors.Errorf("%d pins cannot hold %d turnouts and %d sensors", d.NPins, d.NTurnouts, d.NSensors)
	}
	if d.TurnoutTopic == "" {
		d.TurnoutTopic = "/trains/track/turnout/"
	}
	if d.SensorTopic == "" {
		d.SensorTopic = "/trains/track/sensor/"
	}
	if d.PollInterval <= 0 {
		d.PollInterval = 10
	}

	if c.Store.GCInterval <= 0 {
		c.Store.GCInterval = 600
	}

	return nil
}
