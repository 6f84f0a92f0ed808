// Package device exposes a block of virtual pins over MQTT: writes to turnout
// pins are published, sensor pins mirror the ACTIVE/INACTIVE messages
// received on their topics.
package device

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/RoanBrand/gopubsub"
	"github.com/RoanBrand/gopubsub/internal/clock"
	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	// Name keys the persisted state of this device.
	Name string

	FirstVpin int
	NPins     int
	NTurnouts int
	NSensors  int

	// Topic prefixes, followed by the vpin number.
	TurnoutTopic string
	SensorTopic  string

	ReconnectInterval time.Duration
	PollInterval      time.Duration

	Connect gopubsub.ConnectOptions
}

// Store persists device state. Implemented by store.DiskStore.
type Store interface {
	SaveSensors(name string, bits []byte) error
	LoadSensors(name string) ([]byte, error)
	SaveTurnout(name string, vpin uint32, value uint8) error
	LoadTurnouts(name string, iter func(vpin uint32, value uint8)) error
}

type Option func(*Driver)

func WithStore(s Store) Option {
	return func(d *Driver) {
		d.store = s
	}
}

func WithClock(c clock.Clock) Option {
	return func(d *Driver) {
		d.clock = c
	}
}

// Driver is not safe for concurrent use. Run, or Begin and Loop, drive it.
type Driver struct {
	conf   Config
	client *gopubsub.Client
	store  Store
	clock  clock.Clock

	firstSensor int
	sensors     *bitset.BitSet
	turnouts    map[int]uint8

	lastAttempt time.Time
}

// New wires the driver to client, replacing the client's message handler.
func New(conf Config, client *gopubsub.Client, opts ...Option) (*Driver, error) {
	if conf.NTurnouts < 0 || conf.NSensors < 0 || conf.NPins < conf.NTurnouts+conf.NSensors {
		return nil, errors.Errorf("device %q: invalid pin layout", conf.Name)
	}
	if conf.ReconnectInterval <= 0 {
		conf.ReconnectInterval = 5 * time.Second
	}
	if conf.PollInterval <= 0 {
		conf.PollInterval = 10 * time.Millisecond
	}

	d := Driver{
		conf:        conf,
		client:      client,
		clock:       clock.Real,
		firstSensor: conf.FirstVpin + conf.NTurnouts,
		sensors:     bitset.New(uint(conf.NSensors)),
		turnouts:    make(map[int]uint8),
	}
	for _, opt := range opts {
		opt(&d)
	}

	client.SetHandler(d.handle)
	return &d, nil
}

// Begin restores persisted state and makes the first connection attempt.
func (d *Driver) Begin(ctx context.Context) error {
	log.WithFields(log.Fields{
		"device": d.conf.Name,
		"vpins":  strconv.Itoa(d.conf.FirstVpin) + "-" + strconv.Itoa(d.conf.FirstVpin+d.conf.NPins-1),
	}).Info("Device configured")

	if d.store != nil {
		bits, err := d.store.LoadSensors(d.conf.Name)
		if err != nil {
			return errors.Wrap(err, "load sensors")
		}
		if bits != nil {
			restored := new(bitset.BitSet)
			if err = restored.UnmarshalBinary(bits); err != nil {
				return errors.Wrap(err, "decode sensors")
			}
			for i, ok := restored.NextSet(0); ok && i < uint(d.conf.NSensors); i, ok = restored.NextSet(i + 1) {
				d.sensors.Set(i)
			}
		}

		err = d.store.LoadTurnouts(d.conf.Name, func(vpin uint32, value uint8) {
			if d.isTurnout(int(vpin)) {
				d.turnouts[int(vpin)] = value
			}
		})
		if err != nil {
			return errors.Wrap(err, "load turnouts")
		}
	}

	d.reconnect(ctx)
	return nil
}

// Loop keeps the connection up and processes incoming messages. Call it
// regularly.
func (d *Driver) Loop(ctx context.Context) error {
	if !d.client.Connected() {
		d.reconnect(ctx)
		if !d.client.Connected() {
			return nil
		}
	}

	return d.client.Loop()
}

// Run drives the device until ctx is done.
func (d *Driver) Run(ctx context.Context) error {
	if err := d.Begin(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			d.client.Disconnect()
			return nil
		default:
		}

		if err := d.Loop(ctx); err != nil {
			log.WithFields(log.Fields{
				"device": d.conf.Name,
				"err":    err,
			}).Warn("connection dropped")
		}
		d.clock.Sleep(d.conf.PollInterval)
	}
}

func (d *Driver) reconnect(ctx context.Context) {
	if d.client.State() != gopubsub.ConnectInProgress {
		now := d.clock.Now()
		if !d.lastAttempt.IsZero() && now.Sub(d.lastAttempt) < d.conf.ReconnectInterval {
			return
		}

		log.WithFields(log.Fields{
			"device":   d.conf.Name,
			"clientId": d.conf.Connect.ClientID,
		}).Info("Attempting MQTT connection")

		d.lastAttempt = now
		if err := d.client.BeginConnect(ctx, d.conf.Connect); err != nil {
			log.WithFields(log.Fields{
				"device": d.conf.Name,
				"err":    err,
				"retry":  d.conf.ReconnectInterval,
			}).Warn("connect failed")
			return
		}
	}

	switch s := d.client.PollConnect(); s {
	case gopubsub.Connected:
		d.lastAttempt = time.Time{}
		d.subscribeSensors()
	case gopubsub.ConnectInProgress:
	default:
		log.WithFields(log.Fields{
			"device": d.conf.Name,
			"state":  s,
			"retry":  d.conf.ReconnectInterval,
		}).Warn("connect failed")
	}
}

// subscribeSensors runs after every (re)connect since sessions start clean.
func (d *Driver) subscribeSensors() {
	log.WithFields(log.Fields{
		"device":  d.conf.Name,
		"sensors": d.conf.NSensors,
		"topic":   d.conf.SensorTopic,
	}).Info("Subscribing to sensors")

	for i := 0; i < d.conf.NSensors; i++ {
		topic := d.conf.SensorTopic + strconv.Itoa(d.firstSensor+i)
		if err := d.client.Subscribe(topic, 0); err != nil {
			log.WithFields(log.Fields{
				"device": d.conf.Name,
				"topic":  topic,
				"err":    err,
			}).Warn("subscribe failed")
			return
		}
	}
}

func (d *Driver) isTurnout(vpin int) bool {
	return vpin >= d.conf.FirstVpin && vpin < d.conf.FirstVpin+d.conf.NTurnouts
}

// Write sets a turnout: 1 publishes THROWN, 0 CLOSED, as retained messages.
// Other values are ignored.
func (d *Driver) Write(vpin, value int) error {
	var payload string
	switch value {
	case 1:
		payload = "THROWN"
	case 0:
		payload = "CLOSED"
	default:
		return nil
	}
	if vpin < d.conf.FirstVpin || vpin >= d.conf.FirstVpin+d.conf.NPins {
		return errors.Errorf("vpin %d not on device %q", vpin, d.conf.Name)
	}

	if d.isTurnout(vpin) {
		d.turnouts[vpin] = uint8(value)
		if d.store != nil {
			if err := d.store.SaveTurnout(d.conf.Name, uint32(vpin), uint8(value)); err != nil {
				log.WithFields(log.Fields{
					"device": d.conf.Name,
					"err":    err,
				}).Warn("unable to persist turnout")
			}
		}
	}

	topic := d.conf.TurnoutTopic + strconv.Itoa(vpin)
	log.WithFields(log.Fields{
		"topic":   topic,
		"payload": payload,
	}).Debug("Publishing")
	return d.client.Publish(topic, []byte(payload), true)
}

// Read returns the last reported state of a sensor, 0 outside the sensor
// range.
func (d *Driver) Read(vpin int) int {
	i := vpin - d.firstSensor
	if i < 0 || i >= d.conf.NSensors {
		return 0
	}
	if d.sensors.Test(uint(i)) {
		return 1
	}
	return 0
}

// Turnout returns the last value written to a turnout and whether one was.
func (d *Driver) Turnout(vpin int) (int, bool) {
	v, ok := d.turnouts[vpin]
	return int(v), ok
}

func (d *Driver) handle(topic string, payload []byte) {
	id := topic[strings.LastIndexByte(topic, '/')+1:]
	vpin, err := strconv.Atoi(id)
	if err != nil {
		log.WithFields(log.Fields{
			"topic": topic,
		}).Debug("no vpin in topic")
		return
	}

	i := vpin - d.firstSensor
	if i < 0 || i >= d.conf.NSensors {
		log.WithFields(log.Fields{
			"topic": topic,
			"vpin":  vpin,
		}).Debug("vpin is not a sensor of this device")
		return
	}

	var active bool
	switch string(payload) {
	case "ACTIVE":
		active = true
	case "INACTIVE":
	default:
		return
	}

	if d.sensors.Test(uint(i)) == active {
		return
	}
	d.sensors.SetTo(uint(i), active)

	log.WithFields(log.Fields{
		"vpin":   vpin,
		"active": active,
	}).Debug("Sensor changed")

	d.saveSensors()
}

func (d *Driver) saveSensors() {
	if d.store == nil {
		return
	}

	bits, err := d.sensors.MarshalBinary()
	if err == nil {
		err = d.store.SaveSensors(d.conf.Name, bits)
	}
	if err != nil {
		log.WithFields(log.Fields{
			"device": d.conf.Name,
			"err":    err,
		}).Warn("unable to persist sensors")
	}
}
