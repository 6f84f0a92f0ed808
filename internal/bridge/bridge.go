// Package bridge runs a configured device against an MQTT broker until
// stopped.
package bridge

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/RoanBrand/gopubsub"
	"github.com/RoanBrand/gopubsub/internal/config"
	"github.com/RoanBrand/gopubsub/internal/device"
	"github.com/RoanBrand/gopubsub/internal/store"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Bridge struct {
	config.Config

	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

func (b *Bridge) init() {
	b.ctx, b.cancel = context.WithCancel(context.Background())
}

// Run blocks until Shutdown is called or the device fails.
func (b *Bridge) Run() error {
	b.once.Do(b.init)

	if err := b.setupLogging(); err != nil {
		return err
	}

	c, err := gopubsub.NewClient(b.Broker.Address, b.clientOptions()...)
	if err != nil {
		return err
	}

	var opts []device.Option
	var st *store.DiskStore
	if b.Store.Dir != "" {
		if st, err = store.Open(b.Store.Dir); err != nil {
			return err
		}
		defer st.Close()
		opts = append(opts, device.WithStore(st))
	}

	d, err := device.New(b.deviceConfig(), c, opts...)
	if err != nil {
		return err
	}

	lf := log.Fields{
		"broker":    b.Broker.Address,
		"websocket": b.Broker.Websocket,
		"vpin":      b.Device.FirstVpin,
	}
	if st != nil {
		lf["store"] = b.Store.Dir
	}
	log.WithFields(lf).Info("Starting MQTT bridge")

	g, ctx := errgroup.WithContext(b.ctx)
	g.Go(func() error {
		return d.Run(ctx)
	})
	if st != nil {
		g.Go(func() error {
			return st.RunGC(ctx, time.Duration(b.Store.GCInterval)*time.Second)
		})
	}

	err = g.Wait()
	log.Info("MQTT bridge stopped")
	return err
}

func (b *Bridge) Shutdown() {
	b.once.Do(b.init)
	b.cancel()
}

func (b *Bridge) clientOptions() []gopubsub.Option {
	bc := &b.Broker
	ka := time.Duration(bc.KeepAlive) * time.Second
	if ka < 0 {
		ka = 0
	}

	opts := []gopubsub.Option{
		gopubsub.WithKeepAlive(ka),
		gopubsub.WithSocketTimeout(time.Duration(bc.SocketTimeout) * time.Second),
		gopubsub.WithProtocolVersion(bc.ProtocolVersion),
	}
	if bc.MaxPacketSize > 0 {
		opts = append(opts, gopubsub.WithMaxPacketSize(bc.MaxPacketSize))
	}
	if bc.MaxTransferSize > 0 {
		opts = append(opts, gopubsub.WithMaxTransferSize(bc.MaxTransferSize))
	}
	if bc.Websocket {
		opts = append(opts, gopubsub.WithWebsocket())
	}
	return opts
}

func (b *Bridge) deviceConfig() device.Config {
	cID := b.Broker.ClientID
	if cID == "" {
		cID = "gopubsub-" + uuid.NewString()[:8]
	}

	return device.Config{
		Name:              "vpin" + strconv.Itoa(b.Device.FirstVpin),
		FirstVpin:         b.Device.FirstVpin,
		NPins:             b.Device.NPins,
		NTurnouts:         b.Device.NTurnouts,
		NSensors:          b.Device.NSensors,
		TurnoutTopic:      b.Device.TurnoutTopic,
		SensorTopic:       b.Device.SensorTopic,
		ReconnectInterval: time.Duration(b.Broker.ReconnectInterval) * time.Second,
		PollInterval:      time.Duration(b.Device.PollInterval) * time.Millisecond,
		Connect: gopubsub.ConnectOptions{
			ClientID: cID,
			Username: b.Broker.Username,
			Password: b.Broker.Password,
		},
	}
}

// setupLogging applies the log section on top of whatever the caller set up.
// An empty level keeps the current one.
func (b *Bridge) setupLogging() error {
	var lvl log.Level
	if b.Log.Level != "" {
		var err error
		if lvl, err = log.ParseLevel(b.Log.Level); err != nil {
			return errors.Wrap(err, "log level")
		}
	}

	if path := b.Log.File; path != "" {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return errors.Wrapf(err, "log file %s", path)
		}
		log.SetOutput(f)
	}

	if b.Log.Level != "" {
		log.SetLevel(lvl)
	}
	return nil
}
