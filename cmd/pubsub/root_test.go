package main

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/RoanBrand/gopubsub"
	paho "github.com/eclipse/paho.mqtt.golang/packets"
)

func execute(args ...string) error {
	rootCmd.SetArgs(args)
	rootCmd.SetOut(io.Discard)
	rootCmd.SetErr(io.Discard)
	return rootCmd.Execute()
}

func TestArgs(t *testing.T) {
	for _, args := range [][]string{
		{"pub"},
		{"pub", "a/b"},
		{"pub", "a/b", "m", "extra"},
		{"sub"},
		{"sub", "a", "b"},
		{"sub", "a", "--qos", "x"},
		{"pub", "a", "m", "--keepalive", "soon"},
	} {
		if err := execute(args...); err == nil {
			t.Fatal("accepted", args)
		}
	}
}

func TestFlags(t *testing.T) {
	err := rootCmd.PersistentFlags().Parse([]string{"-b", "example.com:8080", "--ws", "--keepalive", "5s", "-u", "me", "-P", "pw"})
	if err != nil {
		t.Fatal(err)
	}
	if broker != "example.com:8080" || !websocket || keepAlive != 5*time.Second || username != "me" || password != "pw" {
		t.Fatal(broker, websocket, keepAlive, username, password)
	}
	defer func() {
		broker, websocket, keepAlive, username, password = "localhost:1883", false, gopubsub.DefaultKeepAlive, "", ""
	}()

	if err = subCmd.Flags().Parse([]string{"-q", "1"}); err != nil || subQoS != 1 {
		t.Fatal(err, subQoS)
	}
	if err = pubCmd.Flags().Parse([]string{"--retain"}); err != nil || !pubRetain {
		t.Fatal(err, pubRetain)
	}
	subQoS, pubRetain = 0, false
}

func TestPub(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	got := make(chan paho.ControlPacket, 4)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			cp, err := paho.ReadPacket(conn)
			if err != nil {
				close(got)
				return
			}
			if _, ok := cp.(*paho.ConnectPacket); ok {
				if err = paho.NewControlPacket(paho.Connack).Write(conn); err != nil {
					return
				}
			}
			got <- cp
		}
	}()

	if err = execute("pub", "-b", ln.Addr().String(), "--id", "cli-test", "-r", "/trains/track/turnout/5001", "THROWN"); err != nil {
		t.Fatal(err)
	}

	cp := <-got
	if c, ok := cp.(*paho.ConnectPacket); !ok || c.ClientIdentifier != "cli-test" {
		t.Fatal(cp)
	}
	cp = <-got
	p, ok := cp.(*paho.PublishPacket)
	if !ok {
		t.Fatal(cp)
	}
	if p.TopicName != "/trains/track/turnout/5001" || string(p.Payload) != "THROWN" || !p.Retain || p.Qos != 0 {
		t.Fatal(p.TopicName, string(p.Payload), p.Retain, p.Qos)
	}
	if cp = <-got; cp == nil {
		t.Fatal("no DISCONNECT")
	}
	if _, ok = cp.(*paho.DisconnectPacket); !ok {
		t.Fatal(cp)
	}
}
