// blehost-demo drives the host core against the loopback stack: it
// registers a sample GATT profile, exercises an L2CAP echo round trip
// and dumps the resulting attribute table. Useful for bring-up and as
// a worked example of the API.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/urfave/cli"

	"github.com/corvidae-io/blehost"
	"github.com/corvidae-io/blehost/cache"
	"github.com/corvidae-io/blehost/host"
	"github.com/corvidae-io/blehost/stack/loopback"
)

var (
	svcUUID  = blehost.UUID16(0x181A)
	charUUID = blehost.UUID16(0x2A6E)
	descUUID = blehost.UUID16(0x2901)
)

func main() {
	app := cli.NewApp()
	app.Name = "blehost-demo"
	app.Usage = "exercise the host core against the loopback stack"
	app.Commands = []cli.Command{
		{
			Name:  "profile",
			Usage: "register a sample service tree and dump the attribute table",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "cache", Usage: "also store the profile in this cache file"},
			},
			Action: runProfile,
		},
		{
			Name:  "echo",
			Usage: "run an L2CAP echo round trip, including a send stall",
			Flags: []cli.Flag{
				cli.IntFlag{Name: "count", Value: 8, Usage: "number of payloads to echo"},
				cli.IntFlag{Name: "size", Value: 64, Usage: "payload size in bytes"},
			},
			Action: runEcho,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func buildHost() (*host.Host, *loopback.Stack, error) {
	lb := loopback.New()
	h, err := host.New(lb, blehost.OptConnectTimeout(2*time.Second))
	if err != nil {
		return nil, nil, err
	}
	return h, lb, nil
}

func runProfile(c *cli.Context) error {
	h, _, err := buildHost()
	if err != nil {
		return err
	}
	defer h.Close()

	svc := host.NewService(svcUUID)
	ch := host.NewCharacteristic(svc, charUUID, host.PropRead|host.PropWrite|host.PropNotify|host.PropIndicate)
	host.NewDescriptor(ch, descUUID, host.DescRead)

	if err := h.RegisterServices(svc); err != nil {
		return err
	}

	p := h.Profile()
	out, err := jsoniter.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if file := c.String("cache"); file != "" {
		pc := cache.New(file)
		if err := pc.Store(blehost.NewAddr("00:00:00:00:00:00"), p, true); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "profile stored in %s\n", file)
	}
	return nil
}

func runEcho(c *cli.Context) error {
	h, lb, err := buildHost()
	if err != nil {
		return err
	}
	defer h.Close()

	ctx := context.Background()
	dev := h.NewDevice(blehost.AddrTypePublic, blehost.NewAddr("aa:bb:cc:dd:ee:ff"))

	// The peer side of the loopback completes whatever the host
	// starts: connection, channel open, echoing payloads back.
	go func() {
		req := <-lb.ConnectRequests()
		lb.CompleteConnect(req, 1, 0)

		ch := <-lb.ChannelRequests()
		lb.PeerOpenChannel(ch.Handle, ch.PSM, ch.MTU)

		seen := 0
		for {
			time.Sleep(5 * time.Millisecond)
			sent := lb.Sent()
			for _, frame := range sent[seen:] {
				lb.PeerChannelData(ch.Handle, frame)
			}
			if len(sent) > seen {
				seen = len(sent)
				lb.PeerSendReady(ch.Handle)
			}
		}
	}()

	if err := dev.Connect(ctx, 0); err != nil {
		return err
	}
	fmt.Printf("connected: %v\n", dev)

	chn, err := dev.L2CAPConnect(ctx, 0x70, 128, time.Second)
	if err != nil {
		return err
	}
	cid, _ := chn.CID()
	fmt.Printf("channel open: cid %#04x, peer mtu %d\n", cid, chn.PeerMTU())

	payload := make([]byte, c.Int("size"))
	for i := range payload {
		payload[i] = byte(i)
	}
	buf := make([]byte, len(payload))

	start := time.Now()
	for i := 0; i < c.Int("count"); i++ {
		if err := chn.Send(ctx, payload, time.Second); err != nil {
			return err
		}
		n, err := chn.RecvInto(ctx, buf, time.Second)
		if err != nil {
			return err
		}
		fmt.Printf("echo %d: %d bytes\n", i, n)
	}
	fmt.Printf("done in %v\n", time.Since(start))

	return dev.Disconnect(ctx, time.Second)
}
