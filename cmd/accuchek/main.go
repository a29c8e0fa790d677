// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

// Command accuchek lists attached Accu-Chek meters and downloads their
// stored glucose readings.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gousb"
	"github.com/urfave/cli/v2"

	"github.com/lumberbarons/accuchek"
	"github.com/lumberbarons/accuchek/internal/store"
)

func main() {
	app := &cli.App{
		Name:  "accuchek",
		Usage: "Download glucose readings from Accu-Chek meters",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Usage:   "Per-transfer timeout",
				Value:   accuchek.DefaultTimeout,
			},
			&cli.StringFlag{
				Name:  "devices",
				Usage: "YAML file with the vendor/product whitelist",
			},
			&cli.StringFlag{
				Name:  "serial-port",
				Usage: "Talk to a meter on this serial device instead of USB",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List attached meters matching the whitelist",
				Action: runList,
			},
			{
				Name:  "download",
				Usage: "Download all stored readings",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "db",
						Usage: "SQLite database to insert readings into",
					},
					&cli.BoolFlag{
						Name:  "json",
						Usage: "Print readings as JSON lines",
					},
				},
				Action: runDownload,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// traceLogger returns a frame logger when ACCUCHEK_DBG is set. The
// library itself never reads the environment.
func traceLogger() *log.Logger {
	if os.Getenv("ACCUCHEK_DBG") == "" {
		return nil
	}
	return log.New(os.Stderr, "", log.LstdFlags)
}

func meterIDs(c *cli.Context) ([]accuchek.MeterID, error) {
	if path := c.String("devices"); path != "" {
		return accuchek.LoadMeterIDs(path)
	}
	return accuchek.DefaultMeterIDs, nil
}

func runList(c *cli.Context) error {
	ids, err := meterIDs(c)
	if err != nil {
		return err
	}
	usb := gousb.NewContext()
	defer usb.Close()

	transporters, err := accuchek.FindMeters(usb, ids)
	if err != nil {
		return err
	}
	defer closeAll(transporters)

	if len(transporters) == 0 {
		fmt.Println("No meters found")
		return nil
	}
	fmt.Printf("%d meter(s) found\n", len(transporters))
	return nil
}

func runDownload(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transporter, cleanup, err := openTransporter(c)
	if err != nil {
		return err
	}
	defer cleanup()

	session := accuchek.NewSession(transporter)
	session.Logger = traceLogger()
	if err := session.Open(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*accuchek.DefaultTimeout)
		defer cancel()
		if err := session.Close(closeCtx); err != nil {
			log.Printf("closing session: %v", err)
		}
	}()

	serial := hex.EncodeToString(session.MDS().SystemID)
	fmt.Fprintf(os.Stderr, "Connected to %s %s (serial %s)\n",
		session.MDS().Manufacturer, session.MDS().Model, serial)

	var db *store.Store
	if path := c.String("db"); path != "" {
		if db, err = store.Open(path); err != nil {
			return err
		}
		defer db.Close()
	}

	asJSON := c.Bool("json")
	enc := json.NewEncoder(os.Stdout)
	count := 0
	err = session.Download(ctx, func(r accuchek.Reading) error {
		count++
		if db != nil {
			if err := db.Insert(serial, r); err != nil {
				return err
			}
		}
		if asJSON {
			return enc.Encode(map[string]interface{}{
				"id":     r.ID,
				"time":   time.Unix(r.Epoch, 0).UTC().Format(time.RFC3339),
				"mg_dl":  r.MgPerDL,
				"mmol_l": r.MmolPerL,
			})
		}
		fmt.Println(r)
		return nil
	})
	if err != nil {
		var assoc *accuchek.AssociationError
		if errors.As(err, &assoc) {
			return fmt.Errorf("meter refused the connection (%s); unplug and retry", assoc.Reason())
		}
		return err
	}
	fmt.Fprintf(os.Stderr, "Downloaded %d reading(s)\n", count)
	return nil
}

func openTransporter(c *cli.Context) (accuchek.Transporter, func(), error) {
	timeout := c.Duration("timeout")

	if dev := c.String("serial-port"); dev != "" {
		t := accuchek.NewSerialTransporter(dev)
		t.Timeout = timeout
		t.Logger = traceLogger()
		return t, func() { t.Close() }, nil
	}

	ids, err := meterIDs(c)
	if err != nil {
		return nil, nil, err
	}
	usb := gousb.NewContext()
	transporters, err := accuchek.FindMeters(usb, ids)
	if err != nil {
		usb.Close()
		return nil, nil, err
	}
	if len(transporters) == 0 {
		usb.Close()
		return nil, nil, fmt.Errorf("no meter found; is the device plugged in?")
	}
	// One session at a time: take the first meter, release the rest.
	for _, extra := range transporters[1:] {
		extra.Close()
	}
	t := transporters[0]
	t.Timeout = timeout
	t.Logger = traceLogger()
	cleanup := func() {
		t.Close()
		usb.Close()
	}
	return t, cleanup, nil
}

func closeAll(ts []*accuchek.USBTransporter) {
	for _, t := range ts {
		t.Close()
	}
}
