// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

package simulator

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
)

// SerialServer exposes a simulated meter behind a pseudo terminal, so a
// serial transporter can talk to it through a real device path.
type SerialServer struct {
	cfg      Config
	pty      *PtyPair
	logger   *log.Logger
	doneChan chan struct{}
}

// NewSerialServer allocates a server for the given meter configuration.
func NewSerialServer(cfg Config) (*SerialServer, error) {
	p, err := CreatePtyPair()
	if err != nil {
		return nil, fmt.Errorf("creating pty: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "meter: ", log.LstdFlags)
	}
	return &SerialServer{cfg: cfg, pty: p, logger: logger}, nil
}

// ClientDevicePath returns the device path a client should open.
func (s *SerialServer) ClientDevicePath() string {
	return s.pty.SlavePath
}

// Start serves associations until Stop. Each association runs to
// completion before the next AARQ is awaited.
func (s *SerialServer) Start() {
	s.doneChan = make(chan struct{})
	go func() {
		defer close(s.doneChan)
		for {
			meter := NewMeter(s.pty, s.cfg)
			if err := meter.Serve(); err != nil {
				if !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.EOF) {
					s.logger.Printf("serve: %v", err)
				}
				return
			}
		}
	}()
}

// Stop tears the pty down and waits for the serve loop to exit.
func (s *SerialServer) Stop() error {
	err := s.pty.Close()
	if s.doneChan != nil {
		<-s.doneChan
	}
	return err
}
