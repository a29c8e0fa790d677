// Copyright 2024 The accuchek authors. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD license. See the LICENSE file for details.

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris
// +build darwin dragonfly freebsd linux netbsd openbsd solaris

package simulator

import (
	"fmt"
	"os"
	"sync"

	"github.com/creack/pty"
)

// PtyPair is a pseudo-terminal pair. The simulated meter reads and
// writes the master side; the slave path is handed to the serial
// transporter under test as its device.
type PtyPair struct {
	mu        sync.Mutex
	Master    *os.File
	Slave     *os.File
	SlavePath string
}

// CreatePtyPair opens a new master/slave pair.
func CreatePtyPair() (*PtyPair, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("opening pty: %w", err)
	}
	return &PtyPair{Master: master, Slave: slave, SlavePath: slave.Name()}, nil
}

// Close closes both sides. Closing the master unblocks a meter stuck in
// a read.
func (p *PtyPair) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.Master != nil {
		if e := p.Master.Close(); e != nil && err == nil {
			err = e
		}
		p.Master = nil
	}
	if p.Slave != nil {
		if e := p.Slave.Close(); e != nil && err == nil {
			err = e
		}
		p.Slave = nil
	}
	return err
}

// Read reads from the master side.
func (p *PtyPair) Read(b []byte) (int, error) {
	p.mu.Lock()
	master := p.Master
	p.mu.Unlock()
	if master == nil {
		return 0, os.ErrClosed
	}
	return master.Read(b)
}

// Write writes to the master side.
func (p *PtyPair) Write(b []byte) (int, error) {
	p.mu.Lock()
	master := p.Master
	p.mu.Unlock()
	if master == nil {
		return 0, os.ErrClosed
	}
	return master.Write(b)
}
