// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the tunables of a logical interface and reads them
// from TOML or YAML files.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	binutils "github.com/jfoster/binary-utilities"
	"gopkg.in/yaml.v3"
	"gvisor.dev/gvisor/pkg/tcpip/header"

	"gvisor.dev/nicq/pkg/desc"
	"gvisor.dev/nicq/pkg/dim"
	"gvisor.dev/nicq/pkg/napi"
	"gvisor.dev/nicq/pkg/pagepool"
	"gvisor.dev/nicq/pkg/qcq"
	"gvisor.dev/nicq/pkg/queue"
	"gvisor.dev/nicq/pkg/rx"
	"gvisor.dev/nicq/pkg/sim"
	"gvisor.dev/nicq/pkg/tx"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Config is the configuration of a logical interface.
type Config struct {
	// Name prefixes queue names.
	Name string `toml:"name" yaml:"name"`

	// Queues is the number of transmit and receive queue pairs.
	Queues int `toml:"queues" yaml:"queues"`

	// MTU is the largest L3 packet.
	MTU uint32 `toml:"mtu" yaml:"mtu"`

	// SplitIntr gives transmit and receive queues their own interrupts.
	// Otherwise each pair shares the receive queue's interrupt.
	SplitIntr bool `toml:"split_intr" yaml:"split_intr"`

	// UseEQ selects event-queue notification.
	UseEQ bool `toml:"use_eq" yaml:"use_eq"`

	// HWStampQueue adds a transmit queue for packets that want hardware
	// timestamps.
	HWStampQueue bool `toml:"hwstamp_queue" yaml:"hwstamp_queue"`

	Tx    Tx        `toml:"tx" yaml:"tx"`
	Rx    Rx        `toml:"rx" yaml:"rx"`
	NAPI  NAPI      `toml:"napi" yaml:"napi"`
	DIM   DIM       `toml:"dim" yaml:"dim"`
	Pages Pages     `toml:"pages" yaml:"pages"`
	Sim   SimConfig `toml:"sim" yaml:"sim"`
}

// Tx configures transmit queues.
type Tx struct {
	RingSize         int           `toml:"ring_size" yaml:"ring_size"`
	MaxSG            int           `toml:"max_sg" yaml:"max_sg"`
	Budget           int           `toml:"budget" yaml:"budget"`
	StopThreshold    int           `toml:"stop_threshold" yaml:"stop_threshold"`
	DoorbellDeadline time.Duration `toml:"doorbell_deadline" yaml:"doorbell_deadline"`
}

// Rx configures receive queues.
type Rx struct {
	RingSize            int           `toml:"ring_size" yaml:"ring_size"`
	MaxSG               int           `toml:"max_sg" yaml:"max_sg"`
	CopyBreak           uint32        `toml:"copy_break" yaml:"copy_break"`
	FillThreshold       int           `toml:"fill_threshold" yaml:"fill_threshold"`
	FillDiv             int           `toml:"fill_div" yaml:"fill_div"`
	SplitSize           uint32        `toml:"split_size" yaml:"split_size"`
	MinDoorbellDeadline time.Duration `toml:"min_doorbell_deadline" yaml:"min_doorbell_deadline"`
	MaxDoorbellDeadline time.Duration `toml:"max_doorbell_deadline" yaml:"max_doorbell_deadline"`
	VLANStrip           bool          `toml:"vlan_strip" yaml:"vlan_strip"`
}

// NAPI configures pollers.
type NAPI struct {
	Budget   int           `toml:"budget" yaml:"budget"`
	Deadline time.Duration `toml:"deadline" yaml:"deadline"`
}

// DIM configures interrupt moderation. With Enabled unset, RxUsecs and
// TxUsecs are applied once and left alone.
type DIM struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Mult    uint32 `toml:"coal_mult" yaml:"coal_mult"`
	Div     uint32 `toml:"coal_div" yaml:"coal_div"`
	RxUsecs uint32 `toml:"rx_usecs" yaml:"rx_usecs"`
	TxUsecs uint32 `toml:"tx_usecs" yaml:"tx_usecs"`
}

// Pages configures the receive page arena.
type Pages struct {
	Size         int `toml:"size" yaml:"size"`
	ChunkPages   int `toml:"chunk_pages" yaml:"chunk_pages"`
	MaxPages     int `toml:"max_pages" yaml:"max_pages"`
	ReserveAbove int `toml:"reserve_above" yaml:"reserve_above"`
}

// SimConfig configures the simulated device.
type SimConfig struct {
	Loopback              bool `toml:"loopback" yaml:"loopback"`
	CoalesceTxCompletions bool `toml:"coalesce_tx_completions" yaml:"coalesce_tx_completions"`
	RxBacklog             int  `toml:"rx_backlog" yaml:"rx_backlog"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Name:   "nicq0",
		Queues: 1,
		MTU:    1500,
		Tx: Tx{
			RingSize:         1024,
			MaxSG:            8,
			Budget:           qcq.DefaultTxBudget,
			StopThreshold:    tx.DefaultStopThreshold,
			DoorbellDeadline: tx.DefaultDoorbellDeadline,
		},
		Rx: Rx{
			RingSize:            1024,
			MaxSG:               8,
			CopyBreak:           rx.DefaultCopyBreak,
			FillThreshold:       rx.DefaultFillThreshold,
			FillDiv:             rx.DefaultFillDiv,
			SplitSize:           pagepool.DefaultPageSize / 2,
			MinDoorbellDeadline: rx.DefaultMinDoorbellDeadline,
			MaxDoorbellDeadline: rx.DefaultMaxDoorbellDeadline,
		},
		NAPI: NAPI{
			Budget:   napi.DefaultBudget,
			Deadline: napi.DefaultDeadline,
		},
		DIM: DIM{
			Enabled: true,
			Mult:    1,
			Div:     1,
			RxUsecs: dim.DefaultRxProfiles[dim.DefaultProfile],
			TxUsecs: dim.DefaultTxProfiles[dim.DefaultProfile],
		},
		Pages: Pages{
			Size:       pagepool.DefaultPageSize,
			ChunkPages: 64,
		},
		Sim: SimConfig{
			Loopback:  true,
			RxBacklog: sim.DefaultRxBacklog,
		},
	}
}

// Format is a configuration file syntax.
type Format string

// Supported formats.
const (
	TOML Format = "toml"
	YAML Format = "yaml"
)

// FormatOf returns the format of a file from its extension. Anything that
// is not YAML is read as TOML.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return YAML
	default:
		return TOML
	}
}

// Decode reads a configuration on top of the defaults. Unknown keys are
// rejected.
func Decode(r io.Reader, f Format) (Config, error) {
	c := Default()
	switch f {
	case TOML:
		md, err := toml.NewDecoder(r).Decode(&c)
		if err != nil {
			return c, fmt.Errorf("decoding config: %w", err)
		}
		if keys := md.Undecoded(); len(keys) > 0 {
			return c, fmt.Errorf("%w: unknown keys %v", ErrInvalid, keys)
		}
	case YAML:
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		// An empty document leaves the defaults.
		if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
			return c, fmt.Errorf("%w: decoding config: %w", ErrInvalid, err)
		}
	default:
		return c, fmt.Errorf("%w: unknown format %q", ErrInvalid, f)
	}
	return c, c.Validate()
}

// Load reads a configuration file on top of the defaults, in the format
// given by its extension.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Default(), err
	}
	defer f.Close()
	c, err := Decode(f, FormatOf(path))
	if err != nil {
		return c, fmt.Errorf("loading %s: %w", path, err)
	}
	return c, nil
}

// Encode writes c in format f.
func (c *Config) Encode(w io.Writer, f Format) error {
	switch f {
	case TOML:
		return toml.NewEncoder(w).Encode(c)
	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(c); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("%w: unknown format %q", ErrInvalid, f)
	}
}

func ringSize(name string, n int) error {
	if err := queue.CheckSize(n); err != nil {
		next := min(max(binutils.NextPowerOfTwo(int64(n)), 2), queue.MaxSize)
		return fmt.Errorf("%w: %s: %w (try %d)", ErrInvalid, name, err, next)
	}
	return nil
}

// Validate checks c for values the datapath cannot run with.
func (c *Config) Validate() error {
	if c.Queues < 1 {
		return fmt.Errorf("%w: %d queues", ErrInvalid, c.Queues)
	}
	if err := ringSize("tx.ring_size", c.Tx.RingSize); err != nil {
		return err
	}
	if err := ringSize("rx.ring_size", c.Rx.RingSize); err != nil {
		return err
	}
	if c.Tx.MaxSG < 0 || c.Tx.MaxSG > desc.MaxSGElems {
		return fmt.Errorf("%w: tx.max_sg %d is outside [0, %d]", ErrInvalid, c.Tx.MaxSG, desc.MaxSGElems)
	}
	if c.Rx.MaxSG < 0 || c.Rx.MaxSG > desc.MaxSGElems {
		return fmt.Errorf("%w: rx.max_sg %d is outside [0, %d]", ErrInvalid, c.Rx.MaxSG, desc.MaxSGElems)
	}
	if c.Pages.Size <= 0 || binutils.NextPowerOfTwo(int64(c.Pages.Size)) != int64(c.Pages.Size) {
		return fmt.Errorf("%w: pages.size %d is not a power of 2", ErrInvalid, c.Pages.Size)
	}
	if c.Pages.Size > rx.MaxPageSize {
		return fmt.Errorf("%w: pages.size %d exceeds %d", ErrInvalid, c.Pages.Size, rx.MaxPageSize)
	}
	if c.Rx.SplitSize != 0 && (binutils.NextPowerOfTwo(int64(c.Rx.SplitSize)) != int64(c.Rx.SplitSize) || int(c.Rx.SplitSize) > c.Pages.Size) {
		return fmt.Errorf("%w: rx.split_size %d must be a power of 2 no larger than %d", ErrInvalid, c.Rx.SplitSize, c.Pages.Size)
	}
	if c.MTU == 0 || int(c.MTU)+header.EthernetMinimumSize+rx.VLANHeaderLen > c.Pages.Size*(c.Rx.MaxSG+1) {
		return fmt.Errorf("%w: mtu %d does not fit %d pages of %d bytes", ErrInvalid, c.MTU, c.Rx.MaxSG+1, c.Pages.Size)
	}
	if c.Rx.FillDiv <= 0 {
		return fmt.Errorf("%w: rx.fill_div %d", ErrInvalid, c.Rx.FillDiv)
	}
	if c.Rx.MinDoorbellDeadline > c.Rx.MaxDoorbellDeadline {
		return fmt.Errorf("%w: rx doorbell deadline %v exceeds its maximum %v", ErrInvalid, c.Rx.MinDoorbellDeadline, c.Rx.MaxDoorbellDeadline)
	}
	if c.NAPI.Budget < 1 || c.Tx.Budget < 1 {
		return fmt.Errorf("%w: budgets must be positive (napi %d, tx %d)", ErrInvalid, c.NAPI.Budget, c.Tx.Budget)
	}
	return nil
}
