package main

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/alphascan/internal/config"
	"github.com/banshee-data/alphascan/internal/reader"
	"github.com/banshee-data/alphascan/internal/serialmux"
)

// mockInterval is the spacing of generated tag lines in mock mode.
const mockInterval = 50 * time.Millisecond

// buildTransport opens the reader link selected by rc. The returned mux
// carries the reader console admin routes; it is a disabled mux when the
// mode has no console.
func buildTransport(ctx context.Context, rc config.ReaderConfig) (reader.Transport, serialmux.SerialMuxInterface, error) {
	switch rc.Mode {
	case config.ReaderSerial:
		m, err := serialmux.NewRealSerialMux(rc.Port, *rc.Serial)
		if err != nil {
			return nil, nil, fmt.Errorf("open serial port %s: %w", rc.Port, err)
		}
		return reader.NewMuxTransport(m, rc.InitCommands, rc.Workers), m, nil

	case config.ReaderTCP:
		m, err := serialmux.NewNetSerialMux(ctx, rc.Address)
		if err != nil {
			return nil, nil, err
		}
		return reader.NewMuxTransport(m, rc.InitCommands, rc.Workers), m, nil

	case config.ReaderListen:
		var control serialmux.SerialMuxInterface
		if rc.Port != "" {
			m, err := serialmux.NewRealSerialMux(rc.Port, *rc.Serial)
			if err != nil {
				return nil, nil, fmt.Errorf("open control port %s: %w", rc.Port, err)
			}
			control = m
		}
		l := reader.NewNotifyListener(rc.Address, control, rc.InitCommands)
		if control == nil {
			control = serialmux.NewDisabledSerialMux()
		}
		return l, control, nil

	case config.ReaderPcap:
		return reader.NewPcapReplay(rc.PcapFile, rc.PcapPort), serialmux.NewDisabledSerialMux(), nil

	case config.ReaderMock:
		m := serialmux.NewMockSerialMux(rc.MockTagID, mockInterval)
		return reader.NewMuxTransport(m, rc.InitCommands, rc.Workers), m, nil

	case config.ReaderDisabled:
		return reader.Disabled{}, serialmux.NewDisabledSerialMux(), nil
	}
	return nil, nil, fmt.Errorf("unknown reader mode %q", rc.Mode)
}
