// Package sensor reads temperature and humidity samples from the
// device's DHT-class sensor.
//
// On Linux the dht11 kernel driver (which also handles DHT22) exposes
// the sensor through the IIO subsystem as two sysfs attributes in
// milli-units. Each read triggers a fresh bus transaction; the driver
// returns EIO when the sensor does not answer in time, which surfaces
// here as [ErrRead].
package sensor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrRead is returned (wrapped) for any failed sample.
var ErrRead = errors.New("sensor read failed")

// Reading is one temperature (°C) and relative humidity (%) sample.
type Reading struct {
	Temperature float64
	Humidity    float64
}

// Port reads one sample synchronously.
type Port interface {
	Read(ctx context.Context) (Reading, error)
}

// IIO reads a DHT sensor through its sysfs IIO device directory,
// e.g. /sys/bus/iio/devices/iio:device0.
type IIO struct {
	Dir string
}

// Read implements [Port].
func (s *IIO) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	temp, err := readMilli(filepath.Join(s.Dir, "in_temp_input"))
	if err != nil {
		return Reading{}, fmt.Errorf("%w: temperature: %w", ErrRead, err)
	}
	hum, err := readMilli(filepath.Join(s.Dir, "in_humidityrelative_input"))
	if err != nil {
		return Reading{}, fmt.Errorf("%w: humidity: %w", ErrRead, err)
	}
	return Reading{Temperature: temp, Humidity: hum}, nil
}

func readMilli(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return float64(v) / 1000, nil
}

// Simulated produces plausible indoor readings without hardware. Used
// for bench testing the broker path.
type Simulated struct{}

// Read implements [Port].
func (Simulated) Read(ctx context.Context) (Reading, error) {
	if err := ctx.Err(); err != nil {
		return Reading{}, err
	}
	return Reading{
		Temperature: 24 + rand.Float64()*6,
		Humidity:    55 + rand.Float64()*20,
	}, nil
}
