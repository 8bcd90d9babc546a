// Package routeros is a thin adapter over the RouterOS API protocol. Each
// request dials its own connection and closes it when done.
package routeros

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	ros "github.com/go-routeros/routeros/v3"
)

var (
	// ErrUnavailable covers dial failures and dropped connections.
	ErrUnavailable = errors.New("router unavailable")

	// ErrCommand is a !trap or !fatal reply from the device.
	ErrCommand = errors.New("router command failed")

	ErrNotConfigured = errors.New("router not configured")
)

const (
	DefaultPort    = "8728"
	DefaultTLSPort = "8729"
	DefaultTimeout = 10 * time.Second
)

// Client runs API sentences. Each reply row is one !re sentence as a map;
// a !done sentence carrying "ret" (the id from an add) is appended last.
type Client interface {
	Run(ctx context.Context, sentence ...string) ([]map[string]string, error)
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context) (Client, error)
}

// Target is where and how to reach the device.
type Target struct {
	Address            string
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Timeout            time.Duration
}

func (t Target) hostPort() string {
	if _, _, err := net.SplitHostPort(t.Address); err == nil {
		return t.Address
	}
	if t.UseTLS {
		return net.JoinHostPort(t.Address, DefaultTLSPort)
	}
	return net.JoinHostPort(t.Address, DefaultPort)
}

// TargetFunc resolves the current target; app settings can change at runtime.
type TargetFunc func(ctx context.Context) (Target, error)

type DeviceDialer struct {
	target TargetFunc
}

func NewDeviceDialer(target TargetFunc) *DeviceDialer {
	return &DeviceDialer{target: target}
}

func (d *DeviceDialer) Dial(ctx context.Context) (Client, error) {
	t, err := d.target(ctx)
	if err != nil {
		return nil, err
	}
	if t.Address == "" || t.Username == "" {
		return nil, ErrNotConfigured
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var c *ros.Client
	if t.UseTLS {
		c, err = ros.DialTLSContext(dctx, t.hostPort(), t.Username, t.Password, &tls.Config{
			InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // self-signed router certs are common
			MinVersion:         tls.VersionTLS12,
		})
	} else {
		c, err = ros.DialContext(dctx, t.hostPort(), t.Username, t.Password)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUnavailable, t.hostPort(), err)
	}
	// RunArgsContext only honours its context in async mode
	c.Async()
	return &deviceClient{c: c}, nil
}

type deviceClient struct {
	c *ros.Client
}

func (d *deviceClient) Run(ctx context.Context, sentence ...string) ([]map[string]string, error) {
	reply, err := d.c.RunArgsContext(ctx, sentence)
	if err != nil {
		var de *ros.DeviceError
		if errors.As(err, &de) {
			return nil, fmt.Errorf("%w: %s: %v", ErrCommand, sentence[0], err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, sentence[0], err)
	}
	rows := make([]map[string]string, 0, len(reply.Re))
	for _, re := range reply.Re {
		rows = append(rows, re.Map)
	}
	if reply.Done != nil && reply.Done.Map["ret"] != "" {
		rows = append(rows, reply.Done.Map)
	}
	return rows, nil
}

func (d *deviceClient) Close() error {
	return d.c.Close()
}
