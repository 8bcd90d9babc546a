package routeros

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityAndResource(t *testing.T) {
	c := &scriptedClient{replies: map[string][]map[string]string{
		"/system/identity/print": {{"name": "core-rtr"}},
		"/system/resource/print": {{"uptime": "1w2d", "version": "7.14"}},
	}}
	name, err := Identity(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "core-rtr", name)
	res, err := Resource(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "7.14", res["version"])
}

func TestSaveBackupValidatesName(t *testing.T) {
	c := &scriptedClient{}
	require.NoError(t, SaveBackup(context.Background(), c, "ispadmin-20240101"))
	assert.Equal(t, "/system/backup/save =name=ispadmin-20240101 =dont-encrypt=yes", c.joined(0))
	assert.Error(t, SaveBackup(context.Background(), c, "../etc/passwd"))
	assert.Len(t, c.seen, 1)
}

func TestDeviceDialerNotConfigured(t *testing.T) {
	d := NewDeviceDialer(func(context.Context) (Target, error) { return Target{}, nil })
	_, err := d.Dial(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)

	boom := errors.New("settings unreadable")
	d = NewDeviceDialer(func(context.Context) (Target, error) { return Target{}, boom })
	_, err = d.Dial(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestDeviceDialerUnreachable(t *testing.T) {
	// 192.0.2.0/24 is TEST-NET-1 and never routes.
	d := NewDeviceDialer(func(context.Context) (Target, error) {
		return Target{Address: "192.0.2.1", Username: "api", Password: "x", Timeout: 200 * time.Millisecond}, nil
	})
	start := time.Now()
	_, err := d.Dial(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHostPort(t *testing.T) {
	assert.Equal(t, "10.0.0.1:8728", Target{Address: "10.0.0.1"}.hostPort())
	assert.Equal(t, "10.0.0.1:8729", Target{Address: "10.0.0.1", UseTLS: true}.hostPort())
	assert.Equal(t, "rtr:9000", Target{Address: "rtr:9000"}.hostPort())
}
