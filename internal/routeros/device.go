package routeros

import (
	"context"
	"fmt"
	"regexp"
)

var backupNameRe = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// Identity returns /system/identity name.
func Identity(ctx context.Context, c Client) (string, error) {
	rows, err := c.Run(ctx, "/system/identity/print")
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("%w: empty identity reply", ErrCommand)
	}
	return rows[0]["name"], nil
}

// Resource returns the first row of /system/resource/print (uptime,
// version, cpu-load, free-memory, ...).
func Resource(ctx context.Context, c Client) (map[string]string, error) {
	rows, err := c.Run(ctx, "/system/resource/print")
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return map[string]string{}, nil
	}
	return rows[0], nil
}

// SaveBackup writes <name>.backup on the device's own storage.
func SaveBackup(ctx context.Context, c Client, name string) error {
	if !backupNameRe.MatchString(name) {
		return fmt.Errorf("invalid backup name %q", name)
	}
	_, err := c.Run(ctx, "/system/backup/save", "=name="+name, "=dont-encrypt=yes")
	return err
}
