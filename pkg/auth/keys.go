package auth

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/gorilla/securecookie"

	"ispadmin/internal/fsatomic"
)

// ResolveSecret picks the signing secret: an explicit configured value, the
// hex key file at path, or a freshly generated key persisted to path.
func ResolveSecret(ctx context.Context, configured, path string) ([]byte, error) {
	if configured != "" {
		if len(configured) < MinSecretLen {
			return nil, ErrWeakSecret
		}
		return []byte(configured), nil
	}
	return LoadOrCreateSecret(ctx, path)
}

func LoadOrCreateSecret(ctx context.Context, path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, derr := hex.DecodeString(strings.TrimSpace(string(b)))
		if derr != nil {
			return nil, fmt.Errorf("secret file %s: %w", path, derr)
		}
		if len(key) < MinSecretLen {
			return nil, ErrWeakSecret
		}
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read secret: %w", err)
	}
	key := securecookie.GenerateRandomKey(32)
	if key == nil {
		return nil, errors.New("generate secret: no entropy")
	}
	if err := fsatomic.WriteFile(ctx, path, []byte(hex.EncodeToString(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("persist secret: %w", err)
	}
	return key, nil
}
