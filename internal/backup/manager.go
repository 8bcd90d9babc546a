// Package backup archives the daemon's state files into timestamped
// tar.gz bundles, optionally snapshotting the router alongside.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ispadmin/internal/fsatomic"
	"ispadmin/internal/routeros"
)

var (
	ErrInvalidName = errors.New("invalid backup name")
	ErrNotFound    = errors.New("backup not found")
)

var nameRe = regexp.MustCompile(`^backup-\d{8}T\d{6}Z-[0-9a-f]{8}\.tar\.gz$`)

// Source is one state file to include, stored under Name in the archive.
type Source struct {
	Name string
	Path string
}

type Info struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Uploaded  bool      `json:"uploaded,omitempty"`
}

type CreateOptions struct {
	IncludeRouter bool
	// Trigger is recorded in the manifest ("manual", "schedule").
	Trigger string
}

type manifest struct {
	CreatedAt  time.Time       `json:"created_at"`
	AppVersion string          `json:"app_version"`
	Trigger    string          `json:"trigger"`
	Files      []string        `json:"files"`
	Router     *routerSnapshot `json:"router,omitempty"`
	Missing    []string        `json:"missing,omitempty"`
}

type routerSnapshot struct {
	Identity   string            `json:"identity"`
	BackupFile string            `json:"backup_file"`
	Resource   map[string]string `json:"resource,omitempty"`
}

// Uploader copies a finished archive off the box.
type Uploader interface {
	Upload(ctx context.Context, name string, body io.Reader, size int64) error
}

type Manager struct {
	dir     string
	sources []Source
	retain  int
	version string
	dialer  routeros.Dialer
	upload  Uploader
	log     zerolog.Logger
	now     func() time.Time

	mu sync.Mutex // one archive at a time
}

type Option func(*Manager)

// WithRouter enables CreateOptions.IncludeRouter.
func WithRouter(d routeros.Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

func WithUploader(u Uploader) Option {
	return func(m *Manager) { m.upload = u }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithVersion(v string) Option {
	return func(m *Manager) { m.version = v }
}

// NewManager keeps at most retain archives in dir; retain <= 0 keeps all.
func NewManager(dir string, sources []Source, retain int, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		dir:     dir,
		sources: sources,
		retain:  retain,
		log:     log.With().Str("component", "backup").Logger(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Create writes a new archive, prunes old ones and uploads when configured.
// Upload failures are logged and reported through Info.Uploaded only.
func (m *Manager) Create(ctx context.Context, opts CreateOptions) (Info, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now().UTC()
	name := fmt.Sprintf("backup-%s-%s.tar.gz", now.Format("20060102T150405Z"), uuid.NewString()[:8])
	if opts.Trigger == "" {
		opts.Trigger = "manual"
	}
	man := manifest{CreatedAt: now, AppVersion: m.version, Trigger: opts.Trigger}

	if opts.IncludeRouter {
		snap, err := m.snapshotRouter(ctx, strings.TrimSuffix(name, ".tar.gz"))
		if err != nil {
			return Info{}, err
		}
		man.Router = snap
	}

	if err := os.MkdirAll(m.dir, 0o750); err != nil {
		return Info{}, err
	}
	final := filepath.Join(m.dir, name)
	tmp := final + ".partial"
	if err := m.writeArchive(tmp, &man); err != nil {
		_ = os.Remove(tmp)
		return Info{}, err
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmp)
		return Info{}, err
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return Info{}, err
	}
	_ = fsatomic.FsyncDir(m.dir)

	st, err := os.Stat(final)
	if err != nil {
		return Info{}, err
	}
	info := Info{Name: name, Size: st.Size(), CreatedAt: now}
	m.log.Info().Str("name", name).Int64("size", info.Size).Str("trigger", opts.Trigger).Msg("backup created")

	if removed, err := m.pruneLocked(); err != nil {
		m.log.Warn().Err(err).Msg("prune backups")
	} else if len(removed) > 0 {
		m.log.Info().Strs("removed", removed).Msg("old backups pruned")
	}

	if m.upload != nil {
		if err := m.uploadFile(ctx, final, name, info.Size); err != nil {
			m.log.Error().Err(err).Str("name", name).Msg("backup upload failed")
		} else {
			info.Uploaded = true
		}
	}
	return info, nil
}

func (m *Manager) uploadFile(ctx context.Context, path, name string, size int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return m.upload.Upload(ctx, name, f, size)
}

func (m *Manager) snapshotRouter(ctx context.Context, name string) (*routerSnapshot, error) {
	if m.dialer == nil {
		return nil, routeros.ErrNotConfigured
	}
	c, err := m.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()
	ident, err := routeros.Identity(ctx, c)
	if err != nil {
		return nil, err
	}
	res, err := routeros.Resource(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := routeros.SaveBackup(ctx, c, name); err != nil {
		return nil, err
	}
	return &routerSnapshot{Identity: ident, BackupFile: name + ".backup", Resource: res}, nil
}

func (m *Manager) writeArchive(path string, man *manifest) (err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)

	for _, src := range m.sources {
		b, rerr := os.ReadFile(src.Path)
		if errors.Is(rerr, fs.ErrNotExist) {
			man.Missing = append(man.Missing, src.Name)
			continue
		}
		if rerr != nil {
			return fmt.Errorf("read %s: %w", src.Name, rerr)
		}
		if err := addFile(tw, src.Name, b, man.CreatedAt); err != nil {
			return err
		}
		man.Files = append(man.Files, src.Name)
	}
	mb, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return err
	}
	if err := addFile(tw, "manifest.json", mb, man.CreatedAt); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}
	return f.Sync()
}

func addFile(tw *tar.Writer, name string, data []byte, mod time.Time) error {
	hdr := &tar.Header{Name: name, Mode: 0o600, Size: int64(len(data)), ModTime: mod, Typeflag: tar.TypeReg}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(data)
	return err
}

// List returns archives newest first.
func (m *Manager) List() ([]Info, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Info{}, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !nameRe.MatchString(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		created, err := time.Parse("20060102T150405Z", e.Name()[len("backup-"):len("backup-")+16])
		if err != nil {
			created = fi.ModTime().UTC()
		}
		out = append(out, Info{Name: e.Name(), Size: fi.Size(), CreatedAt: created})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Name > out[j].Name
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// Open returns the archive for download. Callers must close the file.
func (m *Manager) Open(name string) (*os.File, Info, error) {
	if !nameRe.MatchString(name) {
		return nil, Info{}, ErrInvalidName
	}
	path := filepath.Join(m.dir, name)
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, Info{}, ErrNotFound
	}
	if err != nil {
		return nil, Info{}, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, Info{}, err
	}
	return f, Info{Name: name, Size: st.Size(), CreatedAt: st.ModTime().UTC()}, nil
}

// Prune removes archives beyond the retention count, oldest first.
func (m *Manager) Prune() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pruneLocked()
}

func (m *Manager) pruneLocked() ([]string, error) {
	if m.retain <= 0 {
		return nil, nil
	}
	list, err := m.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, b := range list[min(len(list), m.retain):] {
		if err := os.Remove(filepath.Join(m.dir, b.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		removed = append(removed, b.Name)
	}
	return removed, nil
}
