package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ispadmin/internal/routeros"
)

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

func setup(t *testing.T, retain int, opts ...Option) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	users := filepath.Join(dir, "users.json")
	require.NoError(t, os.WriteFile(users, []byte(`{"version":1}`), 0o600))
	clk := &stepClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clk.now), WithVersion("test")}, opts...)
	m := NewManager(filepath.Join(dir, "backups"), []Source{
		{Name: "users.json", Path: users},
		{Name: "settings/app.json", Path: filepath.Join(dir, "missing.json")},
	}, retain, zerolog.Nop(), opts...)
	return m, dir
}

func readArchive(t *testing.T, f io.Reader) map[string][]byte {
	t.Helper()
	gz, err := gzip.NewReader(f)
	require.NoError(t, err)
	tr := tar.NewReader(gz)
	out := map[string][]byte{}
	for {
		h, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		b, err := io.ReadAll(tr)
		require.NoError(t, err)
		out[h.Name] = b
	}
	return out
}

func TestCreateListOpen(t *testing.T) {
	m, _ := setup(t, 0)
	ctx := context.Background()
	info, err := m.Create(ctx, CreateOptions{})
	require.NoError(t, err)
	assert.Regexp(t, `^backup-20240501T120100Z-[0-9a-f]{8}\.tar\.gz$`, info.Name)
	assert.Positive(t, info.Size)

	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, info.Name, list[0].Name)
	assert.True(t, info.CreatedAt.Equal(list[0].CreatedAt))

	f, got, err := m.Open(info.Name)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, info.Size, got.Size)
	files := readArchive(t, f)
	assert.Equal(t, `{"version":1}`, string(files["users.json"]))

	var man manifest
	require.NoError(t, json.Unmarshal(files["manifest.json"], &man))
	assert.Equal(t, []string{"users.json"}, man.Files)
	assert.Equal(t, []string{"settings/app.json"}, man.Missing)
	assert.Equal(t, "manual", man.Trigger)
	assert.Equal(t, "test", man.AppVersion)
	assert.Nil(t, man.Router)
}

func TestOpenGuards(t *testing.T) {
	m, _ := setup(t, 0)
	for _, name := range []string{"../users.json", "backup-x.tar.gz", "", "/etc/passwd"} {
		_, _, err := m.Open(name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
	_, _, err := m.Open("backup-20240101T000000Z-deadbeef.tar.gz")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRetentionPrunesOldest(t *testing.T) {
	m, _ := setup(t, 2)
	ctx := context.Background()
	var names []string
	for i := 0; i < 4; i++ {
		info, err := m.Create(ctx, CreateOptions{})
		require.NoError(t, err)
		names = append(names, info.Name)
	}
	list, err := m.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, names[3], list[0].Name)
	assert.Equal(t, names[2], list[1].Name)
}

type fakeClient struct{ seen []string }

func (c *fakeClient) Run(_ context.Context, sentence ...string) ([]map[string]string, error) {
	c.seen = append(c.seen, sentence[0])
	switch sentence[0] {
	case "/system/identity/print":
		return []map[string]string{{"name": "core-rtr"}}, nil
	case "/system/resource/print":
		return []map[string]string{{"version": "7.14"}}, nil
	}
	return nil, nil
}

func (c *fakeClient) Close() error { return nil }

type fakeDialer struct {
	c   *fakeClient
	err error
}

func (d fakeDialer) Dial(context.Context) (routeros.Client, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.c, nil
}

func TestCreateWithRouter(t *testing.T) {
	c := &fakeClient{}
	m, _ := setup(t, 0, WithRouter(fakeDialer{c: c}))
	info, err := m.Create(context.Background(), CreateOptions{IncludeRouter: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"/system/identity/print", "/system/resource/print", "/system/backup/save"}, c.seen)

	f, _, err := m.Open(info.Name)
	require.NoError(t, err)
	defer f.Close()
	var man manifest
	require.NoError(t, json.Unmarshal(readArchive(t, f)["manifest.json"], &man))
	require.NotNil(t, man.Router)
	assert.Equal(t, "core-rtr", man.Router.Identity)
}

func TestCreateRouterFailureLeavesNothing(t *testing.T) {
	m, _ := setup(t, 0, WithRouter(fakeDialer{err: routeros.ErrUnavailable}))
	_, err := m.Create(context.Background(), CreateOptions{IncludeRouter: true})
	assert.ErrorIs(t, err, routeros.ErrUnavailable)
	list, err := m.List()
	require.NoError(t, err)
	assert.Empty(t, list)

	m2, _ := setup(t, 0)
	_, err = m2.Create(context.Background(), CreateOptions{IncludeRouter: true})
	assert.ErrorIs(t, err, routeros.ErrNotConfigured)
}

type memUploader struct {
	got map[string][]byte
	err error
}

func (u *memUploader) Upload(_ context.Context, name string, body io.Reader, size int64) error {
	if u.err != nil {
		return u.err
	}
	b, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if int64(len(b)) != size {
		return errors.New("size mismatch")
	}
	u.got[name] = b
	return nil
}

func TestUpload(t *testing.T) {
	up := &memUploader{got: map[string][]byte{}}
	m, _ := setup(t, 0, WithUploader(up))
	info, err := m.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	assert.True(t, info.Uploaded)
	assert.Len(t, up.got[info.Name], int(info.Size))

	failing := &memUploader{err: errors.New("bucket gone")}
	m2, _ := setup(t, 0, WithUploader(failing))
	info, err = m2.Create(context.Background(), CreateOptions{})
	require.NoError(t, err)
	assert.False(t, info.Uploaded)
}

type fakePutter struct {
	in   *s3.PutObjectInput
	body []byte
}

func (p *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	p.in = in
	p.body, _ = io.ReadAll(in.Body)
	return &s3.PutObjectOutput{}, nil
}

func TestS3UploaderKeys(t *testing.T) {
	p := &fakePutter{}
	u := &S3Uploader{client: p, bucket: "isp-backups", prefix: "site-a"}
	require.NoError(t, u.Upload(context.Background(), "backup-x.tar.gz", bytes.NewReader([]byte("abc")), 3))
	assert.Equal(t, "isp-backups", *p.in.Bucket)
	assert.Equal(t, "site-a/backup-x.tar.gz", *p.in.Key)
	assert.Equal(t, int64(3), *p.in.ContentLength)
	assert.Equal(t, "abc", string(p.body))
}

func TestNewS3UploaderStaticCredentials(t *testing.T) {
	u, err := NewS3Uploader(context.Background(), S3Options{
		Bucket: "b", Endpoint: "http://127.0.0.1:9000", AccessKey: "ak", SecretKey: "sk",
	})
	require.NoError(t, err)
	assert.Equal(t, "b", u.bucket)
}

func TestScheduler(t *testing.T) {
	m, _ := setup(t, 0)
	_, err := NewScheduler(m, "not a cron", zerolog.Nop())
	assert.Error(t, err)

	s, err := NewScheduler(m, "0 3 * * *", zerolog.Nop())
	require.NoError(t, err)
	s.Start()
	next := s.Next()
	assert.False(t, next.IsZero())
	assert.Equal(t, 3, next.UTC().Hour())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
