// Package collab provides local stand-ins for the backend collaborators the
// engine consumes: a directory of forward targets read from config and an
// uploader that stores attachments in a directory served over HTTP.
package collab

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"convsync/internal/domain"

	"github.com/google/uuid"
)

// StaticDirectory lists the targets it was built with.
type StaticDirectory struct {
	users, groups, channels []domain.Destination
}

// NewStaticDirectory builds a directory from id → display name maps. Each
// list is ordered by name, then id.
func NewStaticDirectory(users, groups, channels map[string]string) *StaticDirectory {
	return &StaticDirectory{
		users:    destinations(domain.DestinationUser, users),
		groups:   destinations(domain.DestinationGroup, groups),
		channels: destinations(domain.DestinationChannel, channels),
	}
}

func destinations(kind domain.DestinationKind, m map[string]string) []domain.Destination {
	out := make([]domain.Destination, 0, len(m))
	for id, name := range m {
		if name == "" {
			name = id
		}
		out = append(out, domain.Destination{Kind: kind, ID: id, Name: name})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (d *StaticDirectory) ListUsers(ctx context.Context) ([]domain.Destination, error) {
	return clone(ctx, d.users)
}

func (d *StaticDirectory) ListGroups(ctx context.Context) ([]domain.Destination, error) {
	return clone(ctx, d.groups)
}

func (d *StaticDirectory) ListChannels(ctx context.Context) ([]domain.Destination, error) {
	return clone(ctx, d.channels)
}

func clone(ctx context.Context, in []domain.Destination) ([]domain.Destination, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]domain.Destination(nil), in...), nil
}

// DirUploader writes each file under Dir with a unique name and returns its
// URL under BaseURL.
type DirUploader struct {
	Dir     string
	BaseURL string
}

// Upload stores the files in order. Files already written stay in place
// when a later one fails.
func (u *DirUploader) Upload(ctx context.Context, files []domain.UploadFile) ([]string, error) {
	if err := os.MkdirAll(u.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	urls := make([]string, 0, len(files))
	for _, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := uuid.NewString() + sanitizeExt(f.Name)
		if err := writeFile(filepath.Join(u.Dir, name), f.Body); err != nil {
			return nil, fmt.Errorf("upload %s: %w", f.Name, err)
		}
		urls = append(urls, strings.TrimRight(u.BaseURL, "/")+"/"+url.PathEscape(name))
	}
	return urls, nil
}

func writeFile(path string, body io.Reader) error {
	out, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, body); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func sanitizeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) > 10 || strings.ContainsAny(ext, `/\`) {
		return ""
	}
	return ext
}
