package artifact

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/3leaps/coursepipe/pkg/jobregistry"
)

// Artifact kinds.
const (
	KindOutput = "output"
	KindLog    = "log"
)

// Published is one uploaded file.
type Published struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
	Key  string `json:"key"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// Publisher copies a finished job's output and log files into a Store under
// <prefix>/<type>/<job id>/<file name>.
type Publisher struct {
	store  Store
	prefix string
	logger *zap.Logger
}

func NewPublisher(store Store, prefix string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		store:  store,
		prefix: strings.Trim(strings.TrimSpace(prefix), "/"),
		logger: logger,
	}
}

// Key returns the object key a file of job would be stored under.
func (p *Publisher) Key(job jobregistry.Snapshot, file string) string {
	return path.Join(p.prefix, string(job.Type), job.ID, filepath.Base(file))
}

// Publish uploads every artifact of job that exists on disk. A log file the
// generator never wrote is skipped; every other failure is collected and the
// remaining files are still attempted.
func (p *Publisher) Publish(ctx context.Context, job jobregistry.Snapshot) ([]Published, error) {
	var (
		out  []Published
		errs []error
	)
	for _, a := range []struct{ kind, path string }{
		{KindOutput, job.OutputPath},
		{KindLog, job.LogPath},
	} {
		if a.path == "" {
			continue
		}
		pub, err := p.publishFile(ctx, job, a.kind, a.path)
		switch {
		case errors.Is(err, os.ErrNotExist) && a.kind == KindLog:
			p.logger.Debug("Log file not written, skipping", zap.String("path", a.path))
		case err != nil:
			errs = append(errs, fmt.Errorf("publish %s: %w", a.kind, err))
		default:
			out = append(out, pub)
		}
	}
	return out, errors.Join(errs...)
}

func (p *Publisher) publishFile(ctx context.Context, job jobregistry.Snapshot, kind, file string) (Published, error) {
	f, err := os.Open(file)
	if err != nil {
		return Published{}, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return Published{}, err
	}
	if !info.Mode().IsRegular() {
		return Published{}, fmt.Errorf("%s is not a regular file", file)
	}

	key := p.Key(job, file)
	if err := p.store.Put(ctx, key, f, info.Size(), contentType(file)); err != nil {
		return Published{}, err
	}

	meta, err := p.store.Head(ctx, key)
	if err != nil {
		return Published{}, fmt.Errorf("verify %s: %w", key, err)
	}
	if meta.Size != info.Size() {
		return Published{}, fmt.Errorf("verify %s: %w (%d != %d)", key, ErrSizeMismatch, meta.Size, info.Size())
	}

	p.logger.Info("Artifact published",
		zap.String("job_id", job.ID),
		zap.String("kind", kind),
		zap.String("key", key),
		zap.Int64("size", info.Size()))
	return Published{Kind: kind, Path: file, Key: key, URL: p.store.URL(key), Size: info.Size()}, nil
}

func contentType(file string) string {
	switch strings.ToLower(filepath.Ext(file)) {
	case ".log", ".txt":
		return "text/plain; charset=utf-8"
	case ".md":
		return "text/markdown; charset=utf-8"
	}
	if ct := mime.TypeByExtension(filepath.Ext(file)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
