package source

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/INLOpen/nexusstate/blob"
	"github.com/INLOpen/nexusstate/reader"
)

// Opener returns a reader for the checkpoint at path.
type Opener interface {
	Reader(ctx context.Context, path string) (*reader.Reader, error)
}

// ReaderPoolOptions configures a ReaderPool.
type ReaderPoolOptions struct {
	// OpenStore maps a checkpoint path to its blob store. Nil opens the
	// path on the local file system.
	OpenStore func(ctx context.Context, path string) (blob.Store, error)
	// Reader is the template for every reader; its Store is replaced.
	Reader reader.Options
	Logger *slog.Logger
}

// ReaderPool keeps one reader per checkpoint so that materialized
// partitions stay cached across scans.
type ReaderPool struct {
	opts    ReaderPoolOptions
	mu      sync.Mutex
	readers map[string]*reader.Reader
}

var _ Opener = (*ReaderPool)(nil)

func NewReaderPool(opts ReaderPoolOptions) *ReaderPool {
	if opts.Logger != nil && opts.Reader.Logger == nil {
		opts.Reader.Logger = opts.Logger
	}
	return &ReaderPool{opts: opts, readers: make(map[string]*reader.Reader)}
}

func (p *ReaderPool) Reader(ctx context.Context, path string) (*reader.Reader, error) {
	key := path
	if p.opts.OpenStore == nil {
		key = filepath.Clean(path)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if r, ok := p.readers[key]; ok {
		return r, nil
	}

	var (
		r   *reader.Reader
		err error
	)
	if p.opts.OpenStore == nil {
		r, err = reader.OpenLocal(ctx, key, p.opts.Reader)
	} else {
		var store blob.Store
		store, err = p.opts.OpenStore(ctx, path)
		if err == nil {
			opts := p.opts.Reader
			opts.Store = store
			r, err = reader.New(ctx, opts)
		}
	}
	if err != nil {
		return nil, err
	}
	p.readers[key] = r
	return r, nil
}
