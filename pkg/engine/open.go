package engine

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/ssargent/skalddb/pkg/config"
	"github.com/ssargent/skalddb/pkg/connector"
	"github.com/ssargent/skalddb/pkg/connector/file"
	"github.com/ssargent/skalddb/pkg/connector/memory"
	"github.com/ssargent/skalddb/pkg/connector/pebblekv"
	"github.com/ssargent/skalddb/pkg/connector/remote"
	"github.com/ssargent/skalddb/pkg/connector/sqlite"
)

// OpenConfig builds the connector described by cfg and opens a Database
// on it. Any failure to reach or create the target is
// ErrConnectorUnavailable.
func OpenConfig(ctx context.Context, cfg config.Connector, opts ...Option) (*Database, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	conn, err := Dial(ctx, cfg, o.logger)
	if err != nil {
		return nil, err
	}
	db, err := Open(conn, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return db, nil
}

// Dial builds the connector for cfg.Target without opening a Database.
func Dial(ctx context.Context, cfg config.Connector, log *zap.Logger) (connector.Connector, error) {
	if log == nil {
		log = zap.NewNop()
	}
	target, err := config.ParseTarget(cfg.Target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectorUnavailable, err)
	}

	switch target.Scheme {
	case "memory":
		return memory.New(), nil

	case "file":
		c, err := file.Open(file.Config{
			Dir:             target.Path,
			FsyncInterval:   cfg.FsyncInterval,
			CheckpointBytes: cfg.CheckpointBytes,
		})
		if err != nil {
			return nil, err
		}
		r := c.Recovery()
		log.Info("file connector recovered",
			zap.String("dir", target.Path),
			zap.Int64("frames_validated", r.FramesValidated),
			zap.Int64("frames_truncated", r.FramesTruncated),
			zap.Int64("bytes_discarded", r.BytesDiscarded),
			zap.Int("segments", r.Segments),
			zap.Duration("took", r.RecoveryTime),
		)
		return c, nil

	case "pebble":
		c, err := pebblekv.Open(target.Path)
		if err != nil {
			return nil, err
		}
		return c, nil

	case "sqlite":
		c, err := sqlite.Open(target.Path)
		if err != nil {
			return nil, err
		}
		return c, nil

	case "minio", "s3":
		var store remote.ObjectStore
		if target.Scheme == "minio" {
			store, err = remote.DialMinIO(ctx, remote.MinIOOptions{
				Endpoint:  target.Host,
				AccessKey: cfg.AccessKey,
				SecretKey: cfg.SecretKey,
				Secure:    cfg.UseSSL,
				Bucket:    target.Bucket,
				Prefix:    target.Prefix,
			})
		} else {
			store, err = remote.DialS3(ctx, cfg.Region, target.Bucket, target.Prefix)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrConnectorUnavailable, target.Scheme, err)
		}
		c, err := remote.Open(ctx, remote.Config{Store: store, Parallelism: cfg.Parallelism})
		if err != nil {
			return nil, err
		}
		log.Info("remote connector replayed",
			zap.String("scheme", target.Scheme),
			zap.String("bucket", target.Bucket),
			zap.Int("segments", len(c.Segments())),
		)
		return c, nil
	}
	return nil, fmt.Errorf("%w: unsupported scheme %q", ErrConnectorUnavailable, target.Scheme)
}
