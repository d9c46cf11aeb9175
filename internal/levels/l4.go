// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package levels

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"golang.org/x/time/rate"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

// L4Writer is the pluggable variant spec.md §9 calls for: "the set of L4
// writer strategies is a variant {Posix, ParallelIO, Packaged,
// Structured} with a common operation set." This module implements the
// two strategies the example pack actually gives a library for
// (single-writer POSIX, and an S3-compatible object store in place of a
// true parallel-I/O collective write, which has no corpus-grounded
// library); ParallelIO/Packaged/Structured are Non-goals per spec.md §1
// ("optional pluggable on-disk formats beyond FTI-FF").
type L4Writer interface {
	Flush(ctx context.Context, path string, data []byte) error
}

// PosixWriter is the single-writer-plus-rename strategy: the rank owns
// its file outright, so the atomic tmp-write-fsync-rename helper is
// sufficient without any collective coordination.
type PosixWriter struct{}

func (PosixWriter) Flush(_ context.Context, path string, data []byte) error {
	return writeFileAtomic(path, data)
}

// S3Config configures the S3-compatible L4 writer, grounded on the
// teacher's pkg/archive/parquet S3Target.
type S3Config struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	UsePathStyle bool
}

// S3Writer flushes L4 files to an S3-compatible object store instead of
// a local global directory -- useful when <globalDir> is itself backed
// by object storage rather than a real parallel filesystem.
type S3Writer struct {
	client *s3.Client
	bucket string
}

func NewS3Writer(ctx context.Context, cfg S3Config) (*S3Writer, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: S3 L4 writer: empty bucket name", ftierrors.ErrConfigInvalid)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: S3 L4 writer: load AWS config: %v", ftierrors.ErrConfigInvalid, err)
	}

	opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}

	return &S3Writer{client: s3.NewFromConfig(awsCfg, opts), bucket: cfg.Bucket}, nil
}

func (w *S3Writer) Flush(ctx context.Context, path string, data []byte) error {
	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.bucket),
		Key:         aws.String(path),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("%w: S3 L4 writer: put object %q: %v", ftierrors.ErrIO, path, err)
	}
	return nil
}

// RetryingWriter wraps another L4Writer with a token-bucket limited
// retry loop: an L4 flush failure is an ftierrors.ErrIO per spec.md §7,
// "recoverable by demoting a level", so a few throttled retries are
// attempted locally before the caller downgrades the level.
type RetryingWriter struct {
	inner      L4Writer
	limiter    *rate.Limiter
	maxRetries int
}

// NewRetryingWriter allows up to maxRetries additional attempts, each
// gated by limiter so a storm of flush failures cannot itself become a
// denial-of-service against the backing store.
func NewRetryingWriter(inner L4Writer, limiter *rate.Limiter, maxRetries int) *RetryingWriter {
	return &RetryingWriter{inner: inner, limiter: limiter, maxRetries: maxRetries}
}

func (w *RetryingWriter) Flush(ctx context.Context, path string, data []byte) error {
	var lastErr error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if attempt > 0 {
			if err := w.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("%w: L4 retry throttle: %v", ftierrors.ErrIO, err)
			}
		}
		if err := w.inner.Flush(ctx, path, data); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// DefaultRetryLimiter allows one flush attempt per second with a burst
// of 2, a conservative default for a handful of retries against a
// parallel filesystem or object store under transient load.
func DefaultRetryLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Second), 2)
}

// WriteL4 flushes data to the global directory through writer and
// commits a matching sidecar, optionally retaining the previous L4 under
// an archive directory first (spec.md §4.E "Retention: optionally keep
// the previous L4 ... named with a timestamp").
func WriteL4(ctx context.Context, layout Layout, writer L4Writer, rank, ckptID int, data []byte, varIDs []int, varSizes []uint64, retainPrevTimestamp string) error {
	if retainPrevTimestamp != "" {
		if prev, err := readIfExists(layout.L4File(rank, ckptID)); err == nil && prev != nil {
			if err := ArchiveRetention(layout, rank, ckptID, retainPrevTimestamp, prev); err != nil {
				return err
			}
		}
	}

	path := layout.L4File(rank, ckptID)
	if err := writer.Flush(ctx, path, data); err != nil {
		return err
	}

	sidecar := Sidecar{
		CkptFile: path,
		FS:       uint64(len(data)),
		VarIDs:   varIDs,
		VarSizes: varSizes,
		Checksum: checksumHex(data),
	}
	return sidecar.Write(layout.Sidecar("l4", rank, ckptID))
}

// ArchiveRetention writes data (WriteL4 passes the L4 file as it was
// before the flush replaces it) into a timestamped archive directory
// when retention is configured (spec.md §6's
// <globalDir>/<exec_id>/l4_archive/<timestamp>/...).
func ArchiveRetention(layout Layout, rank, ckptID int, timestamp string, data []byte) error {
	return writeFileAtomic(layout.L4Archive(rank, ckptID, timestamp), data)
}

func readIfExists(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return data, nil
}
