// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-fti.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config decodes and validates the JSON configuration for one
// Engine instance. Validation runs against an embedded JSON Schema before
// the document is ever unmarshaled into Go types, the same two-step
// decode the teacher's internal/config.Init performs against
// schema.Config.
package config

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"net/url"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ClusterCockpit/cc-fti/internal/ftierrors"
)

//go:embed schemas/*
var schemaFiles embed.FS

func loadSchema(s string) (io.ReadCloser, error) {
	u, err := url.Parse(s)
	if err != nil {
		return nil, err
	}
	return schemaFiles.Open(u.Path)
}

func init() {
	jsonschema.Loaders["embedFS"] = loadSchema
}

// Topology mirrors spec.md §4.A's inputs: total rank count is supplied
// separately by the caller (it is a property of the launch, not of the
// config file).
type Topology struct {
	NodeSize  int `json:"nodeSize"`
	Heads     int `json:"heads"`
	GroupSize int `json:"groupSize"`
}

// Levels toggles which of L2-L4 run each cycle and selects the L4 writer
// strategy. L1 runs on every cycle; the engine does not read the L1 field.
type Levels struct {
	L1        bool   `json:"l1"`
	L2        bool   `json:"l2"`
	L3        bool   `json:"l3"`
	L4        bool   `json:"l4"`
	L4Writer  string `json:"l4Writer"`
	BlockSize int    `json:"blockSize"`
	S3        S3     `json:"s3"`
}

// S3 configures the S3-compatible L4 writer (internal/levels.S3Writer);
// only read when Levels.L4Writer is "s3".
type S3 struct {
	Endpoint     string `json:"endpoint"`
	Bucket       string `json:"bucket"`
	AccessKey    string `json:"accessKey"`
	SecretKey    string `json:"secretKey"`
	Region       string `json:"region"`
	UsePathStyle bool   `json:"usePathStyle"`
}

// DCP configures the differential checkpoint engine (spec.md §4.D).
type DCP struct {
	Enabled   bool   `json:"enabled"`
	Mode      string `json:"mode"`
	BlockSize int    `json:"blockSize"`
}

// Checkpoints configures the Snapshot interval-schedule operation.
type Checkpoints struct {
	Interval string `json:"interval"`
}

// Head configures the per-node head process and its staging subsystem.
type Head struct {
	KeepAlive        bool   `json:"keepAlive"`
	NatsAddress      string `json:"natsAddress"`
	MaxInFlightStage int    `json:"maxInFlightStage"`
}

// Config is the full engine configuration, decoded from JSON.
type Config struct {
	ExecID      string      `json:"execId"`
	LocalDir    string      `json:"localDir"`
	GlobalDir   string      `json:"globalDir"`
	MetadDir    string      `json:"metadDir"`
	LogLevel    string      `json:"logLevel"`
	Topology    Topology    `json:"topology"`
	Levels      Levels      `json:"levels"`
	DCP         DCP         `json:"dcp"`
	Checkpoints Checkpoints `json:"checkpoints"`
	Head        Head        `json:"head"`
}

// Default returns a Config with the same defaults the teacher bakes into
// its package-level Keys: sane values an application can override field by
// field before calling Parse, rather than requiring every key in the file.
func Default() Config {
	return Config{
		LogLevel: "info",
		Levels: Levels{
			L1:        true,
			L2:        true,
			L3:        true,
			L4:        true,
			L4Writer:  "posix",
			BlockSize: 1 << 20,
		},
		DCP: DCP{
			Enabled:   false,
			Mode:      "md5",
			BlockSize: 4096,
		},
		Checkpoints: Checkpoints{
			Interval: "10m",
		},
		Head: Head{
			MaxInFlightStage: 64,
		},
	}
}

// Parse validates raw against the embedded schema, then decodes it onto
// Default(), and finally applies the cross-field validation spec.md §4.A
// requires (group size bounds relative to which levels are enabled). It
// never mutates the returned value in place; on error the zero Config is
// returned alongside a wrapped ftierrors.ErrConfigInvalid.
func Parse(raw []byte) (Config, error) {
	s, err := jsonschema.Compile("embedFS://schemas/engine.schema.json")
	if err != nil {
		return Config{}, fmt.Errorf("compile embedded schema: %w", err)
	}

	var v any
	if err := json.NewDecoder(bytes.NewReader(raw)).Decode(&v); err != nil {
		return Config{}, fmt.Errorf("%w: decode config json: %v", ftierrors.ErrConfigInvalid, err)
	}
	if err := s.Validate(v); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ftierrors.ErrConfigInvalid, err)
	}

	cfg := Default()
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ftierrors.ErrConfigInvalid, err)
	}

	if err := cfg.validateCrossField(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func (c Config) validateCrossField() error {
	if c.Levels.L2 && c.Topology.GroupSize <= 2 {
		return fmt.Errorf("%w: groupSize must be > 2 when L2 is enabled, got %d", ftierrors.ErrConfigInvalid, c.Topology.GroupSize)
	}
	if c.Levels.L3 && c.Topology.GroupSize >= 32 {
		return fmt.Errorf("%w: groupSize must be < 32 when L3 is enabled, got %d", ftierrors.ErrConfigInvalid, c.Topology.GroupSize)
	}
	if c.Levels.L3 && c.Topology.GroupSize < 4 {
		return fmt.Errorf("%w: groupSize must be >= 4 when L3 is enabled, got %d", ftierrors.ErrConfigInvalid, c.Topology.GroupSize)
	}
	if c.Head.KeepAlive && c.Topology.Heads == 0 {
		// Resolves spec.md §9's open question: ambiguous combinations are a
		// hard error rather than a silently-coerced default.
		return fmt.Errorf("%w: head.keepAlive requires topology.heads=1", ftierrors.ErrConfigInvalid)
	}
	if c.Levels.L4Writer == "s3" && c.Levels.S3.Bucket == "" {
		return fmt.Errorf("%w: levels.l4Writer=s3 requires levels.s3.bucket", ftierrors.ErrConfigInvalid)
	}
	return nil
}
