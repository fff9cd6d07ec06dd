// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package local runs actions on the local machine. Inputs are materialized
// from a content-addressed store into a fresh execution root, the command
// runs there, and declared outputs plus stdout/stderr are uploaded back.
package local

import (
	"context"
	"crypto/sha256"
	stderrors "errors"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/tombee/turbine/internal/log"
	"github.com/tombee/turbine/internal/scheduler/action"
	"github.com/tombee/turbine/internal/store"
	"github.com/tombee/turbine/internal/workerapi"
	"github.com/tombee/turbine/pkg/errors"
)

// Config configures a local runner.
type Config struct {
	// WorkDirectory holds per-action execution roots. Created if missing.
	WorkDirectory string

	// Store is the content-addressed store inputs come from and outputs
	// go to.
	Store store.Store

	// Logger is the structured logger. Nil uses slog.Default.
	Logger *slog.Logger
}

// Runner executes actions in directories under the configured work root.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a local runner.
func New(cfg Config) (*Runner, error) {
	if cfg.Store == nil {
		return nil, errors.New(errors.CodeInvalidArgument, "local runner needs a store")
	}
	if cfg.WorkDirectory == "" {
		cfg.WorkDirectory = filepath.Join(os.TempDir(), "turbine-work")
	}
	if err := os.MkdirAll(cfg.WorkDirectory, 0o755); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInternal,
			"failed to create work directory %s", cfg.WorkDirectory)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Runner{cfg: cfg, logger: log.WithComponent(cfg.Logger, "runner")}, nil
}

// Run materializes the input tree, executes the command and uploads the
// outputs. A non-zero exit is a normal result; errors are reserved for
// infrastructure failures such as missing blobs.
func (r *Runner) Run(ctx context.Context, start *workerapi.StartAction) (*workerapi.WireResult, error) {
	instance := start.Action.InstanceName

	cmd, err := r.fetchCommand(ctx, instance, start.CommandDigest)
	if err != nil {
		return nil, err
	}

	execRoot, err := os.MkdirTemp(r.cfg.WorkDirectory, "action-")
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInternal, "failed to create execution root")
	}
	defer os.RemoveAll(execRoot)

	rootDigest, err := start.InputRootDigest.Digest()
	if err != nil {
		return nil, err
	}
	if err := r.materialize(ctx, instance, rootDigest, execRoot); err != nil {
		return nil, err
	}

	started := time.Now()
	exitCode, stdout, stderr, err := r.execute(ctx, cmd, execRoot)
	completed := time.Now()
	if err != nil {
		return nil, err
	}

	result := &workerapi.WireResult{
		ExitCode:          exitCode,
		WorkerStartedAt:   started,
		WorkerCompletedAt: completed,
	}
	if d, err := r.upload(ctx, instance, stdout); err != nil {
		return nil, err
	} else if d != nil {
		result.StdoutDigest = d
	}
	if d, err := r.upload(ctx, instance, stderr); err != nil {
		return nil, err
	} else if d != nil {
		result.StderrDigest = d
	}
	if err := r.collectOutputs(ctx, instance, cmd, execRoot, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *Runner) fetchCommand(ctx context.Context, instance string, ref workerapi.DigestRef) (*repb.Command, error) {
	d, err := ref.Digest()
	if err != nil {
		return nil, err
	}
	raw, err := r.cfg.Store.Get(ctx, instance, d)
	if err != nil {
		return nil, errors.Wrap(err, "failed to fetch command %s", d)
	}
	var cmd repb.Command
	if err := proto.Unmarshal(raw, &cmd); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeInvalidArgument,
			"command blob %s does not parse", d)
	}
	if len(cmd.Arguments) == 0 {
		return nil, errors.New(errors.CodeInvalidArgument, "command has no arguments")
	}
	return &cmd, nil
}

// materialize writes the directory tree rooted at digest into dir.
func (r *Runner) materialize(ctx context.Context, instance string, digest action.Digest, dir string) error {
	raw, err := r.cfg.Store.Get(ctx, instance, digest)
	if err != nil {
		return errors.Wrap(err, "failed to fetch directory %s", digest)
	}
	var d repb.Directory
	if err := proto.Unmarshal(raw, &d); err != nil {
		return errors.WrapWithCode(err, errors.CodeInvalidArgument,
			"directory blob %s does not parse", digest)
	}
	for _, f := range d.Files {
		fd, err := digestFromRef(f.Digest)
		if err != nil {
			return errors.Wrap(err, "file %q", f.Name)
		}
		data, err := r.cfg.Store.Get(ctx, instance, fd)
		if err != nil {
			return errors.Wrap(err, "failed to fetch file %q", f.Name)
		}
		mode := os.FileMode(0o644)
		if f.IsExecutable {
			mode = 0o755
		}
		if err := os.WriteFile(filepath.Join(dir, f.Name), data, mode); err != nil {
			return errors.WrapWithCode(err, errors.CodeInternal, "failed to write %q", f.Name)
		}
	}
	for _, sub := range d.Directories {
		subDir := filepath.Join(dir, sub.Name)
		if err := os.MkdirAll(subDir, 0o755); err != nil {
			return errors.WrapWithCode(err, errors.CodeInternal, "failed to create %q", sub.Name)
		}
		sd, err := digestFromRef(sub.Digest)
		if err != nil {
			return errors.Wrap(err, "directory %q", sub.Name)
		}
		if err := r.materialize(ctx, instance, sd, subDir); err != nil {
			return err
		}
	}
	for _, link := range d.Symlinks {
		if err := os.Symlink(link.Target, filepath.Join(dir, link.Name)); err != nil {
			return errors.WrapWithCode(err, errors.CodeInternal, "failed to link %q", link.Name)
		}
	}
	return nil
}

func (r *Runner) execute(ctx context.Context, cmd *repb.Command, execRoot string) (int32, []byte, []byte, error) {
	dir := execRoot
	if cmd.WorkingDirectory != "" {
		dir = filepath.Join(execRoot, cmd.WorkingDirectory)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return 0, nil, nil, errors.WrapWithCode(err, errors.CodeInternal,
				"failed to create working directory")
		}
	}
	proc := exec.CommandContext(ctx, cmd.Arguments[0], cmd.Arguments[1:]...)
	proc.Dir = dir
	for _, env := range cmd.EnvironmentVariables {
		proc.Env = append(proc.Env, env.Name+"="+env.Value)
	}
	var stdout, stderr output
	proc.Stdout = &stdout
	proc.Stderr = &stderr

	err := proc.Run()
	if ctx.Err() != nil {
		return 0, nil, nil, errors.WrapWithCode(ctx.Err(), errors.CodeDeadlineExceeded,
			"action was cancelled or timed out")
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, stdout.buf, stderr.buf, nil
	case stderrors.As(err, &exitErr):
		return int32(exitErr.ExitCode()), stdout.buf, stderr.buf, nil
	default:
		return 0, nil, nil, errors.WrapWithCode(err, errors.CodeInternal,
			"failed to start %q", cmd.Arguments[0])
	}
}

// collectOutputs uploads declared output files that exist after the run.
// Missing outputs are not an error; the client decides what to make of them.
func (r *Runner) collectOutputs(ctx context.Context, instance string, cmd *repb.Command, execRoot string, result *workerapi.WireResult) error {
	paths := cmd.OutputPaths
	if len(paths) == 0 {
		paths = cmd.OutputFiles
	}
	for _, rel := range paths {
		full := filepath.Join(execRoot, cmd.WorkingDirectory, rel)
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		data, err := os.ReadFile(full)
		if err != nil {
			return errors.WrapWithCode(err, errors.CodeInternal, "failed to read output %q", rel)
		}
		ref, err := r.upload(ctx, instance, data)
		if err != nil {
			return err
		}
		if ref == nil {
			sum := sha256.Sum256(nil)
			empty := workerapi.NewDigestRef(action.Digest{Hash: sum})
			ref = &empty
		}
		result.OutputFiles = append(result.OutputFiles, workerapi.WireOutputFile{
			Path:         rel,
			Digest:       *ref,
			IsExecutable: info.Mode()&0o111 != 0,
		})
	}
	return nil
}

// upload stores data and returns its digest ref. Empty data returns nil.
func (r *Runner) upload(ctx context.Context, instance string, data []byte) (*workerapi.DigestRef, error) {
	if len(data) == 0 {
		return nil, nil
	}
	sum := sha256.Sum256(data)
	d := action.Digest{Hash: sum, SizeBytes: int64(len(data))}
	if err := r.cfg.Store.Put(ctx, instance, d, data); err != nil {
		return nil, errors.Wrap(err, "failed to upload %d byte blob", len(data))
	}
	ref := workerapi.NewDigestRef(d)
	return &ref, nil
}

func digestFromRef(d *repb.Digest) (action.Digest, error) {
	if d == nil {
		return action.Digest{}, errors.New(errors.CodeInvalidArgument, "digest is missing")
	}
	return action.NewDigest(d.Hash, d.SizeBytes)
}

// output buffers one process stream.
type output struct {
	buf []byte
}

func (o *output) Write(p []byte) (int, error) {
	o.buf = append(o.buf, p...)
	return len(p), nil
}
