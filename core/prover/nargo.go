package prover

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"zkhealthpass/core/apperr"
)

// Failure causes carried inside ServiceUnavailable errors.
var (
	ErrTimeout    = errors.New("prover timed out")
	ErrExit       = errors.New("prover exited with an error")
	ErrNoArtifact = errors.New("prover produced no artifact")
	ErrSpawn      = errors.New("prover could not be started")
	ErrWorkspace  = errors.New("prover workspace could not be prepared")
)

// FailureReason maps a Prove error to a short metrics label.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrExit):
		return "exit"
	case errors.Is(err, ErrNoArtifact):
		return "artifact"
	case errors.Is(err, ErrSpawn):
		return "spawn"
	case errors.Is(err, ErrWorkspace):
		return "workspace"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "other"
	}
}

const (
	DefaultArtifact = "target/health_passport_circuit.gz"
	maxDiagnostic   = 2048
	redacted        = "<workspace>"
)

type NargoConfig struct {
	Binary      string        // nargo executable, looked up on PATH if not absolute
	CircuitPath string        // directory holding Nargo.toml and src/main.nr
	ScratchRoot string        // parent of per-call workspaces; "" means os.TempDir()
	Artifact    string        // artifact path relative to the workspace
	Timeout     time.Duration // upper bound on one nargo execute
}

// NargoProver runs `nargo execute` in a fresh workspace per call. The
// workspace is removed on every exit path.
type NargoProver struct {
	cfg NargoConfig
	log *zap.Logger
}

func NewNargoProver(cfg NargoConfig, log *zap.Logger) *NargoProver {
	if cfg.Binary == "" {
		cfg.Binary = "nargo"
	}
	if cfg.Artifact == "" {
		cfg.Artifact = DefaultArtifact
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &NargoProver{cfg: cfg, log: log.Named("prover")}
}

func (p *NargoProver) Prove(ctx context.Context, in Inputs) ([]byte, error) {
	doc, err := EncodeInputs(in)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(p.cfg.ScratchRoot, "zk_proof_*")
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create prover workspace", ErrWorkspace)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			p.log.Warn("remove prover workspace", zap.Error(err))
		}
	}()

	if err := p.prepare(dir, doc); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	var stderr, stdout bytes.Buffer
	cmd := exec.CommandContext(runCtx, p.cfg.Binary, "execute")
	cmd.Dir = dir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Children that inherit the pipes must not keep Wait blocked after a kill.
	cmd.WaitDelay = time.Second

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	if runErr != nil {
		switch {
		case ctx.Err() != nil:
			return nil, fmt.Errorf("prove: %w", ctx.Err())
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			p.log.Warn("nargo execute timed out", zap.Duration("timeout", p.cfg.Timeout))
			return nil, apperr.Wrap(apperr.KindServiceUnavailable,
				fmt.Sprintf("nargo execute timed out after %s", p.cfg.Timeout), ErrTimeout)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			diag := p.diagnostic(dir, stderr.String(), stdout.String())
			p.log.Warn("nargo execute failed", zap.Int("exit_code", exitErr.ExitCode()), zap.Duration("elapsed", elapsed))
			return nil, apperr.Wrap(apperr.KindServiceUnavailable,
				fmt.Sprintf("nargo execute failed (exit %d): %s", exitErr.ExitCode(), diag), ErrExit)
		}
		return nil, apperr.Wrap(apperr.KindServiceUnavailable,
			"nargo execute: "+p.redact(dir, runErr.Error()), ErrSpawn)
	}

	proof, err := os.ReadFile(filepath.Join(dir, p.cfg.Artifact))
	if err != nil || len(proof) == 0 {
		return nil, apperr.Wrap(apperr.KindServiceUnavailable,
			"nargo execute succeeded but the proof artifact is missing or empty", ErrNoArtifact)
	}
	p.log.Debug("nargo execute finished", zap.Duration("elapsed", elapsed), zap.Int("proof_bytes", len(proof)))
	return proof, nil
}

// prepare writes Prover.toml and copies the circuit sources into dir.
func (p *NargoProver) prepare(dir string, doc []byte) error {
	if err := os.WriteFile(filepath.Join(dir, InputsFile), doc, 0o600); err != nil {
		return apperr.Wrap(apperr.KindInternal, "write prover inputs", ErrWorkspace)
	}
	if err := os.MkdirAll(filepath.Join(dir, "src"), 0o700); err != nil {
		return apperr.Wrap(apperr.KindInternal, "create circuit dir", ErrWorkspace)
	}
	for _, rel := range []string{"Nargo.toml", filepath.Join("src", "main.nr")} {
		if err := copyFile(filepath.Join(p.cfg.CircuitPath, rel), filepath.Join(dir, rel)); err != nil {
			p.log.Error("circuit source unavailable", zap.String("file", rel))
			return apperr.Wrap(apperr.KindServiceUnavailable, "circuit source "+rel+" is unavailable", ErrWorkspace)
		}
	}
	return nil
}

func (p *NargoProver) diagnostic(dir, stderr, stdout string) string {
	text := strings.TrimSpace(stderr)
	if text == "" {
		text = strings.TrimSpace(stdout)
	}
	if text == "" {
		return "no diagnostic output"
	}
	text = p.redact(dir, text)
	if len(text) > maxDiagnostic {
		text = text[:maxDiagnostic] + "..."
	}
	return text
}

// redact strips workspace and circuit paths from prover output.
func (p *NargoProver) redact(dir, text string) string {
	text = strings.ReplaceAll(text, dir, redacted)
	if real, err := filepath.EvalSymlinks(dir); err == nil && real != dir {
		text = strings.ReplaceAll(text, real, redacted)
	}
	if p.cfg.CircuitPath != "" {
		if abs, err := filepath.Abs(p.cfg.CircuitPath); err == nil {
			text = strings.ReplaceAll(text, abs, "<circuit>")
		}
	}
	return text
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
