// Package build compiles Klipper firmware from saved profile configs
// and keeps the resulting artifacts with their build metadata.
package build

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samsamfire/klipperfleet/internal/proc"
)

const configureTimeout = 60 * time.Second

// Info is the metadata written next to every artifact.
type Info struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
	BuiltAt string `json:"built_at"`
}

// Artifact describes one finished build.
type Artifact struct {
	Profile  string
	Firmware string
	Info     Info
}

type Builder struct {
	logger      *slog.Logger
	runner      proc.Runner
	klipperDir  string
	profilesDir string
	outDir      string

	exists func(string) bool
	now    func() time.Time
}

func New(runner proc.Runner, klipperDir, profilesDir, outDir string, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		logger:      logger.With("service", "[BUILD]"),
		runner:      runner,
		klipperDir:  klipperDir,
		profilesDir: profilesDir,
		outDir:      outDir,
		exists: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
		now: time.Now,
	}
}

// ConfigPath returns where a profile's kconfig file lives.
func (b *Builder) ConfigPath(profile string) string {
	return filepath.Join(b.profilesDir, profile+".config")
}

// ArtifactPath returns where a profile's firmware binary lands. The
// extension depends on the target, so the existing file wins.
func (b *Builder) ArtifactPath(profile string) string {
	bin := filepath.Join(b.outDir, profile+".bin")
	elf := filepath.Join(b.outDir, profile+".elf")
	if !b.exists(bin) && b.exists(elf) {
		return elf
	}
	return bin
}

func (b *Builder) infoPath(profile string) string {
	return filepath.Join(b.outDir, profile+".build_info.json")
}

// Profiles lists the saved profile names.
func (b *Builder) Profiles() []string {
	entries, err := os.ReadDir(b.profilesDir)
	if err != nil {
		return nil
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".config") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".config"))
	}
	sort.Strings(names)
	return names
}

// Build compiles one profile: the config is installed into the klipper
// tree, the tree is cleaned and reconfigured, then compiled with its
// output streamed into sink. The artifact and its metadata are copied
// out of the tree so later builds cannot clobber them.
func (b *Builder) Build(ctx context.Context, profile string, sink func(string)) (Artifact, error) {
	config := b.ConfigPath(profile)
	data, err := os.ReadFile(config)
	if err != nil {
		return Artifact{}, fmt.Errorf("profile %s: %w", profile, err)
	}
	if err := os.WriteFile(filepath.Join(b.klipperDir, ".config"), data, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("install config for %s: %w", profile, err)
	}

	b.logger.Info("building firmware", "profile", profile)
	for _, target := range []string{"clean", "olddefconfig"} {
		_, code, err := b.runner.Output(ctx, proc.Command{
			Path:    "make",
			Args:    []string{target},
			Dir:     b.klipperDir,
			Timeout: configureTimeout,
		})
		if err != nil {
			return Artifact{}, fmt.Errorf("make %s for %s: %w", target, profile, err)
		}
		if code != 0 {
			return Artifact{}, fmt.Errorf("make %s for %s exited %d", target, profile, code)
		}
	}

	code, err := b.runner.Stream(ctx, proc.Command{
		Path: "make",
		Dir:  b.klipperDir,
	}, sink)
	if err != nil {
		return Artifact{}, fmt.Errorf("make for %s: %w", profile, err)
	}
	if code != 0 {
		return Artifact{}, fmt.Errorf("make for %s exited %d", profile, code)
	}

	firmware, err := b.collectArtifact(profile)
	if err != nil {
		return Artifact{}, err
	}
	info := b.sourceInfo(ctx)
	if err := b.writeInfo(profile, info); err != nil {
		b.logger.Warn("writing build metadata failed", "profile", profile, "err", err)
	}
	b.logger.Info("build finished", "profile", profile, "firmware", firmware, "version", info.Version)
	return Artifact{Profile: profile, Firmware: firmware, Info: info}, nil
}

// collectArtifact copies the built binary out of the klipper tree.
func (b *Builder) collectArtifact(profile string) (string, error) {
	for _, name := range []string{"klipper.bin", "klipper.elf"} {
		src := filepath.Join(b.klipperDir, "out", name)
		if !b.exists(src) {
			continue
		}
		data, err := os.ReadFile(src)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", src, err)
		}
		dst := filepath.Join(b.outDir, profile+filepath.Ext(name))
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return "", fmt.Errorf("copy artifact for %s: %w", profile, err)
		}
		return dst, nil
	}
	return "", fmt.Errorf("no artifact produced for %s", profile)
}

// sourceInfo describes the klipper checkout the build came from.
// Failures leave fields empty; metadata never blocks a build.
func (b *Builder) sourceInfo(ctx context.Context) Info {
	git := func(args ...string) string {
		out, code, err := b.runner.Output(ctx, proc.Command{
			Path:    "git",
			Args:    args,
			Dir:     b.klipperDir,
			Timeout: configureTimeout,
		})
		if err != nil || code != 0 {
			return ""
		}
		return strings.TrimSpace(out)
	}
	return Info{
		Version: git("describe", "--tags", "--always", "--dirty"),
		Commit:  git("rev-parse", "HEAD"),
		Date:    git("log", "-1", "--format=%cd", "--date=short"),
		BuiltAt: b.now().UTC().Format(time.RFC3339),
	}
}

func (b *Builder) writeInfo(profile string, info Info) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(b.infoPath(profile), data, 0o644)
}

// ReadInfo loads the metadata of the last successful build of profile.
func (b *Builder) ReadInfo(profile string) (Info, error) {
	data, err := os.ReadFile(b.infoPath(profile))
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, fmt.Errorf("build metadata for %s: %w", profile, err)
	}
	return info, nil
}
