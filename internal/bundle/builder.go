package bundle

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Builder produces an implant binary for a platform/architecture pair
// and returns the path of the artifact. A failed build aborts the whole
// bundle generation.
type Builder interface {
	Build(ctx context.Context, spec BuildSpec) (string, error)
}

type BuildSpec struct {
	Platform string
	Arch     string
	Features []string
	// BundleID names the build workspace and the output artifact.
	BundleID string
}

const artifactPath = "/build/out/implant"

// DockerBuilder compiles implant binaries inside a builder container
// image and copies the artifact out.
type DockerBuilder struct {
	cli       *client.Client
	image     string
	outputDir string
}

func NewDockerBuilder(image, outputDir string) (*DockerBuilder, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create build output directory: %w", err)
	}
	return &DockerBuilder{cli: cli, image: image, outputDir: outputDir}, nil
}

func (b *DockerBuilder) Build(ctx context.Context, spec BuildSpec) (string, error) {
	env := []string{
		"GOOS=" + strings.ToLower(spec.Platform),
		"GOARCH=" + strings.ToLower(spec.Arch),
	}
	if len(spec.Features) > 0 {
		env = append(env, "IMPLANT_FEATURES="+strings.Join(spec.Features, ","))
	}

	created, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image: b.image,
		Env:   env,
	}, nil, nil, nil, "ospray-build-"+spec.BundleID)
	if err != nil {
		return "", fmt.Errorf("failed to create build container: %w", err)
	}
	defer func() {
		if err := b.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true}); err != nil {
			slog.Warn("Failed to remove build container", "container_id", created.ID, "error", err)
		}
	}()

	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start build container: %w", err)
	}

	waitCh, errCh := b.cli.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return "", fmt.Errorf("build container wait failed: %w", err)
		}
	case status := <-waitCh:
		if status.StatusCode != 0 {
			return "", fmt.Errorf("implant build exited with status %d", status.StatusCode)
		}
	case <-ctx.Done():
		return "", ctx.Err()
	}

	reader, _, err := b.cli.CopyFromContainer(ctx, created.ID, artifactPath)
	if err != nil {
		return "", fmt.Errorf("failed to copy build artifact: %w", err)
	}
	defer reader.Close()

	dest := filepath.Join(b.outputDir, "implant-"+spec.BundleID)
	if err := extractFirstFile(reader, dest); err != nil {
		return "", fmt.Errorf("failed to extract build artifact: %w", err)
	}

	slog.Info("Implant binary built",
		"bundle_id", spec.BundleID,
		"platform", spec.Platform,
		"arch", spec.Arch,
		"artifact", dest)
	return dest, nil
}

// extractFirstFile writes the first regular file of a tar stream to dest.
func extractFirstFile(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("build artifact missing from container")
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	}
}
