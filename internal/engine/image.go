// Package engine runs analyst scripts against evidence inside sandboxed
// containers: it provisions runner images, prepares workspaces, drives the
// build and run phases, and captures outputs.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"requiem/internal/runtime"
)

// ImageProvisioner ensures the per-language runner images exist before a
// container is created from them. Images are cached by tag; the tag doubles
// as the cache key, so a concurrent build of the same tag is wasteful but
// harmless.
type ImageProvisioner struct {
	runtime runtime.ContainerRuntime
	logger  *slog.Logger
}

// NewImageProvisioner creates an image provisioner.
func NewImageProvisioner(rt runtime.ContainerRuntime, logger *slog.Logger) *ImageProvisioner {
	return &ImageProvisioner{runtime: rt, logger: logger}
}

// Ensure returns the image reference for the language and version, building
// the image from the registry template when it is not present locally.
func (p *ImageProvisioner) Ensure(ctx context.Context, spec runtime.Spec, version string) (string, error) {
	ref := fmt.Sprintf("%s:%s", spec.BaseImage, version)

	exists, err := p.runtime.ImageExists(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to check image %s: %w", ref, err)
	}
	if exists {
		return ref, nil
	}

	p.logger.Info("building runner image",
		slog.String("image", ref),
		slog.String("language", string(spec.Language)),
	)

	_, err = p.runtime.BuildImage(ctx, ref, spec.Dockerfile, map[string]string{
		"LANG_VERSION": version,
	})
	if err != nil {
		return "", fmt.Errorf("failed to build runner image %s: %w", ref, err)
	}

	p.logger.Info("runner image ready", slog.String("image", ref))
	return ref, nil
}
