package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ROCm/therock-tools/internal/archive"
	"github.com/ROCm/therock-tools/internal/descriptor"
	"github.com/ROCm/therock-tools/internal/fileset"
	"github.com/ROCm/therock-tools/internal/manifest"
)

// Generator implements Steps on a local staging tree. Component directories
// and archives share OutputDir; manifests go to OutputDir/manifests.
type Generator struct {
	StagingRoot string
	OutputDir   string
	ArchiveType archive.Type

	resolver *fileset.Resolver
	writer   *manifest.Writer
	builder  *archive.Builder
	logger   *zap.Logger
}

func NewGenerator(
	stagingRoot, outputDir string,
	archiveType archive.Type,
	resolver *fileset.Resolver,
	writer *manifest.Writer,
	builder *archive.Builder,
	logger *zap.Logger,
) *Generator {
	return &Generator{
		StagingRoot: stagingRoot,
		OutputDir:   outputDir,
		ArchiveType: archiveType,
		resolver:    resolver,
		writer:      writer,
		builder:     builder,
		logger:      logger.Named("generator"),
	}
}

func (g *Generator) ComponentDir(s Slice, component string) string {
	return filepath.Join(g.OutputDir, s.Basename(component))
}

func (g *Generator) ManifestPath(s Slice, component string) string {
	return filepath.Join(g.OutputDir, "manifests", s.Basename(component)+".txt")
}

func (g *Generator) ArchivePath(s Slice, component string) string {
	return filepath.Join(g.OutputDir, s.Basename(component)+g.ArchiveType.Extension())
}

// Staged succeeds once the sub-build has deposited its stage directory.
func (g *Generator) Staged(ctx context.Context, sb SubBuild) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Join(g.StagingRoot, filepath.FromSlash(sb.StageDir))
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("sub-build %s has not staged outputs: %w", sb.Name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sub-build %s stage path %s is not a directory", sb.Name, dir)
	}
	return nil
}

func (g *Generator) Manifest(ctx context.Context, s Slice, d *descriptor.Descriptor, component string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	set, err := g.resolver.Resolve(g.StagingRoot, d, component)
	if err != nil {
		return err
	}
	return g.writer.Write(set, g.ComponentDir(s, component), g.ManifestPath(s, component))
}

func (g *Generator) Archive(ctx context.Context, s Slice, component string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return g.builder.Build(g.ComponentDir(s, component), g.ArchivePath(s, component), g.ArchiveType, "")
}
