package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/NikhilSetiya/annotation-enrichment/internal/sources"
	"github.com/NikhilSetiya/annotation-enrichment/internal/sources/ensembl"
	"github.com/NikhilSetiya/annotation-enrichment/internal/sources/uniprot"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/annotation"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/config"
	"github.com/NikhilSetiya/annotation-enrichment/pkg/errors"
)

// Constructor builds a source from its options
type Constructor func(opts sources.Options) (annotation.Source, error)

var constructors = map[string]Constructor{
	ensembl.SourceName: func(opts sources.Options) (annotation.Source, error) {
		return ensembl.New(opts)
	},
	uniprot.SourceName: func(opts sources.Options) (annotation.Source, error) {
		return uniprot.New(opts)
	},
}

// Known returns the names of the built-in sources
func Known() []string {
	names := make([]string, 0, len(constructors))
	for name := range constructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New builds one source. The configuration name selects the implementation.
func New(opts sources.Options) (annotation.Source, error) {
	ctor, ok := constructors[strings.ToLower(opts.Config.Name)]
	if !ok {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown source %q", opts.Config.Name)).
			WithDetail("known", strings.Join(Known(), ","))
	}
	return ctor(opts)
}

// Build creates every active source in cfg. shared carries the collaborators
// common to all sources; its Config field is ignored.
func Build(cfg *config.SourcesConfig, shared sources.Options) ([]annotation.Source, error) {
	active := cfg.Active()
	built := make([]annotation.Source, 0, len(active))
	for _, sourceCfg := range active {
		opts := shared
		opts.Config = sourceCfg
		src, err := New(opts)
		if err != nil {
			return nil, fmt.Errorf("failed to build source %s: %w", sourceCfg.Name, err)
		}
		built = append(built, src)
	}
	return built, nil
}
