package compose

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/compose-spec/compose-go/v2/cli"

	"github.com/kaspa-aio/aioctl/internal/env"
)

// interpolation matches ${NAME} not preceded by the $$ escape.
var interpolation = regexp.MustCompile(`(?:^|[^$])\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Lint loads the manifest the way the runtime will and reports anything it
// would reject. It returns the service names of the loaded project.
func Lint(ctx context.Context, project, manifestPath, secretsPath string, manifest []byte) ([]string, error) {
	secrets, err := env.LoadEnvFile(secretsPath)
	if err != nil {
		return nil, fmt.Errorf("lint: %w", err)
	}
	var missing []string
	for _, m := range interpolation.FindAllSubmatch(manifest, -1) {
		if _, ok := secrets[string(m[1])]; !ok {
			missing = append(missing, string(m[1]))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("lint: manifest references variables absent from %s: %s", filepath.Base(secretsPath), strings.Join(missing, ", "))
	}

	opts, err := cli.NewProjectOptions(
		[]string{manifestPath},
		cli.WithName(project),
		cli.WithWorkingDirectory(filepath.Dir(manifestPath)),
		cli.WithEnvFiles(secretsPath),
		cli.WithDotEnv,
	)
	if err != nil {
		return nil, fmt.Errorf("lint: project options: %w", err)
	}
	p, err := cli.ProjectFromOptions(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("lint: %w", err)
	}
	names := p.ServiceNames()
	sort.Strings(names)
	return names, nil
}
