package sandbox

import (
	"context"
	"strings"

	"maestro/internal/errors"
)

// Fake is an in-process Executor for tests and dry runs. It does not run
// code; Handler decides the result per request, and the zero value echoes
// the request's inputs. The import allowlist is still enforced so callers
// can exercise violation paths.
type Fake struct {
	Handler func(req Request) (Result, error)
}

// Execute implements Executor.
func (f *Fake) Execute(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, errors.Wrap(errors.KindCancelled, err, "sandbox fake cancelled")
	}
	if err := checkImports(req); err != nil {
		return Result{}, err
	}

	if f.Handler != nil {
		return f.Handler(req)
	}
	return Result{Output: map[string]any{"result": req.Inputs}, ExitCode: 0}, nil
}

// checkImports rejects sources importing outside the allowlist. The scan
// is textual: any line of the form "import x" or "from x import" is
// matched against AllowedImports. An empty allowlist permits nothing.
func checkImports(req Request) error {
	allowed := make(map[string]bool, len(req.AllowedImports))
	for _, imp := range req.AllowedImports {
		allowed[imp] = true
	}
	for _, line := range strings.Split(req.Source, "\n") {
		name, ok := importedModule(line)
		if !ok {
			continue
		}
		if !allowed[name] {
			return errors.New(errors.KindSandbox, "import %q not in allowlist", name).WithNode(req.NodeID)
		}
	}
	return nil
}

func importedModule(line string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	switch {
	case len(fields) >= 2 && fields[0] == "import":
		return strings.Split(fields[1], ".")[0], true
	case len(fields) >= 2 && fields[0] == "from":
		return strings.Split(fields[1], ".")[0], true
	}
	return "", false
}
