package generation

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/uber/compiler-server/src/compilerd/internal/extension"
)

// Input is one source file fed to the generators.
type Input struct {
	Path    string
	Content []byte
}

// Output is one generated source.
type Output struct {
	Generator string
	Source    string
	HintName  string
	Text      string
}

// RunResult describes a single driver run.
type RunResult struct {
	Outputs     []Output
	Reused      int
	Regenerated int
}

type driverEntry struct {
	digest  uint64
	outputs []Output
}

// Driver holds incremental generator state. A Driver is never mutated once constructed:
// Run returns a successor, so a run that is abandoned leaves the original intact.
type Driver struct {
	generators []extension.Generator
	language   string
	entries    map[string]driverEntry
}

// NewDriver returns an empty Driver for the given generators.
func NewDriver(generators []extension.Generator, language string) *Driver {
	return &Driver{
		generators: generators,
		language:   language,
		entries:    map[string]driverEntry{},
	}
}

// Len returns the number of inputs the driver holds state for.
func (d *Driver) Len() int {
	return len(d.entries)
}

// Run executes the generators over inputs, reusing outputs for inputs whose contents are unchanged.
func (d *Driver) Run(ctx context.Context, inputs []Input) (*Driver, *RunResult, error) {
	next := &Driver{
		generators: d.generators,
		language:   d.language,
		entries:    make(map[string]driverEntry, len(inputs)),
	}
	result := &RunResult{}
	hints := make(map[string]string)

	for _, in := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		digest := xxhash.Sum64(in.Content)
		entry, ok := d.entries[in.Path]
		if ok && entry.digest == digest {
			result.Reused++
		} else {
			outputs, err := d.generate(ctx, in)
			if err != nil {
				return nil, nil, err
			}
			entry = driverEntry{digest: digest, outputs: outputs}
			result.Regenerated++
		}

		for _, out := range entry.outputs {
			hintKey := out.Generator + "/" + out.HintName
			if prev, dup := hints[hintKey]; dup {
				return nil, nil, fmt.Errorf("generator %s produced hint name %q for both %s and %s", out.Generator, out.HintName, prev, out.Source)
			}
			hints[hintKey] = out.Source
		}

		next.entries[in.Path] = entry
		result.Outputs = append(result.Outputs, entry.outputs...)
	}
	return next, result, nil
}

func (d *Driver) generate(ctx context.Context, in Input) ([]Output, error) {
	var outputs []Output
	for _, g := range d.generators {
		generated, err := g.Generate(ctx, extension.GeneratorInput{Path: in.Path, Content: in.Content, Language: d.language})
		if err != nil {
			return nil, err
		}
		for _, src := range generated {
			outputs = append(outputs, Output{
				Generator: g.Identity(),
				Source:    in.Path,
				HintName:  src.HintName,
				Text:      src.Text,
			})
		}
	}
	return outputs, nil
}

// Generate runs generators over inputs under the lease for key, starting from the cached driver when there is one.
// The successor driver is committed only when the run succeeds. The lease is always released, even on panic.
func Generate(ctx context.Context, c Cache, key Key, generators []extension.Generator, language string, inputs []Input) (*RunResult, error) {
	lease, err := c.Acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	driver := lease.Driver()
	if driver == nil {
		driver = NewDriver(generators, language)
	}
	next, run, err := driver.Run(ctx, inputs)
	if err != nil {
		return nil, err
	}
	lease.Commit(ctx, next)
	return run, nil
}
