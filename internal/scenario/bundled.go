package scenario

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
)

//go:embed scenarios/*.yaml
var bundledFS embed.FS

// Suite is a named group of scenarios from one file
type Suite struct {
	Name      string
	Scenarios []*Scenario
}

// Bundled returns the scenarios shipped with the binary, sorted by file name
func Bundled() ([]Suite, error) {
	entries, err := fs.ReadDir(bundledFS, "scenarios")
	if err != nil {
		return nil, fmt.Errorf("read bundled scenarios: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	suites := make([]Suite, 0, len(entries))
	for _, e := range entries {
		data, err := bundledFS.ReadFile(path.Join("scenarios", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}
		all, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.Name(), err)
		}
		name := e.Name()
		suites = append(suites, Suite{Name: name[:len(name)-len(path.Ext(name))], Scenarios: all})
	}
	return suites, nil
}
