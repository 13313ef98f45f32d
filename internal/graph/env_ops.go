package graph

import "github.com/banksean/testbus/internal/model"

// Setenv implements Environment.setenv: sets a variable on the container's
// own env dict (spec.md §4.1). Empty value is a legal "set to empty string",
// distinct from never having been set (Getenv falls through to an ancestor).
func (g *Graph) Setenv(path, name, value string) error {
	if err := model.ValidatePublicEnvName("Environment.setenv", name); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.container(path)
	if c == nil || c.env == nil {
		return model.Errorf(model.NotCompatible, "Environment.setenv", path, "not an environment-bearing container")
	}
	c.env.Set(name, value)
	return nil
}

// Getenv implements Environment.getenv: the merged value visible from path,
// walking the inheritance chain up to the root (spec.md §4.1).
func (g *Graph) Getenv(path, name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := g.container(path)
	if c == nil {
		return "", model.Errorf(model.NameUnknown, "Environment.getenv", path, "no such container")
	}
	merged := MergeEnv(g.MergeEnvChain(path)...)
	v, ok := merged[name]
	if !ok {
		return "", model.Errorf(model.PropertyNotPresent, "Environment.getenv", path, "no such variable %q", name)
	}
	return v, nil
}
