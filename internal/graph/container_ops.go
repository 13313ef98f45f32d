package graph

import (
	"github.com/banksean/testbus/internal/model"
	"github.com/banksean/testbus/internal/namegen"
)

// GetChildByName implements Container.getChildByName, the lookup-or-fail
// primitive every typed accessor (Host.byName, Test.byName, ...) is built
// from in the source's dbus-container.c.
func (g *Graph) GetChildByName(parentPath string, class model.Class, name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	parent := g.container(parentPath)
	if parent == nil {
		return "", model.Errorf(model.NameUnknown, "Container.getChildByName", parentPath, "no such container")
	}
	path, ok := parent.childPath(class, name)
	if !ok {
		return "", model.Errorf(model.NameUnknown, "Container.getChildByName", parentPath, "no child %q of class %s", name, class)
	}
	return path, nil
}

// CreateTest implements Testset.createTest: a nested Testcase container that
// itself carries every feature a top-level test run needs (its own env and
// file layers, the ability to claim hosts, queue commands, and nest further
// sub-tests).
func (g *Graph) CreateTest(parentPath, name string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	parent := g.container(parentPath)
	if parent == nil || !parent.Features().Has(model.FeatureTests) {
		return "", model.Errorf(model.NotCompatible, "Testset.createTest", parentPath, "not a test-bearing container")
	}
	if name == "" {
		name = namegen.Generate()
	}
	c, err := g.createChildLocked(parentPath, model.ClassTest, name,
		model.FeatureEnv|model.FeatureCommands|model.FeatureFiles|model.FeatureHosts|model.FeatureTests)
	if err != nil {
		return "", err
	}
	return c.path, nil
}
