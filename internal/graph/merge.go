package graph

// MergeFiles implements the file inheritance merge of spec.md §4.1: walking
// from startPath upward to the root, the first file found by name wins ("a
// file named stdin defined at the command level shadows any inherited
// default"). Unlike MergeEnv this only needs to know which name maps to
// which file path at each level, since file content lives on the File
// object itself.
func (g *Graph) MergeFiles(startPath string) map[string]string {
	result := make(map[string]string)
	path := startPath
	for path != "" {
		c := g.container(path)
		if c == nil {
			break
		}
		for name, filePath := range c.fileChildren {
			if _, exists := result[name]; !exists {
				result[name] = filePath
			}
		}
		if c.parentPath == path {
			break
		}
		path = c.parentPath
	}
	return result
}

// MergeEnvChain collects the env stores from startPath up to the root, in
// nearest-to-farthest order, ready for MergeEnv.
func (g *Graph) MergeEnvChain(startPath string) []*envStore {
	var chain []*envStore
	path := startPath
	for path != "" {
		c := g.container(path)
		if c == nil {
			break
		}
		if c.env != nil {
			chain = append(chain, c.env)
		}
		if c.parentPath == path {
			break
		}
		path = c.parentPath
	}
	return chain
}
