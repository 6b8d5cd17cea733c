// Package metadata loads the hierarchical metadata tree consumed by the
// engine.
//
// A tree is a directory hierarchy marked by a ".tmx" sentinel directory
// at its root. Every "*.yaml" file is a node; "main.yaml" carries the
// data of its directory. Nodes are identified by slash-separated
// absolute paths ("/plans/smoke"). Data cascades from parent directories
// to children: a child key replaces the inherited value, a key with a
// "+" suffix merges into it.
package metadata

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/tmx-org/tmx/internal/rules"
)

// Sentinel is the directory marking the root of a metadata tree.
const Sentinel = ".tmx"

// MainFile carries the node data of its directory.
const MainFile = "main.yaml"

var (
	// ErrNoTree is returned when no sentinel directory is found.
	ErrNoTree = errors.New("metadata tree not found")
	// ErrNodeNotFound is returned when a referenced node does not exist.
	ErrNodeNotFound = errors.New("node not found")
)

// Node is a single named document in the tree with its effective
// (inherited and merged) data.
type Node struct {
	// Name is the slash-separated node identifier, e.g. "/plans/smoke".
	Name string
	// Data is the effective key/value data after inheritance.
	Data map[string]any
}

// Tree is a loaded metadata tree.
type Tree struct {
	// Root is the filesystem root of the tree.
	Root string

	nodes map[string]*Node
	order []string
}

// Find walks up from dir looking for the sentinel directory and returns
// the tree root.
func Find(dir string) (string, error) {
	current, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(current, Sentinel)); err == nil && info.IsDir() {
			return current, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("%w: no %s directory above %s", ErrNoTree, Sentinel, dir)
		}
		current = parent
	}
}

// Load reads the whole tree under root.
func Load(root string) (*Tree, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(filepath.Join(root, Sentinel)); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s has no %s directory", ErrNoTree, root, Sentinel)
	}

	t := &Tree{Root: root, nodes: map[string]*Node{}}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if strings.HasPrefix(name, ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(name, ".yaml") || strings.HasPrefix(name, ".") {
			return nil
		}
		return t.loadFile(path)
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(t.order)
	return t, nil
}

func (t *Tree) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var data map[string]any
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to parse node file %s: %w", path, err)
	}

	name, err := t.nodeName(path)
	if err != nil {
		return err
	}

	effective, err := t.inherited(filepath.Dir(path), path)
	if err != nil {
		return err
	}
	if err := rules.MergeInto(effective, data); err != nil {
		return fmt.Errorf("failed to merge node %s: %w", name, err)
	}

	t.nodes[name] = &Node{Name: name, Data: effective}
	t.order = append(t.order, name)
	return nil
}

// nodeName maps a file path to its node identifier. The main file of a
// directory names the directory itself.
func (t *Tree) nodeName(path string) (string, error) {
	rel, err := filepath.Rel(t.Root, path)
	if err != nil {
		return "", err
	}
	rel = filepath.ToSlash(rel)
	if base := filepath.Base(path); base == MainFile {
		dir := filepath.ToSlash(filepath.Dir(rel))
		if dir == "." {
			return "/", nil
		}
		return "/" + dir, nil
	}
	return "/" + strings.TrimSuffix(rel, ".yaml"), nil
}

// inherited collects the merged data of all main files from the tree
// root down to dir, skipping the node's own file.
func (t *Tree) inherited(dir, self string) (map[string]any, error) {
	var chain []string
	current := dir
	for {
		main := filepath.Join(current, MainFile)
		if main != self {
			chain = append([]string{main}, chain...)
		}
		if current == t.Root {
			break
		}
		current = filepath.Dir(current)
	}

	effective := map[string]any{}
	for _, main := range chain {
		raw, err := os.ReadFile(main)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		var data map[string]any
		if err := yaml.Unmarshal(raw, &data); err != nil {
			return nil, fmt.Errorf("failed to parse node file %s: %w", main, err)
		}
		if err := rules.MergeInto(effective, data); err != nil {
			return nil, err
		}
	}
	return effective, nil
}

// Get returns the node with the given identifier.
func (t *Tree) Get(name string) (*Node, error) {
	node, ok := t.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, name)
	}
	return node, nil
}

// SelectOptions filter the node list.
type SelectOptions struct {
	// Names are regular expressions; a node is selected when any
	// matches its identifier. Empty selects all.
	Names []string
	// Includes are exact identifiers appended in the given order,
	// duplicates allowed.
	Includes []string
	// Excludes are exact identifiers to skip.
	Excludes []string
}

// Select returns nodes matching the options. Name matches come in tree
// order; includes follow in their own order.
func (t *Tree) Select(opts SelectOptions) ([]*Node, error) {
	var patterns []*regexp.Regexp
	for _, name := range opts.Names {
		re, err := regexp.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("invalid name pattern %q: %w", name, err)
		}
		patterns = append(patterns, re)
	}

	excluded := map[string]bool{}
	for _, name := range opts.Excludes {
		excluded[name] = true
	}

	var selected []*Node
	if len(opts.Names) > 0 || len(opts.Includes) == 0 {
		for _, name := range t.order {
			if excluded[name] {
				continue
			}
			if matchesAny(patterns, name) {
				selected = append(selected, t.nodes[name])
			}
		}
	}

	for _, name := range opts.Includes {
		if excluded[name] {
			continue
		}
		node, err := t.Get(name)
		if err != nil {
			return nil, err
		}
		selected = append(selected, node)
	}

	return selected, nil
}

func matchesAny(patterns []*regexp.Regexp, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, re := range patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}
