package efsvault

import (
	"sort"
	"strings"
)

// TreeNode is one node of the tree rendering of a catalog's RelPaths. A
// leaf (File != nil) never has Children; a directory has File nil. Every
// node except the root (whose Name is "") has Name set.
type TreeNode struct {
	Name     string
	File     *FileEntry
	Children []*TreeNode
}

// BuildTree groups files by the "/"-separated directory components of
// RelPath into a single rooted tree, with directories sorted before files
// and both sorted by name within a level. Two entries sharing a RelPath
// directory component coexist as the same directory node regardless of
// insertion order.
func BuildTree(files []FileEntry) *TreeNode {
	root := &TreeNode{Name: ""}
	dirs := map[string]*TreeNode{"": root}

	for i := range files {
		f := &files[i]
		parts := strings.Split(f.RelPath, "/")
		parent := root
		path := ""
		for _, part := range parts[:len(parts)-1] {
			if path == "" {
				path = part
			} else {
				path = path + "/" + part
			}
			node, ok := dirs[path]
			if !ok {
				node = &TreeNode{Name: part}
				dirs[path] = node
				parent.Children = append(parent.Children, node)
			}
			parent = node
		}
		parent.Children = append(parent.Children, &TreeNode{Name: parts[len(parts)-1], File: f})
	}

	sortTree(root)
	return root
}

func sortTree(n *TreeNode) {
	sort.SliceStable(n.Children, func(i, j int) bool {
		a, b := n.Children[i], n.Children[j]
		if (a.File == nil) != (b.File == nil) {
			return a.File == nil // directories first
		}
		return a.Name < b.Name
	})
	for _, c := range n.Children {
		sortTree(c)
	}
}
