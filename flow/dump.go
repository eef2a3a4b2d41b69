package flow

import (
	"fmt"
	"io"

	"github.com/colorfulnotion/vmx86/common"
	"github.com/colorfulnotion/vmx86/symbols"
	"github.com/xlab/treeprint"
)

const noSymbol = "<unknown>"

// groupName is the symbol a block is listed under in dumps. Blocks outside
// every symbol, such as padding past a sized function, stay under current.
func groupName(r symbols.Resolver, addr uint64, current string) string {
	if r != nil {
		if s, ok := r.Lookup(addr); ok {
			return s.Name
		}
	}
	if current != "" {
		return current
	}
	return noSymbol
}

// Dump writes every cached block in address order, grouped under the most
// recent symbol.
func (c *Cache) Dump(w io.Writer, r symbols.Resolver) {
	blocks := c.Blocks()
	stats := c.Stats()
	fmt.Fprintf(w, "%d blocks, %d instructions decoded, %d splits\n", len(blocks), stats.Instructions, stats.Splits)
	group := ""
	for _, b := range blocks {
		if g := groupName(r, b.Address(), group); g != group {
			group = g
			fmt.Fprintf(w, "\n%s:\n", g)
		}
		fmt.Fprintf(w, "%s    executions=%d hash=%s\n", b.Format(r), b.Executions(), b.CodeHash().String_short())
	}
}

// Tree renders the cache as symbol -> block -> successors.
func (c *Cache) Tree(r symbols.Resolver) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("%d blocks", c.Len()))
	var branch treeprint.Tree
	group := ""
	for _, b := range c.Blocks() {
		if g := groupName(r, b.Address(), group); branch == nil || g != group {
			group = g
			branch = tree.AddBranch(common.Colorize(common.ColorYellow, g))
		}
		node := branch.AddBranch(blockLabel(b, r))
		for _, s := range b.Successors() {
			node.AddNode("-> " + symbols.Format(r, s.Address()))
		}
	}
	return tree
}

// Tree renders the control-flow graph reachable from root through linked
// successors. Blocks already shown are printed once and then referenced.
func Tree(root *Block, r symbols.Resolver) treeprint.Tree {
	tree := treeprint.New()
	tree.SetValue(blockLabel(root, r))
	seen := map[*Block]bool{root: true}
	var walk func(t treeprint.Tree, b *Block)
	walk = func(t treeprint.Tree, b *Block) {
		for _, s := range b.Successors() {
			if seen[s] {
				t.AddNode(common.Colorize(common.ColorCyan, "-> "+symbols.Format(r, s.Address())))
				continue
			}
			seen[s] = true
			walk(t.AddBranch(blockLabel(s, r)), s)
		}
	}
	walk(tree, root)
	return tree
}

func blockLabel(b *Block, r symbols.Resolver) string {
	return fmt.Sprintf("%s%s%s [%d insns, %s, x%d]", common.ColorGreen, symbols.Format(r, b.Address()), common.ColorReset,
		b.Len(), jumpTypeNames[b.JumpType()], b.Executions())
}
