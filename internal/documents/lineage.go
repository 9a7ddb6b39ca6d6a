package documents

import (
	"context"

	"github.com/odyssey-erp/odyssey-docflow/internal/platform/db"
)

// maxLineageNodes bounds traversal of a malformed graph.
const maxLineageNodes = 1000

// LineageNode is one document in a lineage graph.
type LineageNode struct {
	Ref      Ref    `json:"ref"`
	Number   string `json:"number"`
	Status   Status `json:"status"`
	Source   *Ref   `json:"source,omitempty"`
	Children []Ref  `json:"children"`
}

// Lineage is the derivation graph containing a document, rooted at its originating document.
type Lineage struct {
	Root  Ref           `json:"root"`
	Nodes []LineageNode `json:"nodes"`
}

// Lineage walks up to the originating document and then collects every descendant, breadth first.
func (s *Service) Lineage(ctx context.Context, ref Ref) (Lineage, error) {
	ctx, cancel := db.Bounded(ctx, s.timeout)
	defer cancel()

	doc, err := s.repo.Get(ctx, ref)
	if err != nil {
		return Lineage{}, db.Translate(err)
	}
	seen := map[Ref]bool{doc.Ref(): true}
	for doc.Source != nil && !seen[*doc.Source] && len(seen) < maxLineageNodes {
		parent, err := s.repo.Get(ctx, *doc.Source)
		if err != nil {
			return Lineage{}, db.Translate(err)
		}
		seen[parent.Ref()] = true
		doc = parent
	}

	out := Lineage{Root: doc.Ref()}
	queue := []Document{doc}
	visited := map[Ref]bool{doc.Ref(): true}
	for len(queue) > 0 && len(out.Nodes) < maxLineageNodes {
		current := queue[0]
		queue = queue[1:]
		node := LineageNode{Ref: current.Ref(), Number: current.Number, Status: current.Status, Source: current.Source, Children: []Ref{}}
		for _, child := range current.ConvertedTo {
			node.Children = append(node.Children, child)
			if visited[child] {
				continue
			}
			visited[child] = true
			next, err := s.repo.Get(ctx, child)
			if err != nil {
				return Lineage{}, db.Translate(err)
			}
			queue = append(queue, next)
		}
		out.Nodes = append(out.Nodes, node)
	}
	return out, nil
}
