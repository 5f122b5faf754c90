package onnxgraph

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx/onnx"
)

// SortNodes reorders graph nodes topologically (Kahn's algorithm). Nodes that are already
// in a valid order keep their relative order. Returns an error if the graph has a cycle.
func SortNodes(graph *onnx.GraphProto) error {
	nodes := graph.GetNode()
	numNodes := len(nodes)
	producer := map[string]int{}
	for i, node := range nodes {
		for _, o := range node.GetOutput() {
			if o != "" {
				producer[o] = i
			}
		}
	}

	inDegree := make([]int, numNodes)
	dependents := make([][]int, numNodes)
	for i, node := range nodes {
		seen := map[int]bool{}
		for _, in := range node.GetInput() {
			p, ok := producer[in]
			if !ok || seen[p] {
				continue
			}
			seen[p] = true
			inDegree[i]++
			dependents[p] = append(dependents[p], i)
		}
	}

	queue := make([]int, 0)
	for i := range numNodes {
		if inDegree[i] == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]*onnx.NodeProto, 0, numNodes)
	for len(queue) > 0 {
		// take the lowest index to keep the original order stable
		best := 0
		for j := range queue {
			if queue[j] < queue[best] {
				best = j
			}
		}
		node := queue[best]
		queue = append(queue[:best], queue[best+1:]...)
		order = append(order, nodes[node])
		for _, dep := range dependents[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}
	if len(order) != numNodes {
		return fmt.Errorf("graph %q contains a cycle through %d nodes", graph.GetName(), numNodes-len(order))
	}
	graph.Node = order
	return nil
}
