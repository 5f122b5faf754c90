package onnxgraph

import (
	"errors"
	"fmt"

	"github.com/advancedclimatesystems/gonnx/onnx"
)

// CheckError lists every structural problem found in a model.
type CheckError struct {
	Problems []string
}

func (e *CheckError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid model: " + e.Problems[0]
	}
	return fmt.Sprintf("invalid model: %d problems, first: %s", len(e.Problems), e.Problems[0])
}

// Check validates the structural self-consistency of a model: versions, imported domains,
// initializer sizes, unique and topologically ordered values, and produced graph outputs.
func Check(model *onnx.ModelProto) error {
	if model == nil || model.GetGraph() == nil {
		return ErrNoGraph
	}
	var problems []string
	report := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if model.GetIrVersion() <= 0 {
		report("ir_version is not set")
	}
	domains := map[string]bool{}
	for _, imp := range model.GetOpsetImport() {
		domain := imp.GetDomain()
		if domain == "ai.onnx" {
			domain = ""
		}
		domains[domain] = true
	}
	if !domains[""] {
		report("default operator domain is not imported")
	}

	graph := model.GetGraph()
	defined := map[string]bool{}
	for _, init := range graph.GetInitializer() {
		if init.GetName() == "" {
			report("initializer without a name")
			continue
		}
		if defined[init.GetName()] {
			report("initializer %q defined twice", init.GetName())
		}
		defined[init.GetName()] = true
		if _, err := FromProto(init); err != nil {
			report("%v", err)
		}
	}
	for _, in := range graph.GetInput() {
		if in.GetName() == "" {
			report("graph input without a name")
		}
		defined[in.GetName()] = true
	}

	for _, node := range graph.GetNode() {
		domain := node.GetDomain()
		if domain == "ai.onnx" {
			domain = ""
		}
		if !domains[domain] {
			report("node %q uses domain %q that is not imported", node.GetName(), node.GetDomain())
		}
		if node.GetOpType() == "" {
			report("node %q has no op_type", node.GetName())
		}
		for _, in := range node.GetInput() {
			if in != "" && !defined[in] {
				report("node %q input %q is not produced by an initializer, graph input or earlier node", node.GetName(), in)
			}
		}
		for _, out := range node.GetOutput() {
			if out == "" {
				continue
			}
			if defined[out] {
				report("value %q is produced more than once", out)
			}
			defined[out] = true
		}
	}
	for _, out := range graph.GetOutput() {
		if !defined[out.GetName()] {
			report("graph output %q is never produced", out.GetName())
		}
	}
	if len(graph.GetOutput()) == 0 {
		report("graph declares no outputs")
	}

	if len(problems) > 0 {
		return &CheckError{Problems: problems}
	}
	return nil
}

// IsCheckError reports whether err carries structural problems.
func IsCheckError(err error) bool {
	var checkErr *CheckError
	return errors.As(err, &checkErr)
}
