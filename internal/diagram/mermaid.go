package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a model as a Mermaid flowchart.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")

	// Title as comment.
	if model.Title != "" {
		b.WriteString(fmt.Sprintf("    %%%% %s\n", model.Title))
	}

	// Nodes with shapes based on kind, subgraphs for children.
	for _, node := range model.Nodes {
		b.WriteString(fmt.Sprintf("    %s\n", mermaidNodeDef(node)))

		for _, sg := range node.Children {
			b.WriteString(fmt.Sprintf("    subgraph %s[\"%s: %s\"]\n",
				mermaidSafeID(node.ID+"_"+sg.Label), node.ID, sg.Label))
			for _, subNode := range sg.Nodes {
				b.WriteString(fmt.Sprintf("        %s\n", mermaidNodeDef(subNode)))
			}
			for _, edge := range sg.Edges {
				b.WriteString(fmt.Sprintf("        %s --> %s\n",
					mermaidSafeID(edge.From), mermaidSafeID(edge.To)))
			}
			b.WriteString("    end\n")
		}
	}

	// Edges.
	for _, edge := range model.Edges {
		b.WriteString(fmt.Sprintf("    %s --> %s\n",
			mermaidSafeID(edge.From), mermaidSafeID(edge.To)))
	}

	// Status class definitions.
	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")
	b.WriteString("    classDef skipped fill:#4a4a4a,stroke:#333,color:#aaa,stroke-dasharray:5 5\n")

	// Apply status classes.
	for _, node := range model.Nodes {
		writeStatusClass(&b, node)
		for _, sg := range node.Children {
			for _, subNode := range sg.Nodes {
				writeStatusClass(&b, subNode)
			}
		}
	}

	return b.String()
}

func writeStatusClass(b *strings.Builder, node *Node) {
	if node.Status == nil {
		return
	}
	cls := mermaidStatusClass(node.Status.Status)
	if cls == "" {
		return
	}
	fmt.Fprintf(b, "    class %s %s\n", mermaidSafeID(node.ID), cls)
}

// mermaidNodeDef returns a Mermaid node definition with the appropriate shape.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := node.Label

	switch node.Kind {
	case NodeKindCondition:
		return fmt.Sprintf("%s{%q}", id, label)
	case NodeKindLoop, NodeKindParallel:
		return fmt.Sprintf("%s[[%q]]", id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf("%s((%q))", id, label)
	default: // task
		return fmt.Sprintf("%s[%q]", id, label)
	}
}

// mermaidSafeID converts a node id to a Mermaid-safe identifier. Dots,
// dashes and spaces become underscores. A bare "end" is the flowchart
// subgraph terminator, and "end" is a common id for the final step, so it
// gets a trailing underscore.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	safe := r.Replace(id)
	if safe == "end" {
		return "end_"
	}
	return safe
}

// mermaidStatusClass maps a step status to a class name. Statuses map onto
// class names one to one; anything unrecognized renders unstyled.
func mermaidStatusClass(status string) string {
	switch status {
	case "completed", "failed", "running", "pending", "skipped":
		return status
	default:
		return ""
	}
}
