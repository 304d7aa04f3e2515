//
// Tencent is pleased to support the open source community by making trpc-agent-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-agent-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"fmt"
	"io"
	"sort"
	"strings"
)

// Layout directions understood by both renderers.
const (
	// RankDirLR sets a left-to-right layout.
	RankDirLR = "LR"
	// RankDirTB sets a top-to-bottom layout.
	RankDirTB = "TB"
)

const (
	shapeBox     = "box"
	shapeDiamond = "diamond"
	shapeHexagon = "hexagon"
	shapeOval    = "oval"

	colorStageFill    = "#e3f2fd"
	colorStageBorder  = "#2196f3"
	colorForkFill     = "#e8f5e9"
	colorForkBorder   = "#4caf50"
	colorJoinFill     = "#f3e5f5"
	colorJoinBorder   = "#9c27b0"
	colorRouterFill   = "#eeeeee"
	colorRouterBorder = "#757575"
	colorStartFill    = "#e1f5e1"
	colorStartBorder  = colorForkBorder
	colorEndFill      = "#ffe1e1"
	colorEndBorder    = "#f44336"

	colorConditionalEdge = "#999999"
)

// VizOptions configures DOT and Mermaid export.
type VizOptions struct {
	// RankDir is "LR" or "TB".
	RankDir string
	// IncludeStartEnd toggles the virtual Start and End nodes.
	IncludeStartEnd bool
	// GraphLabel optionally titles the graph.
	GraphLabel string
}

// VizOption mutates VizOptions.
type VizOption func(*VizOptions)

// WithRankDir sets the layout direction. Valid values: "LR", "TB".
func WithRankDir(dir string) VizOption {
	return func(o *VizOptions) {
		if dir == RankDirLR || dir == RankDirTB {
			o.RankDir = dir
		}
	}
}

// WithIncludeStartEnd toggles rendering of Start/End virtual nodes.
func WithIncludeStartEnd(include bool) VizOption {
	return func(o *VizOptions) { o.IncludeStartEnd = include }
}

// WithGraphLabel sets an optional label for the graph.
func WithGraphLabel(label string) VizOption {
	return func(o *VizOptions) { o.GraphLabel = label }
}

func defaultVizOptions(opts []VizOption) *VizOptions {
	o := &VizOptions{RankDir: RankDirLR, IncludeStartEnd: true}
	for _, fn := range opts {
		fn(o)
	}
	return o
}

type stageKind int

const (
	kindStage stageKind = iota
	kindFork
	kindJoin
	kindRouter
)

func (p *Plan) kindOf(id string) stageKind {
	switch {
	case p.IsJoin(id):
		return kindJoin
	case len(p.edges[id]) > 1:
		return kindFork
	default:
		if _, ok := p.conditionalEdges[id]; ok {
			return kindRouter
		}
		return kindStage
	}
}

// vizEdge is one rendered edge. Conditional edges are dashed.
type vizEdge struct {
	from, to    string
	conditional bool
}

// vizEdges lists the plan's edges in a stable order.
func (p *Plan) vizEdges(o *VizOptions) []vizEdge {
	var out []vizEdge
	if o.IncludeStartEnd {
		out = append(out, vizEdge{from: Start, to: p.entryPoint})
	}
	for _, from := range p.order {
		for _, e := range p.edges[from] {
			if e.To == End && !o.IncludeStartEnd {
				continue
			}
			out = append(out, vizEdge{from: from, to: e.To})
		}
		if ce, ok := p.conditionalEdges[from]; ok {
			for _, to := range ce.DestinationList() {
				if to == End && !o.IncludeStartEnd {
					continue
				}
				out = append(out, vizEdge{from: from, to: to, conditional: true})
			}
		}
	}
	return out
}

// DOT returns a Graphviz DOT representation of the plan. Forks, joins and
// routers get distinct shapes; conditional edges are dashed.
func (p *Plan) DOT(opts ...VizOption) string {
	o := defaultVizOptions(opts)
	var b strings.Builder
	b.WriteString("digraph G {\n")
	fmt.Fprintf(&b, "  rankdir=%s;\n", o.RankDir)
	b.WriteString("  node [fontname=\"Helvetica\"];\n")
	b.WriteString("  edge [fontname=\"Helvetica\"];\n")
	if o.GraphLabel != "" {
		fmt.Fprintf(&b, "  label=\"%s\";\n  labelloc=t;\n", escapeLabel(o.GraphLabel))
	}
	if o.IncludeStartEnd {
		fmt.Fprintf(&b, "  \"%s\" [label=\"start\", shape=%s, style=filled, fillcolor=\"%s\", color=\"%s\"];\n",
			Start, shapeOval, colorStartFill, colorStartBorder)
		fmt.Fprintf(&b, "  \"%s\" [label=\"finish\", shape=%s, style=filled, fillcolor=\"%s\", color=\"%s\"];\n",
			End, shapeOval, colorEndFill, colorEndBorder)
	}
	ids := p.Stages()
	sort.Strings(ids)
	for _, id := range ids {
		shape, fill, color := styleFor(p.kindOf(id))
		fmt.Fprintf(&b, "  \"%s\" [label=\"%s\", shape=%s, style=filled, fillcolor=\"%s\", color=\"%s\"];\n",
			escapeLabel(id), escapeLabel(id), shape, fill, color)
	}
	for _, e := range p.vizEdges(o) {
		if e.conditional {
			fmt.Fprintf(&b, "  \"%s\" -> \"%s\" [style=dashed, color=\"%s\"];\n",
				escapeLabel(e.from), escapeLabel(e.to), colorConditionalEdge)
			continue
		}
		fmt.Fprintf(&b, "  \"%s\" -> \"%s\";\n", escapeLabel(e.from), escapeLabel(e.to))
	}
	if !o.IncludeStartEnd {
		fmt.Fprintf(&b, "  \"%s\" [peripheries=2];\n", escapeLabel(p.entryPoint))
	}
	b.WriteString("}\n")
	return b.String()
}

// WriteDOT writes the DOT representation to w.
func (p *Plan) WriteDOT(w io.Writer, opts ...VizOption) error {
	_, err := io.WriteString(w, p.DOT(opts...))
	return err
}

// Mermaid returns a Mermaid flowchart of the plan.
func (p *Plan) Mermaid(opts ...VizOption) string {
	o := defaultVizOptions(opts)
	ids := make(map[string]string)
	mid := func(id string) string {
		if m, ok := ids[id]; ok {
			return m
		}
		m := fmt.Sprintf("n%d", len(ids))
		ids[id] = m
		return m
	}

	var b strings.Builder
	if o.GraphLabel != "" {
		fmt.Fprintf(&b, "---\ntitle: %s\n---\n", o.GraphLabel)
	}
	fmt.Fprintf(&b, "flowchart %s\n", o.RankDir)
	if o.IncludeStartEnd {
		fmt.Fprintf(&b, "  %s([start])\n", mid(Start))
		fmt.Fprintf(&b, "  %s([finish])\n", mid(End))
	}
	for _, id := range p.order {
		label := escapeMermaid(id)
		switch p.kindOf(id) {
		case kindJoin, kindRouter:
			fmt.Fprintf(&b, "  %s{\"%s\"}\n", mid(id), label)
		case kindFork:
			fmt.Fprintf(&b, "  %s{{\"%s\"}}\n", mid(id), label)
		default:
			fmt.Fprintf(&b, "  %s[\"%s\"]\n", mid(id), label)
		}
	}
	for _, e := range p.vizEdges(o) {
		arrow := "-->"
		if e.conditional {
			arrow = "-.->"
		}
		fmt.Fprintf(&b, "  %s %s %s\n", mid(e.from), arrow, mid(e.to))
	}
	return b.String()
}

func styleFor(kind stageKind) (shape, fill, color string) {
	switch kind {
	case kindFork:
		return shapeHexagon, colorForkFill, colorForkBorder
	case kindJoin:
		return shapeDiamond, colorJoinFill, colorJoinBorder
	case kindRouter:
		return shapeDiamond, colorRouterFill, colorRouterBorder
	default:
		return shapeBox, colorStageFill, colorStageBorder
	}
}

// escapeLabel escapes label strings for DOT.
func escapeLabel(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

func escapeMermaid(s string) string {
	return strings.ReplaceAll(s, "\"", "#quot;")
}
