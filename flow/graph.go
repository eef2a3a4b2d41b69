package flow

import (
	"fmt"
	"io"

	"github.com/colorfulnotion/vmx86/symbols"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
)

var jumpTypeColors = map[int]string{
	TRAP_JUMP:        "red",
	DIRECT_JUMP:      "green",
	INDIRECT_JUMP:    "orange",
	CONDITIONAL:      "blue",
	FALLTHROUGH_JUMP: "gray",
}

// NewGraph builds a force-layout chart of blocks and their successor links.
func NewGraph(blocks []*Block, r symbols.Resolver) *charts.Graph {
	graph := charts.NewGraph()
	graph.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "Control flow",
			Subtitle: fmt.Sprintf("%d blocks", len(blocks)),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	nodes, links := graphData(blocks, r)
	graph.AddSeries("blocks", nodes, links).SetSeriesOptions(
		charts.WithGraphChartOpts(opts.GraphChart{
			Force:  &opts.GraphForce{Repulsion: 1000, Gravity: 0.3},
			Layout: "force",
			Roam:   opts.Bool(true),
		}),
		charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Position: "right", Formatter: "{b}"}),
	)
	return graph
}

func graphData(blocks []*Block, r symbols.Resolver) ([]opts.GraphNode, []opts.GraphLink) {
	nodes := make([]opts.GraphNode, 0, len(blocks))
	links := make([]opts.GraphLink, 0)
	known := make(map[*Block]bool, len(blocks))
	for _, b := range blocks {
		known[b] = true
	}
	for _, b := range blocks {
		nodes = append(nodes, opts.GraphNode{
			Name:  symbols.Format(r, b.Address()),
			Value: float32(b.Executions()),
			Tooltip: &opts.Tooltip{
				Show: opts.Bool(true),
				Formatter: types.FuncStr(fmt.Sprintf("Block: 0x%016x<br>Instructions: %d<br>Exit: %s<br>Executions: %d",
					b.Address(), b.Len(), jumpTypeNames[b.JumpType()], b.Executions())),
			},
			ItemStyle: &opts.ItemStyle{Color: jumpTypeColors[b.JumpType()]},
		})
		for _, s := range b.Successors() {
			if !known[s] {
				continue
			}
			links = append(links, opts.GraphLink{
				Source: symbols.Format(r, b.Address()),
				Target: symbols.Format(r, s.Address()),
			})
		}
	}
	return nodes, links
}

// RenderGraph writes an HTML page with the control-flow chart.
func RenderGraph(w io.Writer, blocks []*Block, r symbols.Resolver) error {
	page := components.NewPage()
	page.AddCharts(NewGraph(blocks, r))
	return page.Render(w)
}
