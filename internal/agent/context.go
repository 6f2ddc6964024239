package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/banshohq/bansho/internal/model"
)

const (
	digestTextSampleLimit = 20
	digestTextRuneLimit   = 80
)

// BuildContext renders the board state block included in the system prompt.
// Under rowLimit total rows the full snapshot is listed; above it a compact
// digest bounds prompt cost independent of board size. Selected objects are
// always listed in full, even in digest mode.
func BuildContext(snap model.BoardSnapshot, reqCtx model.RequestContext, rowLimit int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Board version: %d\n", snap.Version)
	fmt.Fprintf(&b, "Objects: %d, connectors: %d\n", snap.Counts.Objects, snap.Counts.Connectors)

	if reqCtx.Viewport != nil {
		vp := reqCtx.Viewport
		fmt.Fprintf(&b, "Viewport: x=%.0f y=%.0f w=%.0f h=%.0f\n", vp.X, vp.Y, vp.W, vp.H)
	}

	total := snap.Counts.Objects + snap.Counts.Connectors
	if total <= rowLimit {
		writeFullSnapshot(&b, snap)
	} else {
		writeDigest(&b, snap, rowLimit)
	}

	writeSelection(&b, snap, reqCtx.Selection)
	return b.String()
}

func writeFullSnapshot(b *strings.Builder, snap model.BoardSnapshot) {
	if len(snap.Objects) > 0 {
		b.WriteString("All objects:\n")
		for _, obj := range snap.Objects {
			writeObjectLine(b, obj)
		}
	}
	if len(snap.Connectors) > 0 {
		b.WriteString("Connectors:\n")
		for _, obj := range snap.Connectors {
			writeObjectLine(b, obj)
		}
	}
}

func writeDigest(b *strings.Builder, snap model.BoardSnapshot, rowLimit int) {
	histogram := map[model.ObjectKind]int{}
	for _, obj := range snap.Objects {
		histogram[obj.Kind]++
	}
	kinds := make([]string, 0, len(histogram))
	for k := range histogram {
		kinds = append(kinds, string(k))
	}
	sort.Strings(kinds)

	b.WriteString("Board too large for a full listing; summary:\n")
	for _, k := range kinds {
		fmt.Fprintf(b, "  %s: %d\n", k, histogram[model.ObjectKind(k)])
	}

	if minX, minY, maxX, maxY, ok := boundingBox(snap.Objects); ok {
		fmt.Fprintf(b, "Bounding box: (%.0f, %.0f) to (%.0f, %.0f)\n", minX, minY, maxX, maxY)
	}

	sampled := 0
	for _, obj := range snap.Objects {
		if sampled >= digestTextSampleLimit {
			break
		}
		text, ok := obj.Props["text"].(string)
		if !ok || text == "" {
			continue
		}
		if sampled == 0 {
			b.WriteString("Sample of text content:\n")
		}
		writeObjectLine(b, obj)
		sampled++
	}

	truncated := snap.Counts.Objects + snap.Counts.Connectors - sampled
	fmt.Fprintf(b, "(%d rows not shown)\n", truncated)
}

// writeSelection always lists selected objects in full, regardless of digest
// mode: the command most likely refers to them.
func writeSelection(b *strings.Builder, snap model.BoardSnapshot, selection []uuid.UUID) {
	if len(selection) == 0 {
		return
	}
	selected := make(map[uuid.UUID]bool, len(selection))
	for _, id := range selection {
		selected[id] = true
	}
	b.WriteString("Currently selected:\n")
	for _, obj := range append(snap.Objects, snap.Connectors...) {
		if selected[obj.ID] {
			writeObjectLine(b, obj)
		}
	}
}

func writeObjectLine(b *strings.Builder, obj model.BoardObject) {
	fmt.Fprintf(b, "  - %s %s", obj.Kind, obj.ID)
	if x, ok := obj.Props["x"].(float64); ok {
		if y, yok := obj.Props["y"].(float64); yok {
			fmt.Fprintf(b, " at (%.0f, %.0f)", x, y)
		}
	}
	if text, ok := obj.Props["text"].(string); ok && text != "" {
		runes := []rune(text)
		if len(runes) > digestTextRuneLimit {
			text = string(runes[:digestTextRuneLimit]) + "…"
		}
		fmt.Fprintf(b, " %q", text)
	}
	b.WriteString("\n")
}

func boundingBox(objects []model.BoardObject) (minX, minY, maxX, maxY float64, ok bool) {
	for _, obj := range objects {
		x, xok := obj.Props["x"].(float64)
		y, yok := obj.Props["y"].(float64)
		if !xok || !yok {
			continue
		}
		w, _ := obj.Props["width"].(float64)
		h, _ := obj.Props["height"].(float64)
		if !ok {
			minX, minY, maxX, maxY, ok = x, y, x+w, y+h, true
			continue
		}
		minX = min(minX, x)
		minY = min(minY, y)
		maxX = max(maxX, x+w)
		maxY = max(maxY, y+h)
	}
	return minX, minY, maxX, maxY, ok
}
