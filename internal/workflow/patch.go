package workflow

import (
	"strings"
	"time"
)

// Params holds the request values that can be written into a template.
// Range validation happens at the HTTP boundary.
type Params struct {
	Prompt    string
	Width     int
	Height    int
	Steps     int
	CFG       float64
	Sampler   string
	Scheduler string
	// Seed is the resolved seed; see ResolveSeed.
	Seed int64
	// Image is the engine-side filename of the source image.
	Image  string
	Length int
	FPS    int
}

// Field describes one overwrite: the node, the path inside the node, and the
// request value written there.
type Field struct {
	Node  string
	Path  []string
	Value func(Params) any
}

// Key returns "node:path" for logging and tests.
func (f Field) Key() string {
	return f.Node + ":" + strings.Join(f.Path, ".")
}

// Input builds a field targeting node.inputs.name.
func Input(node, name string, value func(Params) any) Field {
	return Field{Node: node, Path: []string{"inputs", name}, Value: value}
}

// Report lists what Patch did.
type Report struct {
	Applied []string
	Skipped []string
}

// Patch clones template and applies fields to the clone. A field whose node
// or intermediate path is missing is skipped and recorded in the report, so
// templates can drop or rename nodes without breaking the service.
func Patch(template Graph, fields []Field, p Params) (Graph, Report) {
	g := template.Clone()
	var rep Report
	for _, f := range fields {
		if !g.HasNode(f.Node) || !g.set(f.Node, f.Path, f.Value(p)) {
			rep.Skipped = append(rep.Skipped, f.Key())
			continue
		}
		rep.Applied = append(rep.Applied, f.Key())
	}
	return g, rep
}

const seedModulus = 1 << 32

// ResolveSeed returns the explicit seed when one was supplied. Otherwise it
// derives one from now in microseconds modulo 2^32, which is pseudo-random but
// reproducible once logged.
func ResolveSeed(explicit *int64, now time.Time) int64 {
	if explicit != nil {
		return *explicit
	}
	us := now.UnixMicro() % seedModulus
	if us < 0 {
		us += seedModulus
	}
	return us
}
