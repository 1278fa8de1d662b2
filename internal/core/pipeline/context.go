package pipeline

// StageContext is the immutable snapshot of artifacts visible to one stage.
// Stages never share a mutable object: Merge copies, so a context handed to
// a downstream stage cannot be altered by a concurrently running sibling.
type StageContext struct {
	artifacts map[string]string
	calSet    string
}

// NewStageContext returns an empty context.
func NewStageContext() StageContext {
	return StageContext{artifacts: map[string]string{}}
}

// Artifact returns the value recorded under name, if any.
func (c StageContext) Artifact(name string) (string, bool) {
	v, ok := c.artifacts[name]
	return v, ok
}

// Artifacts returns a copy of all recorded artifacts.
func (c StageContext) Artifacts() map[string]string {
	out := make(map[string]string, len(c.artifacts))
	for k, v := range c.artifacts {
		out[k] = v
	}
	return out
}

// CalSet returns the calibration set name attached to this context, if any.
func (c StageContext) CalSet() string {
	return c.calSet
}

// Merge returns a new context with produced artifacts layered on top of c.
// Later values win on name collision. The receiver is unchanged.
func (c StageContext) Merge(produced ArtifactSet) StageContext {
	next := StageContext{
		artifacts: make(map[string]string, len(c.artifacts)+len(produced.Artifacts)),
		calSet:    c.calSet,
	}
	for k, v := range c.artifacts {
		next.artifacts[k] = v
	}
	for k, v := range produced.Artifacts {
		next.artifacts[k] = v
	}
	if produced.CalSet != "" {
		next.calSet = produced.CalSet
	}
	return next
}

// ArtifactSet is what one stage returns: named artifact paths/identifiers and
// optionally the calibration set it deposited or resolved.
type ArtifactSet struct {
	Artifacts map[string]string
	CalSet    string
}
