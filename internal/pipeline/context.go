package pipeline

import (
	"sync/atomic"

	"versionbridge/internal/buffer"
)

// Context binds a stage to its position in a pipeline.
type Context struct {
	name     string
	pipeline *Pipeline
	removed  atomic.Bool
}

// Name returns the stage name.
func (c *Context) Name() string { return c.name }

// Pipeline returns the pipeline the stage was added to.
func (c *Context) Pipeline() *Pipeline { return c.pipeline }

// Channel returns the owning channel.
func (c *Context) Channel() *Channel { return c.pipeline.channel }

// Alloc returns the channel's buffer pool.
func (c *Context) Alloc() *buffer.Pool { return c.pipeline.channel.alloc }

// Removed reports whether the stage has been removed from the pipeline.
func (c *Context) Removed() bool { return c.removed.Load() }
