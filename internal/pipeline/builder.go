package pipeline

// Builder provides a fluent interface for building pipelines.
type Builder struct {
	config Config
}

func NewBuilder() *Builder {
	return &Builder{
		config: Config{
			BufferSize: 1024,
		},
	}
}

func (b *Builder) WithSource(s Source) *Builder {
	b.config.Source = s
	return b
}

func (b *Builder) WithDecoder(d Decoder) *Builder {
	b.config.Decoder = d
	return b
}

func (b *Builder) WithDNS(d DNSTracker) *Builder {
	b.config.DNS = d
	return b
}

// WithPacketBuffer sets the buffer whose correlation ids reach the sessions.
func (b *Builder) WithPacketBuffer(pb PacketBuffer) *Builder {
	b.config.Packets = pb
	return b
}

// WithDumpBuffer sets the local archive buffer.
func (b *Builder) WithDumpBuffer(pb PacketBuffer) *Builder {
	b.config.Dump = pb
	return b
}

func (b *Builder) WithSessions(s SessionTracker) *Builder {
	b.config.Sessions = s
	return b
}

// WithPacing enables replay pacing.
func (b *Builder) WithPacing(enabled bool) *Builder {
	b.config.Pacing = enabled
	return b
}

func (b *Builder) WithSleep(fn SleepFunc) *Builder {
	b.config.Sleep = fn
	return b
}

func (b *Builder) WithBufferSize(size int) *Builder {
	b.config.BufferSize = size
	return b
}

func (b *Builder) Build() *Pipeline {
	return New(b.config)
}
