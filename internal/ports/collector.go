package ports

import "github.com/ghalamif/como/internal/domain"

// SourceSink receives source lifecycle calls on the publisher side.
type SourceSink interface {
	InitSource(s domain.Source) error
	UpdateSource(s domain.Source) error
	DeinitSource(s domain.Source) error
}

// Collector feeds sources from an external system into a SourceSink.
type Collector interface {
	Start(sink SourceSink) error
	Stop() error
}
