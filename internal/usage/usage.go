package usage

import "context"

// Type classifies why a connection or permit is being requested.
type Type string

const (
	Unknown           Type = ""
	Queue             Type = "queue"
	Streaming         Type = "streaming"
	BufferedStreaming Type = "buffered_streaming"
	HealthCheck       Type = "health_check"
	Repair            Type = "repair"
	Analysis          Type = "analysis"
	PlexPlayback      Type = "plex_playback"
	PlexBackground    Type = "plex_background"
)

// Class is the admission bucket a usage type draws permits from.
type Class string

const (
	ClassQueue       Class = "queue"
	ClassHealthCheck Class = "healthcheck"
	ClassStreaming   Class = "streaming"
)

// Class maps a usage type to its admission bucket. Repair and Analysis
// share the HealthCheck gate; anything unclassified shares Streaming.
func (t Type) Class() Class {
	switch t {
	case Queue:
		return ClassQueue
	case HealthCheck, Repair, Analysis:
		return ClassHealthCheck
	default:
		return ClassStreaming
	}
}

// IsBackground reports whether this usage should defer to real playback
// when picking a provider.
func (t Type) IsBackground() bool {
	switch t {
	case HealthCheck, Repair, Analysis, Queue, PlexBackground, BufferedStreaming:
		return true
	}
	return false
}

// DefersToPlayback reports whether provider selection for this usage should
// step aside when verified playback is active elsewhere. PlexPlayback never
// defers.
func (t Type) DefersToPlayback() bool {
	switch t {
	case HealthCheck, Queue, PlexBackground, BufferedStreaming:
		return true
	}
	return false
}

// LowPriority usage competes for pool slots behind everything else: a pool
// only grants it a connection if enough capacity remains free afterwards.
func (t Type) LowPriority() bool {
	return t == HealthCheck || t == Repair
}

func (t Type) String() string {
	if t == Unknown {
		return "unknown"
	}
	return string(t)
}

// ByteRange is the half-open byte window a streaming read targets, when known.
type ByteRange struct {
	Start, End int64
}

// Context tags one logical operation. Immutable once created; attach it to
// the request context with WithContext and read it back with FromContext.
type Context struct {
	Type         Type
	JobKey       string // affinity key, typically the release folder name
	Range        ByteRange
	ProviderHint string
}

type ctxKey struct{}

func WithContext(ctx context.Context, u Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, u)
}

func FromContext(ctx context.Context) (Context, bool) {
	u, ok := ctx.Value(ctxKey{}).(Context)
	return u, ok
}

// TypeFromContext is the common read: the tagged type, or Unknown.
func TypeFromContext(ctx context.Context) Type {
	if u, ok := FromContext(ctx); ok {
		return u.Type
	}
	return Unknown
}
