package usage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassMapping(t *testing.T) {
	assert.Equal(t, ClassQueue, Queue.Class())
	assert.Equal(t, ClassHealthCheck, HealthCheck.Class())
	assert.Equal(t, ClassHealthCheck, Repair.Class())
	assert.Equal(t, ClassHealthCheck, Analysis.Class())
	assert.Equal(t, ClassStreaming, Streaming.Class())
	assert.Equal(t, ClassStreaming, BufferedStreaming.Class())
	assert.Equal(t, ClassStreaming, PlexPlayback.Class())
	assert.Equal(t, ClassStreaming, PlexBackground.Class())
	assert.Equal(t, ClassStreaming, Unknown.Class())
}

func TestDeferenceAndPriorityFlags(t *testing.T) {
	for _, u := range []Type{HealthCheck, Queue, PlexBackground, BufferedStreaming} {
		assert.True(t, u.DefersToPlayback(), "%s should defer", u)
	}
	for _, u := range []Type{Streaming, PlexPlayback, Repair, Analysis, Unknown} {
		assert.False(t, u.DefersToPlayback(), "%s should not defer", u)
	}

	assert.True(t, HealthCheck.LowPriority())
	assert.True(t, Repair.LowPriority())
	assert.False(t, Analysis.LowPriority())
	assert.False(t, Streaming.LowPriority())

	// repair is background for selection purposes but never defers mid-rank
	assert.True(t, Repair.IsBackground())
	assert.False(t, Repair.DefersToPlayback())
	assert.False(t, PlexPlayback.IsBackground())
}

func TestContextRoundTrip(t *testing.T) {
	u := Context{
		Type:         BufferedStreaming,
		JobKey:       "Some.Release.2160p",
		Range:        ByteRange{Start: 4096, End: 1 << 20},
		ProviderHint: "eu-primary",
	}
	ctx := WithContext(context.Background(), u)

	got, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, u, got)
	assert.Equal(t, BufferedStreaming, TypeFromContext(ctx))

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
	assert.Equal(t, Unknown, TypeFromContext(context.Background()))
	assert.Equal(t, "unknown", Unknown.String())
}
