package listen

import (
	"testing"

	rdb "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/kvmapd/kvmapd/internal/kvmap"
)

func TestNewPublisherDefaultsTopic(t *testing.T) {
	p := NewPublisher(rdb.NewClient(&rdb.Options{Addr: "127.0.0.1:0"}), nil, "")
	require.Equal(t, defaultTopic, p.topic)
}

func TestPublishEmptyEventsIsNoop(t *testing.T) {
	p := NewPublisher(rdb.NewClient(&rdb.Options{Addr: "127.0.0.1:0"}), nil, "custom")
	require.Equal(t, "custom", p.topic)
	// Publishing zero events must not attempt any network I/O.
	p.Publish(7, []kvmap.Event{})
}

func TestSessionTopicIsKeyedBySessionID(t *testing.T) {
	require.Equal(t, "kvmap:events:7", sessionTopic(defaultTopic, 7))
	require.Equal(t, "custom:42", sessionTopic("custom", 42))
	require.NotEqual(t, sessionTopic("custom", 1), sessionTopic("custom", 2))
}
