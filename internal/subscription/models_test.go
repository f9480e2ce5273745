package subscription_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tarotjournal/tarotjournal/internal/subscription"
)

func TestID(t *testing.T) {
	endpoint := "https://fcm.googleapis.com/fcm/send/abc123"

	id := subscription.ID(endpoint)
	assert.Len(t, id, 43)
	assert.Equal(t, id, subscription.ID(endpoint))
	assert.NotContains(t, id, "+")
	assert.NotContains(t, id, "/")
	assert.NotContains(t, id, "=")
}

func TestID_SharedPrefixDoesNotCollide(t *testing.T) {
	prefix := "https://fcm.googleapis.com/fcm/send/" + strings.Repeat("x", 40)

	assert.NotEqual(t, subscription.ID(prefix+"device-a"), subscription.ID(prefix+"device-b"))
}

func TestShortEndpoint(t *testing.T) {
	assert.Equal(t, "https://push.example/a", subscription.ShortEndpoint("https://push.example/a"))

	long := "https://fcm.googleapis.com/fcm/send/" + strings.Repeat("k", 100)
	short := subscription.ShortEndpoint(long)
	assert.Len(t, short, 51)
	assert.True(t, strings.HasSuffix(short, "..."))
}
