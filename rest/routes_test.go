package rest

import "testing"

func TestBucketKey(t *testing.T) {
	cases := []struct {
		method, path, want string
	}{
		{"GET", "/channels/123456789012345678/messages/876543210987654321",
			"GET;/channels/123456789012345678/messages/:id"},
		{"GET", "/guilds/111111111111111111/members/222222222222222222",
			"GET;/guilds/111111111111111111/members/:id"},
		{"POST", "/channels/123456789012345678/messages",
			"POST;/channels/123456789012345678/messages"},
		{"DELETE", "/channels/123456789012345678/messages/876543210987654321",
			"DELETE;/channels/123456789012345678/messages/:id;delete"},
		{"GET", "/users/333333333333333333",
			"GET;/users/:id"},
		{"PUT", "/channels/123456789012345678/messages/876543210987654321/reactions/%F0%9F%98%80/@me",
			"PUT;/channels/123456789012345678/messages/:id/reactions/:emoji/@me"},
		{"POST", "/webhooks/444444444444444444/sometoken",
			"POST;/webhooks/444444444444444444/sometoken"},
	}
	for _, c := range cases {
		if got := BucketKey(c.method, c.path); got != c.want {
			t.Errorf("BucketKey(%s, %s) = %q, want %q", c.method, c.path, got, c.want)
		}
	}
}

func TestBucketKey_SameRouteSharesBucket(t *testing.T) {
	a := BucketKey("GET", "/channels/123456789012345678/messages/111111111111111111")
	b := BucketKey("GET", "/channels/123456789012345678/messages/222222222222222222")
	if a != b {
		t.Fatalf("message ids must not split buckets: %q vs %q", a, b)
	}

	c := BucketKey("GET", "/channels/999999999999999999/messages/111111111111111111")
	if a == c {
		t.Fatal("distinct channels must use distinct buckets")
	}
}
