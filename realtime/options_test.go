package realtime

import (
	"context"
	"testing"
)

func TestNewRealtimeRequiresCredentials(t *testing.T) {
	if _, err := NewRealtime(ClientOptions{}); !IsKind(err, InvalidArgumentError) {
		t.Fatalf("expected invalid argument error, got %v", err)
	}
	if _, err := NewRealtime(ClientOptions{Key: "k", Port: 70000}); !IsKind(err, InvalidArgumentError) {
		t.Fatalf("expected port validation error, got %v", err)
	}
}

func TestNewRealtimeDefaults(t *testing.T) {
	client, err := NewRealtime(ClientOptions{Key: "app.key:secret"})
	if err != nil {
		t.Fatalf("NewRealtime failed: %v", err)
	}
	options := client.Options()
	if options.RealtimeHost != DefaultRealtimeHost || options.RealtimeRequestTimeout != DefaultRealtimeRequestTimeout {
		t.Fatalf("unexpected defaults %+v", options)
	}
	if options.Dialer == nil || options.Decoder == nil || options.Logger == nil {
		t.Fatalf("expected collaborators to be defaulted")
	}
	if _, isKeyAuth := options.Auth.(KeyAuth); !isKeyAuth {
		t.Fatalf("expected key auth, got %T", options.Auth)
	}
	if client.Connection().State() != ConnectionStateInitialized {
		t.Fatalf("a new client must not connect")
	}

	uri, err := client.connectionURL(context.Background())
	if err != nil || uri[:len("wss://"+DefaultRealtimeHost+"/")] != "wss://"+DefaultRealtimeHost+"/" {
		t.Fatalf("unexpected url %q (%v)", uri, err)
	}
}

func TestKeyAuthRejectsBlankKey(t *testing.T) {
	if _, err := KeyAuth("  ").AuthParams(context.Background()); !IsKind(err, AuthenticationError) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	params, err := KeyAuth("a:b").AuthParams(context.Background())
	if err != nil || params.Get("key") != "a:b" {
		t.Fatalf("unexpected params %v (%v)", params, err)
	}
}
