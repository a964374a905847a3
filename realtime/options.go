package realtime

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Defaults applied by NewRealtime.
const (
	DefaultRealtimeHost           = "realtime.ably.io"
	DefaultRealtimeRequestTimeout = 10 * time.Second
)

// AuthProvider supplies the credential query parameters of the connection URL.
type AuthProvider interface {
	AuthParams(ctx context.Context) (url.Values, error)
}

// AuthProviderFunc adapts a function to AuthProvider.
type AuthProviderFunc func(ctx context.Context) (url.Values, error)

func (f AuthProviderFunc) AuthParams(ctx context.Context) (url.Values, error) { return f(ctx) }

// KeyAuth authenticates with an API key.
type KeyAuth string

// AuthParams returns the key parameter.
func (key KeyAuth) AuthParams(context.Context) (url.Values, error) {
	if strings.TrimSpace(string(key)) == "" {
		return nil, NewError(AuthenticationError, "no API key configured")
	}
	return url.Values{"key": []string{string(key)}}, nil
}

// ClientOptions configures a Realtime client.
type ClientOptions struct {
	// Key is an API key; ignored when Auth is set.
	Key  string
	Auth AuthProvider

	ClientID string

	RealtimeHost string
	Port         int
	// NoTLS selects ws:// instead of wss://.
	NoTLS bool

	// RealtimeRequestTimeout bounds pending attach/detach negotiations and
	// connection establishment.
	RealtimeRequestTimeout time.Duration

	Dialer  Dialer
	Decoder MessageDecoder

	Logger     *zap.Logger
	Registerer prometheus.Registerer
}

func (options ClientOptions) withDefaults() (ClientOptions, error) {
	if options.Auth == nil {
		if strings.TrimSpace(options.Key) == "" {
			return options, NewError(InvalidArgumentError, "a key or an auth provider is required")
		}
		options.Auth = KeyAuth(options.Key)
	}
	if options.RealtimeHost == "" {
		options.RealtimeHost = DefaultRealtimeHost
	}
	if options.RealtimeRequestTimeout <= 0 {
		options.RealtimeRequestTimeout = DefaultRealtimeRequestTimeout
	}
	if options.Port < 0 || options.Port > 65535 {
		return options, NewError(InvalidArgumentError, "port out of range")
	}
	if options.Dialer == nil {
		options.Dialer = NewWebsocketDialer(options.RealtimeRequestTimeout)
	}
	if options.Decoder == nil {
		options.Decoder = DefaultDecoder{}
	}
	if options.Logger == nil {
		options.Logger = zap.NewNop()
	}
	return options, nil
}
