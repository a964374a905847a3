package realtime

import (
	"context"
	"net"
	"net/url"
	"strconv"

	"go.uber.org/zap"
)

// ClientVersion is reported to the service with every connection.
const ClientVersion = "0.1.0"

// Realtime owns one connection and the channels multiplexed over it.
type Realtime struct {
	options    ClientOptions
	logger     *zap.Logger
	metrics    *clientMetrics
	connection *Connection
	channels   *Channels
}

// NewRealtime validates options and builds a client. It does not connect.
func NewRealtime(options ClientOptions) (*Realtime, error) {
	options, err := options.withDefaults()
	if err != nil {
		return nil, err
	}

	client := &Realtime{
		options: options,
		logger:  options.Logger,
		metrics: newClientMetrics(options.Registerer),
	}
	client.connection = newConnection(client)
	client.channels = newChannels(client)
	client.connection.internal.OnAny(NewListener(client.channels.onConnectionStateChange))

	return client, nil
}

// Options returns the effective options.
func (client *Realtime) Options() ClientOptions { return client.options }

// Connection returns the client's connection.
func (client *Realtime) Connection() *Connection { return client.connection }

// Channels returns the channel registry.
func (client *Realtime) Channels() *Channels { return client.channels }

// Channel returns the channel called name, creating it on first use.
func (client *Realtime) Channel(name string) *Channel { return client.channels.Get(name) }

// Connect connects the client.
func (client *Realtime) Connect(ctx context.Context) error { return client.connection.Connect(ctx) }

// Close closes the client's connection.
func (client *Realtime) Close(ctx context.Context) error { return client.connection.Close(ctx) }

func (client *Realtime) connectionURL(ctx context.Context) (string, error) {
	params, err := client.options.Auth.AuthParams(ctx)
	if err != nil {
		return "", asErrorInfo(AuthenticationError, err)
	}

	query := url.Values{}
	for key, values := range params {
		query[key] = append([]string(nil), values...)
	}
	query.Set("format", "json")
	query.Set("agent", "realtime-go/"+ClientVersion)
	if client.options.ClientID != "" {
		query.Set("clientId", client.options.ClientID)
	}

	scheme := "wss"
	if client.options.NoTLS {
		scheme = "ws"
	}
	host := client.options.RealtimeHost
	if client.options.Port != 0 {
		host = net.JoinHostPort(host, strconv.Itoa(client.options.Port))
	}

	uri := url.URL{Scheme: scheme, Host: host, Path: "/", RawQuery: query.Encode()}
	return uri.String(), nil
}
