package entity

import (
	"fmt"
	"net"
	"strconv"

	"github.com/cockroachdb/errors"
)

// Source schemes understood by the descriptor resolver.
const (
	SchemeHTTP      = "http"
	SchemeKafka     = "kafka"
	SchemeRedis     = "redis"
	SchemeGcpPubsub = "gcppubsub"
)

// PlaceholderCredential is used for pub/sub descriptors whose URI carries no password.
// Kept for compatibility with existing source URIs. Use HasCredential() to tell it apart.
const PlaceholderCredential = "no password provided"

// ErrInvalidSourceURI is wrapped by all descriptor parse errors.
var ErrInvalidSourceURI = errors.New("invalid source URI")

// Descriptor is the parsed form of a source connection string. It is a closed set,
// implemented only by HTTPListener, StreamConsumer, PubSubSubscriber and Unrecognized.
// Dispatch sites should use an exhaustive type switch.
type Descriptor interface {
	Scheme() string
	String() string
	descriptor()
}

// HTTPListener is a webhook-style HTTP source, binding a listener at Host:Port.
type HTTPListener struct {
	Host string
	Port int
}

// StreamConsumer is a partitioned log source (Kafka), consuming Topic from the broker at Host:Port.
type StreamConsumer struct {
	Host  string
	Port  int
	Topic string
}

// PubSubProvider identifies the pub/sub transport of a PubSubSubscriber.
type PubSubProvider string

const (
	PubSubRedis PubSubProvider = SchemeRedis
	PubSubGcp   PubSubProvider = SchemeGcpPubsub
)

// PubSubSubscriber is a pub/sub source.
//
//	Redis: Host:Port is the server, Credential the AUTH password, Channel the channel name.
//	GCP:   Host is the project ID, Credential a credentials file path, Channel the subscription ID.
type PubSubSubscriber struct {
	Provider   PubSubProvider
	Host       string
	Port       int
	Credential string
	Channel    string
}

// Unrecognized is the result of parsing a URI with an unknown scheme. It is not an error
// at parse time, but engine start fails for it.
type Unrecognized struct {
	URIScheme string
}

func (HTTPListener) descriptor()     {}
func (StreamConsumer) descriptor()   {}
func (PubSubSubscriber) descriptor() {}
func (Unrecognized) descriptor()     {}

func (d HTTPListener) Scheme() string     { return SchemeHTTP }
func (d StreamConsumer) Scheme() string   { return SchemeKafka }
func (d PubSubSubscriber) Scheme() string { return string(d.Provider) }
func (d Unrecognized) Scheme() string     { return d.URIScheme }

// Address returns the host:port to bind.
func (d HTTPListener) Address() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Broker returns the host:port of the bootstrap broker.
func (d StreamConsumer) Broker() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Address returns host:port for providers addressed by network location.
func (d PubSubSubscriber) Address() string {
	if d.Port == 0 {
		return d.Host
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// HasCredential reports whether the source URI carried a real credential.
func (d PubSubSubscriber) HasCredential() bool {
	return d.Credential != "" && d.Credential != PlaceholderCredential
}

func (d HTTPListener) String() string {
	return fmt.Sprintf("http listener on %s", d.Address())
}

func (d StreamConsumer) String() string {
	return fmt.Sprintf("stream consumer of topic %q at %s", d.Topic, d.Broker())
}

// String never includes the credential.
func (d PubSubSubscriber) String() string {
	return fmt.Sprintf("%s subscriber of %q at %s (credential provided: %v)", d.Provider, d.Channel, d.Address(), d.HasCredential())
}

func (d Unrecognized) String() string {
	return fmt.Sprintf("unrecognized source scheme %q", d.URIScheme)
}
