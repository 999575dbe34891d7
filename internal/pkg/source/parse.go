// Package source resolves source connection strings into entity.Descriptor values.
package source

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/zpiroux/megaetl/entity"
)

const (
	DefaultHTTPPort     = 80
	DefaultKafkaPort    = 9092
	DefaultRedisPort    = 6379
	DefaultRedisChannel = "megaetl"
)

// Parse resolves a source URI. URIs with an unknown scheme resolve to entity.Unrecognized
// without error. All returned errors match entity.ErrInvalidSourceURI.
func Parse(uri string) (entity.Descriptor, error) {

	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return nil, invalid(err, uri, "unparsable")
	}
	if u.Scheme == "" {
		return nil, invalid(nil, uri, "missing scheme")
	}

	// url.Parse lower-cases the scheme
	switch u.Scheme {
	case entity.SchemeHTTP:
		return parseHTTP(u, uri)
	case entity.SchemeKafka:
		return parseKafka(u, uri)
	case entity.SchemeRedis:
		return parseRedis(u, uri)
	case entity.SchemeGcpPubsub:
		return parseGcpPubsub(u, uri)
	default:
		return entity.Unrecognized{URIScheme: u.Scheme}, nil
	}
}

func parseHTTP(u *url.URL, uri string) (entity.Descriptor, error) {
	host, port, err := hostPort(u, uri, DefaultHTTPPort)
	if err != nil {
		return nil, err
	}
	return entity.HTTPListener{Host: host, Port: port}, nil
}

func parseKafka(u *url.URL, uri string) (entity.Descriptor, error) {
	host, port, err := hostPort(u, uri, DefaultKafkaPort)
	if err != nil {
		return nil, err
	}
	topic := firstSegment(u)
	if topic == "" {
		return nil, invalid(nil, uri, "missing topic (expected kafka://host:port/<topic>)")
	}
	return entity.StreamConsumer{Host: host, Port: port, Topic: topic}, nil
}

func parseRedis(u *url.URL, uri string) (entity.Descriptor, error) {
	host, port, err := hostPort(u, uri, DefaultRedisPort)
	if err != nil {
		return nil, err
	}
	channel := firstSegment(u)
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return entity.PubSubSubscriber{
		Provider:   entity.PubSubRedis,
		Host:       host,
		Port:       port,
		Credential: credential(u),
		Channel:    channel,
	}, nil
}

func parseGcpPubsub(u *url.URL, uri string) (entity.Descriptor, error) {
	project := u.Hostname()
	if project == "" {
		return nil, invalid(nil, uri, "missing GCP project")
	}
	if u.Port() != "" {
		return nil, invalid(nil, uri, "port not supported for gcppubsub")
	}
	subscription := firstSegment(u)
	if subscription == "" {
		return nil, invalid(nil, uri, "missing subscription (expected gcppubsub://<project>/<subscription>)")
	}
	return entity.PubSubSubscriber{
		Provider:   entity.PubSubGcp,
		Host:       project,
		Credential: credential(u),
		Channel:    subscription,
	}, nil
}

func hostPort(u *url.URL, uri string, defaultPort int) (string, int, error) {
	host := u.Hostname()
	if host == "" {
		return "", 0, invalid(nil, uri, "missing host")
	}
	portStr := u.Port()
	if portStr == "" {
		return host, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, invalid(err, uri, "invalid port "+strconv.Quote(portStr))
	}
	return host, port, nil
}

func credential(u *url.URL) string {
	if u.User != nil {
		if pw, ok := u.User.Password(); ok && pw != "" {
			return pw
		}
	}
	return entity.PlaceholderCredential
}

func firstSegment(u *url.URL) string {
	path := strings.TrimPrefix(u.Path, "/")
	if i := strings.Index(path, "/"); i >= 0 {
		path = path[:i]
	}
	return path
}

// invalid never includes the URI itself in the message, since it may carry a credential.
func invalid(cause error, uri, reason string) error {
	scheme := "unknown"
	if i := strings.Index(uri, "://"); i > 0 {
		scheme = strings.ToLower(uri[:i])
	}
	if cause != nil {
		var uerr *url.Error
		if errors.As(cause, &uerr) {
			cause = uerr.Err
		}
		reason += ": " + cause.Error()
	}
	return errors.Wrapf(entity.ErrInvalidSourceURI, "%s (scheme: %s)", reason, scheme)
}
