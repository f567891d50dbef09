package msgnet

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// ErrInvalidRateLimit is returned when a rate limit is configured with a
// non-positive burst.
var ErrInvalidRateLimit = errors.New("invalid rate limit: burst must be positive")

// Default configuration values.
const (
	// defaultMaxPackageLength is the default maximum size of a single message body (1MB).
	defaultMaxPackageLength = 1024 * 1024
	// defaultDialTimeout bounds resolution plus connect for clients.
	defaultDialTimeout = 10 * time.Second
)

// options holds the configuration shared by servers, clients and the
// connections they create.
type options struct {
	logger  Logger
	metrics *Metrics

	maxReadLength    int           // maximum size of a single message body
	heartbeat        time.Duration // read deadline is heartbeat * 2; 0 disables it
	handshakeTimeout time.Duration // deadline for the whole handshake; 0 disables it

	rateLimit rate.Limit // inbound messages per second; 0 disables limiting
	rateBurst int

	listenHost  string        // server bind host, empty for all interfaces
	dialTimeout time.Duration // client resolve + connect budget
}

// Option is a function that configures a Server or Client.
type Option func(*options)

// checkOptions validates and sets default values for options.
func checkOptions(opts *options) error {
	if opts.maxReadLength <= 0 {
		opts.maxReadLength = defaultMaxPackageLength
	}

	if opts.heartbeat < 0 {
		opts.heartbeat = 0
	}

	if opts.handshakeTimeout < 0 {
		opts.handshakeTimeout = 0
	}

	if opts.rateLimit > 0 && opts.rateBurst <= 0 {
		return ErrInvalidRateLimit
	}

	if opts.dialTimeout <= 0 {
		opts.dialTimeout = defaultDialTimeout
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

func newOptions(opt []Option) (options, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	err := checkOptions(&opts)
	return opts, err
}

// newLimiter returns a fresh token bucket for one connection, or nil when
// rate limiting is disabled.
func (o *options) newLimiter() *rate.Limiter {
	if o.rateLimit <= 0 {
		return nil
	}
	return rate.NewLimiter(o.rateLimit, o.rateBurst)
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MetricsOption returns an Option that records connection and message
// counters in m.
func MetricsOption(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// MessageMaxSize returns an Option that sets the maximum message body size.
// A peer announcing a larger body is disconnected.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxReadLength = size
	}
}

// HeartbeatOption returns an Option that sets the heartbeat interval.
// A connection that receives nothing for heartbeat * 2 is closed.
// Zero, the default, waits forever.
func HeartbeatOption(heartbeat time.Duration) Option {
	return func(o *options) {
		o.heartbeat = heartbeat
	}
}

// HandshakeTimeoutOption returns an Option that bounds the time a peer has to
// complete the handshake. Zero, the default, waits forever.
func HandshakeTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.handshakeTimeout = timeout
	}
}

// RateLimitOption returns an Option that limits each connection to limit
// received messages per second with the given burst. Messages over the limit
// are dropped; the connection stays open.
func RateLimitOption(limit rate.Limit, burst int) Option {
	return func(o *options) {
		o.rateLimit = limit
		o.rateBurst = burst
	}
}

// ListenHostOption returns an Option that binds a server to a single host
// instead of every interface.
func ListenHostOption(host string) Option {
	return func(o *options) {
		o.listenHost = host
	}
}

// DialTimeoutOption returns an Option that bounds how long a client may spend
// resolving and connecting.
func DialTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = timeout
	}
}
