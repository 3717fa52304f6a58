package direct

import (
	"context"
	"crypto/tls"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/ehr/interop/internal/credential"
	"github.com/ehr/interop/internal/interop"
)

// DefaultSMTPPort is implicit-TLS submission, used when the partner does not
// name a port.
const DefaultSMTPPort = 465

// Dialer opens the TCP connection to a HISP relay.
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

type envelope struct {
	host string
	port int
	from string
	to   []string
	data []byte
}

// relay delivers one message. Port 465 speaks TLS from the first byte; any
// other port must offer STARTTLS unless plaintext is explicitly allowed.
func (a *Adapter) relay(ctx context.Context, cred *credential.Credential, env envelope) error {
	addr := net.JoinHostPort(env.host, strconv.Itoa(env.port))
	conn, err := a.dial(ctx, "tcp", addr)
	if err != nil {
		return interop.Classify(err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	tlsConfig := &tls.Config{ServerName: env.host, MinVersion: tls.VersionTLS12}
	if cred != nil && cred.TLSConfig != nil {
		tlsConfig = cred.TLSConfig.Clone()
		tlsConfig.ServerName = env.host
	}
	if a.rootCAs != nil {
		tlsConfig.RootCAs = a.rootCAs
	}

	if env.port == DefaultSMTPPort {
		tc := tls.Client(conn, tlsConfig)
		if err := tc.HandshakeContext(ctx); err != nil {
			return ctxErr(ctx, err)
		}
		conn = tc
	}

	c, err := smtp.NewClient(conn, env.host)
	if err != nil {
		return ctxErr(ctx, err)
	}
	defer c.Close()

	if err := c.Hello(a.heloName); err != nil {
		return ctxErr(ctx, err)
	}
	if env.port != DefaultSMTPPort {
		if ok, _ := c.Extension("STARTTLS"); ok {
			if err := c.StartTLS(tlsConfig); err != nil {
				return ctxErr(ctx, err)
			}
		} else if a.requireTLS {
			return interop.Permanent("SMTP_TLS_REQUIRED", "relay %s does not offer STARTTLS", addr)
		}
	}
	if cred != nil && cred.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", cred.Username, cred.Password, env.host)); err != nil {
			return ctxErr(ctx, err)
		}
	}

	if err := c.Mail(env.from); err != nil {
		return ctxErr(ctx, err)
	}
	for _, rcpt := range env.to {
		if err := c.Rcpt(rcpt); err != nil {
			return ctxErr(ctx, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return ctxErr(ctx, err)
	}
	if _, err := w.Write(env.data); err != nil {
		return ctxErr(ctx, err)
	}
	if err := w.Close(); err != nil {
		return ctxErr(ctx, err)
	}
	// The message is accepted once DATA completes.
	c.Quit()
	return nil
}

// ctxErr prefers the context's own error when the exchange was aborted by
// cancellation or deadline.
func ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return interop.Classify(ctx.Err())
	}
	return interop.Classify(err)
}
