package config

import "net/url"

const redacted = "***"

// Redacted returns a copy of c with secrets masked, for logging.
func (c *Config) Redacted() Config {
	out := *c

	out.Postgres.DSN = redactDSN(c.Postgres.DSN)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)

	if c.Resolution.Oracles != nil {
		out.Resolution.Oracles = make([]string, len(c.Resolution.Oracles))
		copy(out.Resolution.Oracles, c.Resolution.Oracles)
	}
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}

// redactDSN masks only the password of a URL-style DSN so host and
// database stay visible in logs.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil || u.User == nil {
		if dsn == "" {
			return ""
		}
		return redacted
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}
	return u.String()
}
