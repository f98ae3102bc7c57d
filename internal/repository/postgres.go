package repository

import (
	"cmp"
	"net"
	"net/url"
	"strconv"

	_ "github.com/lib/pq"

	"github.com/opensource-finance/fraudwatch/internal/domain"
)

// postgresDSN builds a lib/pq connection URL. Credentials are escaped, so
// passwords may contain any character.
func postgresDSN(cfg domain.RepositoryConfig) string {
	port := cfg.PostgresPort
	if port == 0 {
		port = 5432
	}

	u := url.URL{
		Scheme:   "postgres",
		Host:     net.JoinHostPort(cmp.Or(cfg.PostgresHost, "localhost"), strconv.Itoa(port)),
		Path:     "/" + cmp.Or(cfg.PostgresDB, "fraudwatch"),
		RawQuery: url.Values{"sslmode": {cmp.Or(cfg.PostgresSSLMode, "disable")}}.Encode(),
	}
	if cfg.PostgresUser != "" {
		u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
	}
	return u.String()
}
