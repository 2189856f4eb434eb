package roomconfig

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeDSN(t *testing.T) {
	cases := map[string]string{
		"postgresql+asyncpg://u:p@host/db": "postgresql://u:p@host/db",
		"postgres+asyncpg://u:p@host/db":   "postgres://u:p@host/db",
		"postgresql+pgx://u:p@host/db":     "postgresql://u:p@host/db",
		"postgres://u:p@host/db":           "postgres://u:p@host/db",
		"  postgres://u:p@host/db  ":       "postgres://u:p@host/db",
	}
	for in, want := range cases {
		require.Equal(t, want, normalizeDSN(in))
	}
}
