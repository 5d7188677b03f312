package redisbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscapePattern(t *testing.T) {
	testCases := map[string]struct {
		given  string
		expect string
	}{
		"plain": {
			given:  "account/acc/ad-hoc-check-results/suite/",
			expect: "account/acc/ad-hoc-check-results/suite/",
		},
		"glob": {
			given:  "account/a*c/ad-hoc-check-results/s?[1]/",
			expect: `account/a\*c/ad-hoc-check-results/s\?\[1\]/`,
		},
		"backslash": {
			given:  `a\b`,
			expect: `a\\b`,
		},
	}

	for name, tc := range testCases {
		test := tc
		t.Run(name, func(t *testing.T) {
			require.Equal(t, test.expect, escapePattern(test.given))
		})
	}
}

func TestConfigOptions(t *testing.T) {
	opts := Config{RedisAddress: "redis:6380", RedisDB: 2, RedisPassword: "secret"}.Options()
	require.Equal(t, "redis:6380", opts.Addr)
	require.Equal(t, 2, opts.DB)
	require.Equal(t, "secret", opts.Password)
}
