package config

import (
	"os"
	"regexp"
)

// Only the braced form ${NAME} expands. A bare $ stays literal so regex
// metacharacters in extraction rules survive the pass. Unset variables
// expand to the empty string.
var envRef = regexp.MustCompile(`\$\{[A-Za-z_][A-Za-z0-9_]*\}`)

func expandEnv(b []byte) []byte {
	return envRef.ReplaceAllFunc(b, func(m []byte) []byte {
		name := string(m[2 : len(m)-1])
		return []byte(os.Getenv(name))
	})
}
