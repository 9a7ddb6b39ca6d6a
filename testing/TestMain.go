package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

// testDefaults are applied only when the variable is not already set.
var testDefaults = map[string]string{
	"SEQUENCE_BACKEND": "postgres",
	"USE_REDIS_LOCKS":  "false",
}

var once sync.Once

func enterTestMode() {
	once.Do(func() {
		_ = os.Setenv("ODYSSEY_TEST_MODE", "1")
		for key, value := range testDefaults {
			if _, ok := os.LookupEnv(key); !ok {
				_ = os.Setenv(key, value)
			}
		}
	})
}

func init() {
	enterTestMode()
}

func TestMain(m *stdtesting.M) {
	enterTestMode()
	os.Exit(m.Run())
}
