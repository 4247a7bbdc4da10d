package secrets

import (
	"context"
	"os"
	"sort"
	"strings"

	"github.com/rendis/drip/pkg/schema"
)

// EnvPrefix is prepended to secret keys when resolving from the environment.
const EnvPrefix = "DRIP_SECRET_"

// EnvVault is a read-only vault over environment variables: secrets.WA_TOKEN
// resolves DRIP_SECRET_WA_TOKEN. Used when no vault passphrase is configured.
type EnvVault struct {
	lookup  func(string) (string, bool)
	environ func() []string
}

func NewEnvVault() *EnvVault {
	return &EnvVault{lookup: os.LookupEnv, environ: os.Environ}
}

func (v *EnvVault) Resolve(_ context.Context, key string) ([]byte, error) {
	val, ok := v.lookup(EnvPrefix + key)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found (set %s%s)", key, EnvPrefix, key)
	}
	return []byte(val), nil
}

func (v *EnvVault) Store(context.Context, string, []byte) error {
	return schema.NewError(schema.ErrCodeVault, "environment vault is read-only")
}

func (v *EnvVault) Delete(context.Context, string) error {
	return schema.NewError(schema.ErrCodeVault, "environment vault is read-only")
}

func (v *EnvVault) List(context.Context) ([]string, error) {
	var keys []string
	for _, kv := range v.environ() {
		name, _, _ := strings.Cut(kv, "=")
		if key, ok := strings.CutPrefix(name, EnvPrefix); ok && key != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

var (
	_ Vault = (*AESVault)(nil)
	_ Vault = (*EnvVault)(nil)
)
