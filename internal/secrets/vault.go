package secrets

import "context"

// Resolver looks up the plaintext of ${{secrets.KEY}} references while
// templates render.
type Resolver interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// Vault is a Resolver that the `drip secret` command can also write to.
// EnvVault rejects writes with VAULT_ERROR.
type Vault interface {
	Resolver
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore holds AESVault ciphertext; every backend in internal/store
// implements it.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}
