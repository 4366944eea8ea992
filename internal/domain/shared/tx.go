package shared

import "context"

// TxManager opens transaction scopes. The transaction travels inside the
// context passed to fn, so every repository called with that context joins
// it. The scope commits when fn returns nil and rolls back otherwise.
type TxManager interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}
