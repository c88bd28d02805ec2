package lock

import (
	"context"

	"github.com/google/uuid"
)

type ownerKey struct{}

// WithOwner returns a copy of ctx that identifies its holder as id. Every
// lock operation performed with the returned context acts on behalf of id.
func WithOwner(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ownerKey{}, id)
}

// NewOwner returns a copy of ctx carrying a freshly generated owner id.
func NewOwner(ctx context.Context) context.Context {
	return WithOwner(ctx, uuid.NewString())
}

// OwnerFrom returns the owner id carried by ctx.
func OwnerFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(ownerKey{}).(string)
	return id, ok && id != ""
}
