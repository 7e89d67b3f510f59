package dbctx

import (
	"context"

	"gorm.io/gorm"
)

// Context carries a request-scoped context.Context alongside an optional
// transaction handle. Repos fall back to their own pooled *gorm.DB when Tx
// is nil, so callers only need to populate Tx when participating in an
// ambient transaction.
type Context struct {
	Ctx context.Context
	Tx  *gorm.DB
}
