package zgraph

import (
	"sync"
)

// exprCache holds parsed relation expressions keyed by their source.
// Fetch calls usually repeat a handful of expressions, so parsing each
// once is enough. Entries are never mutated; callers get clones.
var exprCache sync.Map

// parseCached parses src, reusing an earlier parse of the same source.
// Parse errors are not cached.
func parseCached(src string) (*Expression, error) {
	if cached, ok := exprCache.Load(src); ok {
		return cached.(*Expression).clone(), nil
	}
	x, err := ParseExpression(src)
	if err != nil {
		return nil, err
	}
	exprCache.Store(src, x)
	return x.clone(), nil
}

// ClearExpressionCache drops every cached expression.
func ClearExpressionCache() {
	exprCache.Range(func(k, _ any) bool {
		exprCache.Delete(k)
		return true
	})
}
